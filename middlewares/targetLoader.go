package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
)

type targetReader struct {
	db *gorm.DB
}

func (r *targetReader) getTargets(ctx context.Context, ids []int) []*dataloader.Result[*models.SustainabilityTarget] {
	var results []models.SustainabilityTarget

	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.SustainabilityTarget](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

func GetTarget(ctx context.Context, id int) (*models.SustainabilityTarget, error) {
	loaders := For(ctx)
	return loaders.targetLoader.Load(ctx, id)()
}
