package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
)

type trajectoryReader struct {
	db *gorm.DB
}

func (r *trajectoryReader) getTrajectories(ctx context.Context, ids []int) []*dataloader.Result[*models.ReductionTrajectory] {
	var results []models.ReductionTrajectory

	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.ReductionTrajectory](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

func GetTrajectory(ctx context.Context, id int) (*models.ReductionTrajectory, error) {
	loaders := For(ctx)
	return loaders.trajectoryLoader.Load(ctx, id)()
}
