package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
)

type baselineReader struct {
	db *gorm.DB
}

func (r *baselineReader) getBaselines(ctx context.Context, ids []int) []*dataloader.Result[*models.BaselineDefinition] {
	var results []models.BaselineDefinition

	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.BaselineDefinition](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

// GetBaseline returns single baseline definition by id efficiently
func GetBaseline(ctx context.Context, id int) (*models.BaselineDefinition, error) {
	loaders := For(ctx)
	return loaders.baselineLoader.Load(ctx, id)()
}

// GetBaselines returns many baseline definitions by ids efficiently
func GetBaselines(ctx context.Context, ids []int) ([]*models.BaselineDefinition, []error) {
	loaders := For(ctx)
	return loaders.baselineLoader.LoadMany(ctx, ids)()
}
