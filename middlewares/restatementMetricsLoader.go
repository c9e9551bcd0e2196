package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
)

type restatementMetricReader struct {
	db *gorm.DB
}

func (r *restatementMetricReader) getRestatementMetrics(ctx context.Context, ids []int) []*dataloader.Result[[]*models.RestatementMetric] {
	var results []models.RestatementMetric
	err := r.db.WithContext(ctx).Where("restatement_id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[[]*models.RestatementMetric](len(ids), err)
	}
	return generateLoaderArrayResults(results, ids)
}

func GetRestatementMetrics(ctx context.Context, restatementId int) ([]*models.RestatementMetric, error) {
	loaders := For(ctx)
	return loaders.restatementMetricLoader.Load(ctx, restatementId)()
}
