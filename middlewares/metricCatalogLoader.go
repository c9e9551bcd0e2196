package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

type metricCatalogReader struct {
	db *gorm.DB
}

// Catalog keys are metric ids (strings), so the generic int-keyed result
// builder does not apply; missing ids resolve to ErrorUnknownMetric rather
// than a default row.
func (r *metricCatalogReader) getMetricCatalogEntries(ctx context.Context, metricIds []string) []*dataloader.Result[*models.MetricCatalogEntry] {
	var results []models.MetricCatalogEntry
	err := r.db.WithContext(ctx).Where("metric_id IN ?", metricIds).Find(&results).Error
	if err != nil {
		return handleError[*models.MetricCatalogEntry](len(metricIds), err)
	}

	resultMap := make(map[string]*models.MetricCatalogEntry, len(results))
	for i := range results {
		resultMap[results[i].MetricId] = &results[i]
	}

	loaderResults := make([]*dataloader.Result[*models.MetricCatalogEntry], 0, len(metricIds))
	for _, id := range metricIds {
		entry := resultMap[id]
		if entry == nil {
			loaderResults = append(loaderResults, &dataloader.Result[*models.MetricCatalogEntry]{Error: utils.ErrorUnknownMetric})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*models.MetricCatalogEntry]{Data: entry})
	}
	return loaderResults
}

func GetMetricCatalogEntry(ctx context.Context, metricId string) (*models.MetricCatalogEntry, error) {
	loaders := For(ctx)
	return loaders.metricCatalogLoader.Load(ctx, metricId)()
}

func GetMetricCatalogEntries(ctx context.Context, metricIds []string) ([]*models.MetricCatalogEntry, []error) {
	loaders := For(ctx)
	return loaders.metricCatalogLoader.LoadMany(ctx, metricIds)()
}
