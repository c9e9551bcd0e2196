package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

type organizationReader struct {
	db *gorm.DB
}

func (r *organizationReader) getOrganizations(ctx context.Context, ids []string) []*dataloader.Result[*models.Organization] {
	var results []models.Organization
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Organization](len(ids), err)
	}

	resultMap := make(map[string]*models.Organization, len(results))
	for i := range results {
		resultMap[results[i].ID.String()] = &results[i]
	}

	loaderResults := make([]*dataloader.Result[*models.Organization], 0, len(ids))
	for _, id := range ids {
		organization := resultMap[id]
		if organization == nil {
			loaderResults = append(loaderResults, &dataloader.Result[*models.Organization]{Error: utils.ErrorRecordNotFound})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*models.Organization]{Data: organization})
	}
	return loaderResults
}

func GetOrganizationById(ctx context.Context, id string) (*models.Organization, error) {
	loaders := For(ctx)
	return loaders.organizationLoader.Load(ctx, id)()
}
