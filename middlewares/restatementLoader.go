package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
)

type restatementReader struct {
	db *gorm.DB
}

func (r *restatementReader) getRestatements(ctx context.Context, ids []int) []*dataloader.Result[*models.BaselineRestatement] {
	var results []models.BaselineRestatement

	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.BaselineRestatement](len(ids), err)
	}
	return generateLoaderResults(results, ids)
}

func GetRestatement(ctx context.Context, id int) (*models.BaselineRestatement, error) {
	loaders := For(ctx)
	return loaders.restatementLoader.Load(ctx, id)()
}
