package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/models"
)

type trajectoryPointReader struct {
	db *gorm.DB
}

func (r *trajectoryPointReader) getTrajectoryPoints(ctx context.Context, ids []int) []*dataloader.Result[[]*models.TrajectoryPoint] {
	var results []models.TrajectoryPoint
	err := r.db.WithContext(ctx).Where("trajectory_id IN ?", ids).Order("month ASC").Find(&results).Error
	if err != nil {
		return handleError[[]*models.TrajectoryPoint](len(ids), err)
	}
	return generateLoaderArrayResults(results, ids)
}

func GetTrajectoryPoints(ctx context.Context, trajectoryId int) ([]*models.TrajectoryPoint, error) {
	loaders := For(ctx)
	return loaders.trajectoryPointLoader.Load(ctx, trajectoryId)()
}
