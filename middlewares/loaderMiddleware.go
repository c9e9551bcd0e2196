package middlewares

import (
	"context"
	"reflect"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap your data loaders to inject via middleware
type Loaders struct {
	baselineLoader          *dataloader.Loader[int, *models.BaselineDefinition]
	targetLoader            *dataloader.Loader[int, *models.SustainabilityTarget]
	restatementLoader       *dataloader.Loader[int, *models.BaselineRestatement]
	restatementMetricLoader *dataloader.Loader[int, []*models.RestatementMetric]
	trajectoryLoader        *dataloader.Loader[int, *models.ReductionTrajectory]
	trajectoryPointLoader   *dataloader.Loader[int, []*models.TrajectoryPoint]

	metricCatalogLoader *dataloader.Loader[string, *models.MetricCatalogEntry]
	organizationLoader  *dataloader.Loader[string, *models.Organization]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	// define the data loader
	baselineReader := &baselineReader{db: conn}
	targetReader := &targetReader{db: conn}
	restatementReader := &restatementReader{db: conn}
	restatementMetricReader := &restatementMetricReader{db: conn}
	trajectoryReader := &trajectoryReader{db: conn}
	trajectoryPointReader := &trajectoryPointReader{db: conn}
	metricCatalogReader := &metricCatalogReader{db: conn}
	organizationReader := &organizationReader{db: conn}

	return &Loaders{
		baselineLoader:          dataloader.NewBatchedLoader(baselineReader.getBaselines, dataloader.WithWait[int, *models.BaselineDefinition](time.Millisecond)),
		targetLoader:            dataloader.NewBatchedLoader(targetReader.getTargets, dataloader.WithWait[int, *models.SustainabilityTarget](time.Millisecond)),
		restatementLoader:       dataloader.NewBatchedLoader(restatementReader.getRestatements, dataloader.WithWait[int, *models.BaselineRestatement](time.Millisecond)),
		restatementMetricLoader: dataloader.NewBatchedLoader(restatementMetricReader.getRestatementMetrics, dataloader.WithWait[int, []*models.RestatementMetric](time.Millisecond)),
		trajectoryLoader:        dataloader.NewBatchedLoader(trajectoryReader.getTrajectories, dataloader.WithWait[int, *models.ReductionTrajectory](time.Millisecond)),
		trajectoryPointLoader:   dataloader.NewBatchedLoader(trajectoryPointReader.getTrajectoryPoints, dataloader.WithWait[int, []*models.TrajectoryPoint](time.Millisecond)),
		metricCatalogLoader:     dataloader.NewBatchedLoader(metricCatalogReader.getMetricCatalogEntries, dataloader.WithWait[string, *models.MetricCatalogEntry](time.Millisecond)),
		organizationLoader:      dataloader.NewBatchedLoader(organizationReader.getOrganizations, dataloader.WithWait[string, *models.Organization](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// turns results from db into dataloader results
// (T must be a struct)
func generateLoaderResults[T models.Data](results []T, ids []int) []*dataloader.Result[*T] {
	// generate resultMap from results
	resultMap := make(map[int]T)
	var resultZero T
	resultMap[0] = resultZero.GetDefault(0).(T)
	for _, result := range results {
		resultMap[result.GetId()] = result
	}

	loaderResults := make([]*dataloader.Result[*T], 0, len(ids))
	for _, id := range ids {
		data := resultMap[id]
		if reflect.ValueOf(data).IsZero() {
			data = data.GetDefault(id).(T)
		}
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: &data})
	}
	return loaderResults
}

// T must be struct
// each id has many related results
func generateLoaderArrayResults[T models.RelatedData](results []T, referenceIds []int) (loaderResults []*dataloader.Result[[]*T]) {
	resultMap := make(map[int][]*T)
	for _, result := range results {
		// creating a new variable every turn, to avoid pointing to the adddress of result
		copy := result
		resultMap[result.GetReferenceId()] = append(resultMap[result.GetReferenceId()], &copy)
	}
	for _, id := range referenceIds {
		resultArray := resultMap[id]
		loaderResults = append(loaderResults, &dataloader.Result[[]*T]{Data: resultArray})
	}
	return loaderResults
}
