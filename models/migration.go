package models

import (
	"log"

	"bitbucket.org/carbonview/emissions_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Organization{},
		&MetricCatalogEntry{}, &MetricRecord{}, &MetricTrackingHistory{},
		&BaselineDefinition{}, &SustainabilityTarget{},
		&BaselineRestatement{}, &RestatementMetric{},
		&ReductionTrajectory{}, &TrajectoryPoint{},
		&OutboxEvent{},
		&IdempotencyKey{},
		&IntegrationConnection{}, &IntegrationSyncRun{},
		&IntegrationEntityMapping{}, &IntegrationSyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
