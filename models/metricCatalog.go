package models

import (
	"context"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"gorm.io/gorm"
)

// MetricCatalogEntry describes one reportable metric. The catalog is global
// (shared across organizations) and changes rarely, so entries are cached in
// redis with an expiry and batched through the request dataloader.
type MetricCatalogEntry struct {
	MetricId  string       `gorm:"primary_key;size:100" json:"metric_id"`
	Name      string       `gorm:"size:100;not null" json:"name"`
	Category  string       `gorm:"index;size:100;not null" json:"category"`
	Scope     int          `gorm:"index;not null" json:"scope"`
	Domain    MetricDomain `gorm:"type:enum('emissions','energy','water','waste');default:'emissions';index;size:20;not null" json:"domain"`
	Unit      string       `gorm:"size:20;not null" json:"unit"`
	IsActive  *bool        `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// defaultMetricCatalog is the shipped catalog. Seeding is idempotent; ops can
// extend the table directly and ResolveMetric picks changes up after the cache
// lifespan.
var defaultMetricCatalog = []MetricCatalogEntry{
	// scope 1
	{MetricId: "natural_gas_heating", Name: "Natural gas heating", Category: "stationary_combustion", Scope: Scope1, Domain: MetricDomainEmissions},
	{MetricId: "diesel_generators", Name: "Diesel generators", Category: "stationary_combustion", Scope: Scope1, Domain: MetricDomainEmissions},
	{MetricId: "fleet_diesel", Name: "Fleet diesel", Category: "mobile_combustion", Scope: Scope1, Domain: MetricDomainEmissions},
	{MetricId: "fleet_petrol", Name: "Fleet petrol", Category: "mobile_combustion", Scope: Scope1, Domain: MetricDomainEmissions},
	{MetricId: "refrigerant_leakage", Name: "Refrigerant leakage", Category: "fugitive_emissions", Scope: Scope1, Domain: MetricDomainEmissions},
	// scope 2
	{MetricId: "electricity_grid", Name: "Grid electricity", Category: "purchased_energy", Scope: Scope2, Domain: MetricDomainEmissions},
	{MetricId: "district_heating", Name: "District heating", Category: "purchased_energy", Scope: Scope2, Domain: MetricDomainEmissions},
	{MetricId: "purchased_steam", Name: "Purchased steam", Category: "purchased_energy", Scope: Scope2, Domain: MetricDomainEmissions},
	// scope 3
	{MetricId: "flights_business", Name: "Business flights", Category: "business_travel", Scope: Scope3, Domain: MetricDomainEmissions},
	{MetricId: "rail_business", Name: "Business rail", Category: "business_travel", Scope: Scope3, Domain: MetricDomainEmissions},
	{MetricId: "employee_commuting", Name: "Employee commuting", Category: "employee_commuting", Scope: Scope3, Domain: MetricDomainEmissions},
	{MetricId: "purchased_goods_services", Name: "Purchased goods and services", Category: "purchased_goods", Scope: Scope3, Domain: MetricDomainEmissions},
	{MetricId: "upstream_logistics", Name: "Upstream logistics", Category: "upstream_transport", Scope: Scope3, Domain: MetricDomainEmissions},
	{MetricId: "waste_to_landfill", Name: "Waste to landfill", Category: "waste_disposal", Scope: Scope3, Domain: MetricDomainEmissions},
	// usage domains carry no scope
	{MetricId: "electricity_consumption", Name: "Electricity consumption", Category: "energy_use", Domain: MetricDomainEnergy},
	{MetricId: "renewable_generation", Name: "On-site renewable generation", Category: "energy_use", Domain: MetricDomainEnergy},
	{MetricId: "water_municipal", Name: "Municipal water", Category: "water_use", Domain: MetricDomainWater},
	{MetricId: "water_recycled", Name: "Recycled water", Category: "water_use", Domain: MetricDomainWater},
	{MetricId: "waste_general", Name: "General waste", Category: "waste_generated", Domain: MetricDomainWaste},
	{MetricId: "waste_recycled", Name: "Recycled waste", Category: "waste_generated", Domain: MetricDomainWaste},
}

func SeedMetricCatalog(tx *gorm.DB, ctx context.Context) error {
	for _, entry := range defaultMetricCatalog {
		entry.Unit = entry.Domain.CanonicalUnit()
		entry.IsActive = utils.NewTrue()
		err := tx.WithContext(ctx).
			Where(MetricCatalogEntry{MetricId: entry.MetricId}).
			FirstOrCreate(&entry).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// ResolveMetric maps a metric id to its catalog entry. Unknown ids return
// ErrorUnknownMetric; aggregation callers treat those records as excluded
// rather than failing the whole query.
func ResolveMetric(ctx context.Context, metricId string) (*MetricCatalogEntry, error) {

	if metricId == "" {
		return nil, utils.ErrorUnknownMetric
	}

	result, err := utils.RetrieveRedis[MetricCatalogEntry](metricId)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	db := config.GetDB()
	var entry MetricCatalogEntry
	err = db.WithContext(ctx).Where("metric_id = ?", metricId).First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorUnknownMetric
		}
		return nil, err
	}
	if err := utils.StoreRedis[MetricCatalogEntry](&entry, entry.MetricId); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ResolveMetrics resolves a batch, keeping only known ids. The second return
// lists the unknown ones for data-quality logging.
func ResolveMetrics(ctx context.Context, metricIds []string) (map[string]*MetricCatalogEntry, []string, error) {

	resolved := make(map[string]*MetricCatalogEntry, len(metricIds))
	var unknown []string
	for _, id := range utils.UniqueSlice(metricIds) {
		entry, err := ResolveMetric(ctx, id)
		if err == utils.ErrorUnknownMetric {
			unknown = append(unknown, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		resolved[id] = entry
	}
	return resolved, unknown, nil
}

func GetMetricCatalog(ctx context.Context, domain *MetricDomain) ([]*MetricCatalogEntry, error) {

	db := config.GetDB()
	var results []*MetricCatalogEntry

	dbCtx := db.WithContext(ctx)
	if domain != nil {
		dbCtx = dbCtx.Where("domain = ?", *domain)
	}
	err := dbCtx.Order("metric_id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func GetMetricCatalogEntriesByIds(ctx context.Context, metricIds []string) ([]*MetricCatalogEntry, error) {

	db := config.GetDB()
	var results []*MetricCatalogEntry

	err := db.WithContext(ctx).Where("metric_id IN ?", metricIds).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
