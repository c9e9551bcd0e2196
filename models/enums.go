package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// GHG Protocol scopes. Stored as plain ints so reports can ORDER BY scope.
const (
	Scope1 = 1 // direct emissions (combustion, fleet, fugitives)
	Scope2 = 2 // purchased energy
	Scope3 = 3 // value chain
)

func ValidScope(s int) bool {
	return s == Scope1 || s == Scope2 || s == Scope3
}

type MetricDomain string

const (
	MetricDomainEmissions MetricDomain = "emissions"
	MetricDomainEnergy    MetricDomain = "energy"
	MetricDomainWater     MetricDomain = "water"
	MetricDomainWaste     MetricDomain = "waste"
)

func (d MetricDomain) IsValid() bool {
	switch d {
	case MetricDomainEmissions, MetricDomainEnergy, MetricDomainWater, MetricDomainWaste:
		return true
	default:
		return false
	}
}

// canonical reporting unit per domain (records are normalized at ingest)
func (d MetricDomain) CanonicalUnit() string {
	switch d {
	case MetricDomainEmissions:
		return "tCO2e"
	case MetricDomainEnergy:
		return "MWh"
	case MetricDomainWater:
		return "m3"
	case MetricDomainWaste:
		return "kg"
	default:
		return ""
	}
}

// convert enum to send response
func (d MetricDomain) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(d))), nil
}

// convert input to enum type
func (d *MetricDomain) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("metric domain must be string")
	}
	switch str {
	case "emissions":
		*d = MetricDomainEmissions
	case "energy":
		*d = MetricDomainEnergy
	case "water":
		*d = MetricDomainWater
	case "waste":
		*d = MetricDomainWaste
	default:
		return errors.New("invalid metric domain")
	}
	return nil
}

func ParseMetricDomain(s string) (MetricDomain, error) {
	switch s {
	case "emissions":
		return MetricDomainEmissions, nil
	case "energy":
		return MetricDomainEnergy, nil
	case "water":
		return MetricDomainWater, nil
	case "waste":
		return MetricDomainWaste, nil
	default:
		return "", errors.New("invalid metric domain")
	}
}

type RestatementStatus string

const (
	RestatementStatusDraft    RestatementStatus = "draft"
	RestatementStatusApproved RestatementStatus = "approved"
	RestatementStatusRejected RestatementStatus = "rejected"
	RestatementStatusApplied  RestatementStatus = "applied"
)

// applied and rejected are terminal
func (s RestatementStatus) IsFinal() bool {
	return s == RestatementStatusApplied || s == RestatementStatusRejected
}

func (s RestatementStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(s))), nil
}

func (s *RestatementStatus) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("restatement status must be string")
	}
	switch str {
	case "draft":
		*s = RestatementStatusDraft
	case "approved":
		*s = RestatementStatusApproved
	case "rejected":
		*s = RestatementStatusRejected
	case "applied":
		*s = RestatementStatusApplied
	default:
		return errors.New("invalid restatement status")
	}
	return nil
}

type RestatementAction string

const (
	RestatementActionApprove RestatementAction = "approve"
	RestatementActionReject  RestatementAction = "reject"
	RestatementActionApply   RestatementAction = "apply"
)

func ParseRestatementAction(s string) (RestatementAction, error) {
	switch s {
	case "approve":
		return RestatementActionApprove, nil
	case "reject":
		return RestatementActionReject, nil
	case "apply":
		return RestatementActionApply, nil
	default:
		return "", errors.New("invalid restatement action")
	}
}

type EstimationMethod string

const (
	EstimationMethodProxyYear     EstimationMethod = "proxy_year"
	EstimationMethodSectorAverage EstimationMethod = "sector_average"
	EstimationMethodExtrapolation EstimationMethod = "extrapolation"
	EstimationMethodManual        EstimationMethod = "manual"
)

func (m EstimationMethod) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(m))), nil
}

func (m *EstimationMethod) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("estimation method must be string")
	}
	switch str {
	case "proxy_year":
		*m = EstimationMethodProxyYear
	case "sector_average":
		*m = EstimationMethodSectorAverage
	case "extrapolation":
		*m = EstimationMethodExtrapolation
	case "manual":
		*m = EstimationMethodManual
	default:
		return errors.New("invalid estimation method")
	}
	return nil
}

type EstimateConfidence string

const (
	EstimateConfidenceHigh   EstimateConfidence = "high"
	EstimateConfidenceMedium EstimateConfidence = "medium"
	EstimateConfidenceLow    EstimateConfidence = "low"
)

func (c EstimateConfidence) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(c))), nil
}

func (c *EstimateConfidence) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("estimate confidence must be string")
	}
	switch str {
	case "high":
		*c = EstimateConfidenceHigh
	case "medium":
		*c = EstimateConfidenceMedium
	case "low":
		*c = EstimateConfidenceLow
	default:
		return errors.New("invalid estimate confidence")
	}
	return nil
}

type ForecastMethod string

const (
	ForecastMethodTrajectory ForecastMethod = "trajectory"
	ForecastMethodModel      ForecastMethod = "ml_forecast"
	ForecastMethodLinear     ForecastMethod = "linear"
)

func (m ForecastMethod) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(m))), nil
}

type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

func (t TrendDirection) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(t))), nil
}

type ProgressStatus string

const (
	ProgressOnTrack          ProgressStatus = "on-track"
	ProgressAtRisk           ProgressStatus = "at-risk"
	ProgressOffTrack         ProgressStatus = "off-track"
	ProgressExceededBaseline ProgressStatus = "exceeded-baseline"
)

func (p ProgressStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(p))), nil
}

type TrajectoryStatus string

const (
	TrajectoryStatusActive   TrajectoryStatus = "active"
	TrajectoryStatusArchived TrajectoryStatus = "archived"
)

// PubSubMessageAction mirrors the envelope action codes on the event topic.
type PubSubMessageAction string

const (
	PubSubMessageActionCreate PubSubMessageAction = "C"
	PubSubMessageActionUpdate PubSubMessageAction = "U"
	PubSubMessageActionDelete PubSubMessageAction = "D"
)

// EngineReferenceType tags outbox rows / envelope payloads by aggregate.
type EngineReferenceType string

const (
	ReferenceTypeMetricBatch EngineReferenceType = "MB"
	ReferenceTypeRestatement EngineReferenceType = "RST"
	ReferenceTypeBaseline    EngineReferenceType = "BSL"
	ReferenceTypeTarget      EngineReferenceType = "TGT"
)

// Event types carried on the emissions-events topic.
const (
	EventRestatementCreated  = "restatement.created"
	EventRestatementApproved = "restatement.approved"
	EventRestatementRejected = "restatement.rejected"
	EventBaselineRestated    = "baseline.restated"
)

type MyDateString time.Time

func (t MyDateString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Time(t).UTC().Format(time.RFC3339))), nil
}

// Parse the string into time.Time object.
// Accepts bare dates ("2025-03-01") and local datetimes ("2025-03-01T15:04:05").
func (t *MyDateString) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("MyDateString must be string")
	}

	localTime, err := time.Parse("2006-01-02T15:04:05", str)
	if err != nil {
		localTime, err = time.Parse("2006-01-02", str)
	}
	if err != nil {
		localTime, err = time.Parse(time.RFC3339, str)
	}
	if err != nil {
		return errors.New("error parsing datetime")
	}
	*t = MyDateString(localTime)

	return nil
}

func (t *MyDateString) StartOfDayUTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "UTC"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Println("Error loading location:", err)
		return err
	}

	// Convert the start of the day local time to the specified timezone
	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		0, 0, 0, 0,
		location,
	)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}

// NextDayStartUTCTime moves the date to the start of the FOLLOWING local day in
// UTC. Range ends are half-open, so an inclusive "to" date filter uses this as
// its exclusive bound.
func (t *MyDateString) NextDayStartUTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "UTC"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Println("Error loading location:", err)
		return err
	}

	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		0, 0, 0, 0,
		location,
	).AddDate(0, 0, 1)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}

// Value implements the driver.Valuer interface
func (t MyDateString) Value() (driver.Value, error) {
	return time.Time(t), nil
}

// Scan implements the sql.Scanner interface
func (t *MyDateString) Scan(value interface{}) error {
	if value == nil {
		*t = MyDateString(time.Time{})
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*t = MyDateString(v)
	default:
		return fmt.Errorf("cannot convert %T to MyDateString", value)
	}
	return nil
}

func (t *MyDateString) SetDefaultNowIfNil() *MyDateString {
	if t == nil {
		now := MyDateString(time.Now())
		return &now
	}
	return t
}
