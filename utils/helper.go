package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func ConvertToLocalTime(utcTime time.Time, timezone string) time.Time {
	//init the loc
	loc, _ := time.LoadLocation(timezone)
	//set timezone,
	return utcTime.In(loc)
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			// if not exists in map, append it, otherwise do nothing
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// Reporting periods are half-open [start, end): the end instant belongs to the
// next period. Every SQL range filter in models/reports relies on this.

// CalendarYearRange returns [Jan 1 00:00 UTC, Jan 1 of year+1).
func CalendarYearRange(year int) (time.Time, time.Time) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0)
}

// MonthRange returns [1st 00:00 UTC, 1st of next month).
func MonthRange(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func GetLastMonthsRange(months int) (time.Time, time.Time) {
	now := time.Now().UTC()
	start := now.AddDate(0, -months, 0)
	return start, now
}

// CompletedMonthsOfYear counts the calendar months of year fully elapsed at now:
// 12 for past years, 0 for future years, now.Month()-1 inside the year.
func CompletedMonthsOfYear(now time.Time, year int) int {
	now = now.UTC()
	if now.Year() > year {
		return 12
	}
	if now.Year() < year {
		return 0
	}
	return int(now.Month()) - 1
}

func DaysInYear(year int) int {
	start, end := CalendarYearRange(year)
	return int(end.Sub(start).Hours() / 24)
}

// DaysElapsedInYear counts whole days of year elapsed at now, clamped to [0, DaysInYear].
func DaysElapsedInYear(now time.Time, year int) int {
	now = now.UTC()
	start, end := CalendarYearRange(year)
	if !now.After(start) {
		return 0
	}
	if !now.Before(end) {
		return DaysInYear(year)
	}
	return int(now.Sub(start).Hours() / 24)
}

// OldestDate returns the oldest (earliest) date among the provided dates.
func FindOldestDate(dates ...*time.Time) *time.Time {
	var oldest *time.Time
	for _, date := range dates {
		if date == nil {
			continue
		}
		if oldest == nil || date.Before(*oldest) {
			oldest = date
		}
	}
	return oldest
}

func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Println("Error loading location:", err)
		return t, err
	}
	localTime := t.In(location)

	// Extract only the date (without time) by using localTime.Year, Month, Day
	// We then create a new time.Time object with zero time.
	dateOnly := time.Date(localTime.Year(), localTime.Month(), localTime.Day(), 0, 0, 0, 0, location)
	return dateOnly, nil
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	// Remove any whitespace and check for empty strings
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	// Convert string to decimal
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

func OrganizationLock(ctx context.Context, organizationId string, lockType string, moduleName string, functionName string) error {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", organizationId, errors.New("redis lock is nil"))
		return errors.New("service not ready (redis lock not initialized)")
	}
	// Try to obtain a lock for the organizationID
	lockKey := fmt.Sprintf("%s:%s", lockType, organizationId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		// Handle the case where the lock could not be obtained
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for organizationID", organizationId, err)
		return errors.New("could not obtain lock for organizationID")
	} else if err != nil {
		// Handle other errors in obtaining the lock
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for organizationID", organizationId, err)
		return err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	return nil

}
