package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Input / lookup failures (HTTP 400/404).
var (
	ErrorInvalidRange  = errors.New("invalid date range: start must be before end")
	ErrorUnknownMetric = errors.New("unknown metric")
)

// Restatement lifecycle failures (HTTP 409/423).
var (
	ErrorInvalidStateTransition = errors.New("invalid restatement state transition")
	ErrorAlreadyFinalized       = errors.New("restatement already finalized")
	ErrorConcurrencyConflict    = errors.New("concurrent modification, retry with fresh state")
)

// ErrorDuplicateRecord maps MySQL 1062 on natural keys (HTTP 409).
var ErrorDuplicateRecord = errors.New("record already exists for this period")

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
