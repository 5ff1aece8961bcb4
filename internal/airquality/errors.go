package airquality

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedFeed       = errors.New("malformed feed")
	ErrOutOfRange          = errors.New("value out of range")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrFeedUnavailable     = errors.New("feed unavailable")
	ErrInvalidHorizon      = errors.New("forecast horizon must be between 1 and 72 hours")
	ErrNoDataAvailable     = errors.New("no data available")
	ErrOutsideCoverage     = errors.New("query point outside coverage area")
	ErrObservationNotFound = errors.New("observation not found")
	ErrUnknownSource       = errors.New("unknown source")
)

// MalformedFeedError means a payload could not be parsed at all.
type MalformedFeedError struct {
	Source string
	Err    error
}

func (e *MalformedFeedError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Source, ErrMalformedFeed, e.Err)
}

func (e *MalformedFeedError) Unwrap() []error { return []error{ErrMalformedFeed, e.Err} }

// OutOfRangeError rejects a single record whose value is not physically plausible.
type OutOfRangeError struct {
	Variable Variable
	Value    float64
	Min, Max float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s=%g outside [%g, %g]", e.Variable, e.Value, e.Min, e.Max)
}

func (e *OutOfRangeError) Is(target error) bool { return target == ErrOutOfRange }

// InsufficientDataError means no observation survived alignment.
type InsufficientDataError struct {
	Pollutant Variable
	Point     QueryPoint
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v for %s at (%.4f, %.4f)", ErrInsufficientData, e.Pollutant, e.Point.Lat, e.Point.Lon)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData || target == ErrNoDataAvailable
}

// InsufficientHistoryError means the forecast lag window was not filled.
type InsufficientHistoryError struct {
	Pollutant Variable
	Have      int
	Need      int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("%v for %s: have %d hourly estimates, need %d", ErrInsufficientHistory, e.Pollutant, e.Have, e.Need)
}

func (e *InsufficientHistoryError) Is(target error) bool { return target == ErrInsufficientHistory }

// FeedUnavailableError reports sources or endpoints that could not be fetched.
type FeedUnavailableError struct {
	Source   string
	Failures []string
}

func (e *FeedUnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Source, ErrFeedUnavailable, strings.Join(e.Failures, "; "))
}

func (e *FeedUnavailableError) Is(target error) bool { return target == ErrFeedUnavailable }
