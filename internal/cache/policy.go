package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the payload kind of a cache entry.
type Kind string

const (
	KindFused    Kind = "fused"
	KindForecast Kind = "forecast"
)

// Fused estimates live between MinFusedTTL and MaxFusedTTL; forecasts never
// outlive one forecast step.
const (
	MinFusedTTL    = 15 * time.Minute
	MaxFusedTTL    = 30 * time.Minute
	MaxForecastTTL = time.Hour
)

// Key identifies a cached payload: location bucket, pollutant, time bucket
// and, for forecasts, the requested horizon.
type Key struct {
	Kind      Kind
	Cell      string // geohash of the query point
	Pollutant string
	Bucket    time.Time
	Horizon   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", k.Kind, k.Cell, k.Pollutant, k.Bucket.Unix(), k.Horizon)
}

// parseKey reverses Key.String.
func parseKey(s string) (Key, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return Key{}, false
	}
	bucket, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Key{}, false
	}
	horizon, err := strconv.Atoi(parts[4])
	if err != nil {
		return Key{}, false
	}
	return Key{
		Kind:      Kind(parts[0]),
		Cell:      parts[1],
		Pollutant: parts[2],
		Bucket:    time.Unix(bucket, 0).UTC(),
		Horizon:   horizon,
	}, true
}

// Policy assigns TTLs per payload kind.
type Policy struct {
	FusedTTL    time.Duration
	ForecastTTL time.Duration
}

// DefaultPolicy returns 20 minutes for fused estimates and one hour for forecasts.
func DefaultPolicy() Policy {
	return Policy{FusedTTL: 20 * time.Minute, ForecastTTL: time.Hour}
}

// Normalize clamps the TTLs into their allowed bands.
func (p Policy) Normalize() Policy {
	switch {
	case p.FusedTTL < MinFusedTTL:
		p.FusedTTL = MinFusedTTL
	case p.FusedTTL > MaxFusedTTL:
		p.FusedTTL = MaxFusedTTL
	}
	if p.ForecastTTL <= 0 || p.ForecastTTL > MaxForecastTTL {
		p.ForecastTTL = MaxForecastTTL
	}
	return p
}

// TTL returns the lifetime of a new entry of the given kind.
func (p Policy) TTL(kind Kind) time.Duration {
	if kind == KindForecast {
		return p.ForecastTTL
	}
	return p.FusedTTL
}

// Clock is injected so expiry is testable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
