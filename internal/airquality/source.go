package airquality

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// RawFeed is one fetch from an external feed, still in the feed's own
// schema. Chunks holds one body per endpoint that answered; endpoints that
// did not are listed in Unavailable.
type RawFeed struct {
	Source      string
	Kind        SourceKind
	FetchedAt   time.Time
	Chunks      [][]byte
	Unavailable []string
}

// Partial reports whether some endpoints of the feed failed.
func (r RawFeed) Partial() bool {
	return len(r.Unavailable) > 0
}

// Drop records a rejected record and why.
type Drop struct {
	Chunk  int    `json:"chunk"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Batch is the result of normalizing a RawFeed.
type Batch struct {
	Observations []Observation
	Dropped      []Drop
}

// Source is a feed plus the adapter that maps its schema onto Observation.
type Source interface {
	Name() string
	Kind() SourceKind
	Fetch(ctx context.Context) (RawFeed, error)
	Normalize(raw RawFeed) (Batch, error)
}

// ObservationQuery selects observations of one variable inside a box and a
// time range (inclusive).
type ObservationQuery struct {
	Variable Variable
	Bound    orb.Bound
	From     time.Time
	To       time.Time
}

// Store is the contract the in-memory store and the Postgres store satisfy.
// Inserts are append-only.
type Store interface {
	Append(ctx context.Context, obs ...Observation) error
	Observations(ctx context.Context, q ObservationQuery) ([]Observation, error)
	// Observation looks up one observation by ID and fails with
	// ErrObservationNotFound when it is unknown.
	Observation(ctx context.Context, id string) (Observation, error)
	SaveEstimate(ctx context.Context, est FusedEstimate) error
	// Estimates returns saved fused estimates of q.Variable whose query
	// point lies in q.Bound and [q.From, q.To], oldest first.
	Estimates(ctx context.Context, q ObservationQuery) ([]FusedEstimate, error)
}

// Range is an inclusive plausible interval.
type Range struct {
	Min float64
	Max float64
}

// Bounds are the physically plausible ranges per variable, in canonical units.
type Bounds map[Variable]Range

// DefaultBounds returns the plausibility ranges used when none are configured.
func DefaultBounds() Bounds {
	return Bounds{
		NO2:           {0, 2000},
		O3:            {0, 1000},
		PM25:          {0, 1000},
		PM10:          {0, 2000},
		SO2:           {0, 2000},
		CO:            {0, 100},
		HCHO:          {0, 500},
		Temperature:   {-90, 60},
		Humidity:      {0, 100},
		WindSpeed:     {0, 120},
		Pressure:      {850, 1090},
		Precipitation: {0, 500},
	}
}

// Check returns an *OutOfRangeError when value falls outside the variable's range.
// Variables without a configured range are accepted.
func (b Bounds) Check(v Variable, value float64) error {
	r, ok := b[v]
	if !ok {
		return nil
	}
	if value < r.Min || value > r.Max || value != value {
		return &OutOfRangeError{Variable: v, Value: value, Min: r.Min, Max: r.Max}
	}
	return nil
}
