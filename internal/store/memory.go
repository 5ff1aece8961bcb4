package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/airquality-fusion/internal/airquality"
	"github.com/i474232898/airquality-fusion/internal/geo"
)

// ErrNotFound is returned when an observation ID is unknown.
var ErrNotFound = airquality.ErrObservationNotFound

// BucketPrecision is the geohash precision of a location bucket (~5 km cells).
const BucketPrecision = 5

// bucketKey is the (location bucket, time bucket, variable) index used by every store.
type bucketKey struct {
	Cell     string
	Hour     int64
	Variable airquality.Variable
}

func keyFor(lat, lon float64, ts time.Time, v airquality.Variable) bucketKey {
	return bucketKey{
		Cell:     geo.Encode(lat, lon, BucketPrecision),
		Hour:     hourBucket(ts),
		Variable: v,
	}
}

func hourBucket(ts time.Time) int64 {
	return ts.UTC().Truncate(time.Hour).Unix()
}

// hours lists the hour buckets touching [from, to].
func hours(from, to time.Time) []int64 {
	var out []int64
	for h := from.UTC().Truncate(time.Hour); !h.After(to); h = h.Add(time.Hour) {
		out = append(out, h.Unix())
	}
	return out
}

// MemoryStore is a concurrency-safe in-memory, append-only observation store.
type MemoryStore struct {
	mu sync.RWMutex

	observations map[bucketKey][]airquality.Observation
	byID         map[string]airquality.Observation
	estimates    map[bucketKey][]airquality.FusedEstimate

	// retention by observation age; zero keeps everything
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a new MemoryStore. If maxAge is <= 0, nothing expires.
func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		observations: make(map[bucketKey][]airquality.Observation),
		byID:         make(map[string]airquality.Observation),
		estimates:    make(map[bucketKey][]airquality.FusedEstimate),
		maxAge:       maxAge,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Append adds observations. Existing records are never replaced; an ID that
// is already present is ignored.
func (s *MemoryStore) Append(_ context.Context, obs ...airquality.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range obs {
		if o.ID != "" {
			if _, dup := s.byID[o.ID]; dup {
				continue
			}
			s.byID[o.ID] = o
		}
		k := keyFor(o.Lat, o.Lon, o.Timestamp, o.Variable)
		s.observations[k] = append(s.observations[k], o)
	}

	s.pruneLocked()
	return nil
}

// Observations returns the observations of q.Variable inside q.Bound and
// [q.From, q.To], oldest first. An empty result is not an error.
func (s *MemoryStore) Observations(_ context.Context, q airquality.ObservationQuery) ([]airquality.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []airquality.Observation
	for _, cell := range geo.Cover(q.Bound, BucketPrecision) {
		for _, h := range hours(q.From, q.To) {
			for _, o := range s.observations[bucketKey{Cell: cell, Hour: h, Variable: q.Variable}] {
				if o.Timestamp.Before(q.From) || o.Timestamp.After(q.To) {
					continue
				}
				if !q.Bound.Contains(geo.Point(o.Lat, o.Lon)) {
					continue
				}
				result = append(result, o)
			}
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Observation returns the observation with the given ID.
func (s *MemoryStore) Observation(_ context.Context, id string) (airquality.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.byID[id]
	if !ok {
		return airquality.Observation{}, ErrNotFound
	}
	return o, nil
}

// SaveEstimate appends a fused estimate under its query point's bucket.
func (s *MemoryStore) SaveEstimate(_ context.Context, est airquality.FusedEstimate) error {
	k := keyFor(est.Point.Lat, est.Point.Lon, est.Point.Time, est.Pollutant)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimates[k] = append(s.estimates[k], est)
	return nil
}

// Estimates returns the fused estimates saved inside q.Bound and
// [q.From, q.To], oldest first.
func (s *MemoryStore) Estimates(_ context.Context, q airquality.ObservationQuery) ([]airquality.FusedEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []airquality.FusedEstimate
	for _, cell := range geo.Cover(q.Bound, BucketPrecision) {
		for _, h := range hours(q.From, q.To) {
			for _, est := range s.estimates[bucketKey{Cell: cell, Hour: h, Variable: q.Variable}] {
				t := est.Point.Time
				if t.Before(q.From) || t.After(q.To) || !q.Bound.Contains(geo.Point(est.Point.Lat, est.Point.Lon)) {
					continue
				}
				out = append(out, est)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Point.Time.Before(out[j].Point.Time)
	})
	return out, nil
}

// pruneLocked drops whole hour buckets older than maxAge.
func (s *MemoryStore) pruneLocked() {
	if s.maxAge <= 0 {
		return
	}
	cutoff := hourBucket(s.now().Add(-s.maxAge))
	for k, obs := range s.observations {
		if k.Hour >= cutoff {
			continue
		}
		for _, o := range obs {
			delete(s.byID, o.ID)
		}
		delete(s.observations, k)
	}
	for k := range s.estimates {
		if k.Hour < cutoff {
			delete(s.estimates, k)
		}
	}
}
