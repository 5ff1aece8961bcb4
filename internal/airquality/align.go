package airquality

import (
	"math"
	"sort"
	"time"

	"github.com/i474232898/airquality-fusion/internal/geo"
)

// AlignConfig controls observation selection and weighting around a query point.
type AlignConfig struct {
	RadiusKm       float64
	Window         time.Duration
	SpatialScaleKm float64
	TemporalScale  time.Duration
	// QuerySupportKm is the half-size of the box a query point stands for
	// when it is compared with gridded footprints.
	QuerySupportKm float64
	KindFactor     map[SourceKind]float64
}

// DefaultAlignConfig matches the defaults of the service configuration.
func DefaultAlignConfig() AlignConfig {
	return AlignConfig{
		RadiusKm:       5,
		Window:         30 * time.Minute,
		SpatialScaleKm: 2,
		TemporalScale:  30 * time.Minute,
		QuerySupportKm: 1,
		KindFactor: map[SourceKind]float64{
			SourceGround:    1.0,
			SourceSatellite: 0.8,
			SourceWeather:   1.0,
		},
	}
}

// Weighted is an observation together with its alignment weight for one query point.
type Weighted struct {
	Observation Observation
	Weight      float64
}

// Aligner selects and weights observations for a query point.
type Aligner struct {
	cfg AlignConfig
}

// NewAligner creates an Aligner. Zero scales fall back to the radius and window.
func NewAligner(cfg AlignConfig) *Aligner {
	if cfg.SpatialScaleKm <= 0 {
		cfg.SpatialScaleKm = cfg.RadiusKm
	}
	if cfg.TemporalScale <= 0 {
		cfg.TemporalScale = cfg.Window
	}
	return &Aligner{cfg: cfg}
}

// Config returns the aligner's configuration.
func (a *Aligner) Config() AlignConfig {
	return a.cfg
}

// Align returns the observations inside the radius and window, strongest
// weight first. Observations superseded by another observation in obs are
// skipped. An empty result is not an error.
func (a *Aligner) Align(q QueryPoint, obs []Observation) []Weighted {
	superseded := make(map[string]struct{})
	for _, o := range obs {
		if o.IsCorrection() {
			superseded[o.Supersedes] = struct{}{}
		}
	}

	support := geo.BoundAround(q.Lat, q.Lon, a.cfg.QuerySupportKm)

	out := make([]Weighted, 0, len(obs))
	for _, o := range obs {
		if _, gone := superseded[o.ID]; gone && o.ID != "" {
			continue
		}

		dt := o.Timestamp.Sub(q.Time)
		if dt < 0 {
			dt = -dt
		}
		if dt > a.cfg.Window {
			continue
		}

		var spatial float64
		if o.Footprint != nil {
			if geo.DistanceToBoundKm(q.Lat, q.Lon, *o.Footprint) > a.cfg.RadiusKm {
				continue
			}
			// A cell influences the point by how much of the point's support it covers.
			spatial = geo.OverlapFraction(*o.Footprint, support)
		} else {
			d := geo.DistanceKm(q.Lat, q.Lon, o.Lat, o.Lon)
			if d > a.cfg.RadiusKm {
				continue
			}
			spatial = inverseSquare(d / a.cfg.SpatialScaleKm)
		}
		if spatial <= 0 {
			continue
		}

		temporal := inverseSquare(float64(dt) / float64(a.cfg.TemporalScale))

		factor, ok := a.cfg.KindFactor[o.Kind]
		if !ok {
			factor = 1
		}

		w := spatial * temporal * factor
		if w <= 0 || math.IsNaN(w) {
			continue
		}
		out = append(out, Weighted{Observation: o, Weight: w})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return strongerThan(out[i], out[j])
	})
	return out
}

// strongerThan orders by weight, then lower uncertainty, then recency.
func strongerThan(a, b Weighted) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if a.Observation.Uncertainty != b.Observation.Uncertainty {
		return a.Observation.Uncertainty < b.Observation.Uncertainty
	}
	if !a.Observation.Timestamp.Equal(b.Observation.Timestamp) {
		return a.Observation.Timestamp.After(b.Observation.Timestamp)
	}
	return a.Observation.ID < b.Observation.ID
}

func inverseSquare(x float64) float64 {
	return 1 / ((1 + x) * (1 + x))
}
