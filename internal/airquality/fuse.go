package airquality

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// FuseConfig tunes the fusion estimator.
type FuseConfig struct {
	// OutlierZ is the z-score beyond which an input is down-weighted.
	OutlierZ float64
	// Z is the normal quantile of the reported interval (1.96 for 95%).
	Z     float64
	Level float64
	// MinUncertainty floors declared uncertainties so a zero never yields an infinite weight.
	MinUncertainty float64
}

// DefaultFuseConfig returns a 95% interval with a 2.5 sigma outlier cut.
func DefaultFuseConfig() FuseConfig {
	return FuseConfig{OutlierZ: 2.5, Z: 1.96, Level: 0.95, MinUncertainty: 1e-3}
}

// Estimator reconciles aligned observations of one pollutant into a FusedEstimate.
type Estimator struct {
	cfg FuseConfig
}

// NewEstimator creates an Estimator, filling unset fields from the defaults.
func NewEstimator(cfg FuseConfig) *Estimator {
	def := DefaultFuseConfig()
	if cfg.OutlierZ <= 0 {
		cfg.OutlierZ = def.OutlierZ
	}
	if cfg.Z <= 0 {
		cfg.Z, cfg.Level = def.Z, def.Level
	}
	if cfg.MinUncertainty <= 0 {
		cfg.MinUncertainty = def.MinUncertainty
	}
	return &Estimator{cfg: cfg}
}

type moments struct {
	mean   float64
	stdDev float64
}

// Fuse combines the inputs with weights alignment/sigma^2. The reported
// standard deviation adds the propagated input variance to the weighted
// spread, so it never drops below the smallest input uncertainty. Inputs
// further than OutlierZ from the mean are down-weighted once and the
// estimate recomputed.
func (e *Estimator) Fuse(pollutant Variable, q QueryPoint, in []Weighted, now time.Time) (FusedEstimate, error) {
	w := make([]float64, 0, len(in))
	sigma := make([]float64, 0, len(in))
	x := make([]float64, 0, len(in))
	for _, item := range in {
		if item.Weight <= 0 {
			continue
		}
		s := math.Max(item.Observation.Uncertainty, e.cfg.MinUncertainty)
		w = append(w, item.Weight/(s*s))
		sigma = append(sigma, s)
		x = append(x, item.Observation.Value)
	}
	if len(x) == 0 {
		return FusedEstimate{}, &InsufficientDataError{Pollutant: pollutant, Point: q}
	}

	m := weightedMoments(w, x, sigma)

	downweighted := 0
	if m.stdDev > 0 {
		for i := range x {
			z := math.Abs(x[i]-m.mean) / m.stdDev
			if z > e.cfg.OutlierZ {
				r := e.cfg.OutlierZ / z
				w[i] *= r * r
				downweighted++
			}
		}
		if downweighted > 0 {
			m = weightedMoments(w, x, sigma)
		}
	}

	contributors := make([]string, 0, len(in))
	unit := CanonicalUnit(pollutant)
	for i, item := range in {
		if item.Weight <= 0 {
			continue
		}
		contributors = append(contributors, item.Observation.ID)
		if i == 0 && item.Observation.Unit != "" {
			unit = item.Observation.Unit
		}
	}

	half := e.cfg.Z * m.stdDev
	est := FusedEstimate{
		Pollutant: pollutant,
		Point:     q,
		Value:     m.mean,
		Unit:      unit,
		StdDev:    m.stdDev,
		Interval: Interval{
			Lower: m.mean - half,
			Upper: m.mean + half,
			Level: e.cfg.Level,
		},
		Contributors: contributors,
		Downweighted: downweighted,
		ComputedAt:   now.UTC(),
	}
	est.AQI, est.Category = annotateAQI(pollutant, est.Value)
	return est, nil
}

// weightedMoments returns the normalized-weight mean of x and the square
// root of the weighted input variance plus the weighted spread around it.
func weightedMoments(w, x, sigma []float64) moments {
	mean, spread := stat.PopMeanVariance(x, w)

	variances := make([]float64, len(sigma))
	for i, s := range sigma {
		variances[i] = s * s
	}
	propagated := stat.Mean(variances, w)
	return moments{mean: mean, stdDev: math.Sqrt(propagated + spread)}
}
