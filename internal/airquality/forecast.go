package airquality

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// MaxHorizonHours is the longest forecast the engine produces.
const MaxHorizonHours = 72

// Prediction is a model output for one horizon hour.
type Prediction struct {
	Value  float64
	StdDev float64
}

// Model is a predictive model behind the Forecast Engine. Predict must
// return exactly horizon predictions, ordered by horizon.
type Model interface {
	Name() string
	MinHistory() int
	Predict(pollutant Variable, history []FusedEstimate, covariates []WeatherCovariates, horizon int) ([]Prediction, error)
}

// ForecastEngine wraps a Model and enforces the series contract: full
// horizon or error, non-negative values, interval width non-decreasing
// with horizon.
type ForecastEngine struct {
	model Model
	z     float64
	level float64
}

// NewForecastEngine creates an engine reporting 95% intervals.
func NewForecastEngine(model Model) *ForecastEngine {
	return &ForecastEngine{model: model, z: 1.96, level: 0.95}
}

// Model returns the wrapped model.
func (e *ForecastEngine) Model() Model {
	return e.model
}

// Forecast predicts horizons 1..horizon for the query point from a history
// of hourly fused estimates and weather covariates.
func (e *ForecastEngine) Forecast(q QueryPoint, pollutant Variable, horizon int, history []FusedEstimate, covariates []WeatherCovariates) (ForecastSeries, error) {
	if horizon < 1 || horizon > MaxHorizonHours {
		return ForecastSeries{}, fmt.Errorf("%w: got %d", ErrInvalidHorizon, horizon)
	}
	if need := e.model.MinHistory(); len(history) < need {
		return ForecastSeries{}, &InsufficientHistoryError{Pollutant: pollutant, Have: len(history), Need: need}
	}

	hist := make([]FusedEstimate, len(history))
	copy(hist, history)
	sort.SliceStable(hist, func(i, j int) bool {
		return hist[i].Point.Time.Before(hist[j].Point.Time)
	})

	covs := make([]WeatherCovariates, len(covariates))
	copy(covs, covariates)
	sort.SliceStable(covs, func(i, j int) bool {
		return covs[i].Time.Before(covs[j].Time)
	})

	preds, err := e.model.Predict(pollutant, hist, covs, horizon)
	if err != nil {
		return ForecastSeries{}, fmt.Errorf("model %s: %w", e.model.Name(), err)
	}
	if len(preds) != horizon {
		return ForecastSeries{}, fmt.Errorf("model %s returned %d predictions for horizon %d", e.model.Name(), len(preds), horizon)
	}

	base := q.Time.UTC().Truncate(time.Hour)
	steps := make([]ForecastStep, 0, horizon)
	prevHalf := 0.0
	for i, p := range preds {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || math.IsNaN(p.StdDev) || math.IsInf(p.StdDev, 0) {
			return ForecastSeries{}, fmt.Errorf("model %s produced a non-finite value at horizon %d", e.model.Name(), i+1)
		}

		value := math.Max(0, p.Value)
		half := math.Max(e.z*math.Abs(p.StdDev), prevHalf)
		prevHalf = half

		step := ForecastStep{
			HorizonHours: i + 1,
			ValidAt:      base.Add(time.Duration(i+1) * time.Hour),
			Value:        value,
			Interval:     Interval{Lower: value - half, Upper: value + half, Level: e.level},
		}
		step.AQI, step.Category = annotateAQI(pollutant, value)
		steps = append(steps, step)
	}

	unit := CanonicalUnit(pollutant)
	if n := len(hist); n > 0 && hist[n-1].Unit != "" {
		unit = hist[n-1].Unit
	}

	series := ForecastSeries{
		Point:     q,
		Pollutant: pollutant,
		Unit:      unit,
		Model:     e.model.Name(),
		IssuedAt:  time.Now().UTC(),
		Steps:     steps,
	}
	peak, rated := 0, false
	for _, st := range steps {
		if st.Category != "" {
			rated = true
			peak = max(peak, st.AQI)
		}
	}
	if rated {
		series.PeakAQI = peak
		series.Recommendations = HealthAdvice(peak)
	}
	return series, nil
}

// StatisticalConfig holds the smoothing and weather-response coefficients of StatisticalModel.
type StatisticalConfig struct {
	MinHistory int
	Alpha      float64 // level smoothing
	Beta       float64 // trend smoothing
	Phi        float64 // trend damping

	WindReference   float64 // m/s below which wind does not dilute
	WindDilution    float64 // per m/s above the reference
	Washout         float64 // per mm of precipitation, particulates only
	OzoneReferenceC float64
	OzoneTempGain   float64 // per degree above the reference, O3 only
}

// DefaultStatisticalConfig returns the coefficients used in production.
func DefaultStatisticalConfig() StatisticalConfig {
	return StatisticalConfig{
		MinHistory:      6,
		Alpha:           0.5,
		Beta:            0.3,
		Phi:             0.9,
		WindReference:   3,
		WindDilution:    0.08,
		Washout:         0.15,
		OzoneReferenceC: 25,
		OzoneTempGain:   0.03,
	}
}

// StatisticalModel is a damped-trend exponential smoother whose output is
// scaled by how forecast weather differs from the conditions at issue time.
type StatisticalModel struct {
	cfg StatisticalConfig
}

// NewStatisticalModel creates the model. A MinHistory below 2 is raised to 2.
func NewStatisticalModel(cfg StatisticalConfig) *StatisticalModel {
	if cfg.MinHistory < 2 {
		cfg.MinHistory = 2
	}
	return &StatisticalModel{cfg: cfg}
}

func (m *StatisticalModel) Name() string    { return "damped-trend-ewma" }
func (m *StatisticalModel) MinHistory() int { return m.cfg.MinHistory }

func (m *StatisticalModel) Predict(pollutant Variable, history []FusedEstimate, covariates []WeatherCovariates, horizon int) ([]Prediction, error) {
	if len(history) < 2 {
		return nil, &InsufficientHistoryError{Pollutant: pollutant, Have: len(history), Need: 2}
	}

	c := m.cfg
	level := history[0].Value
	trend := 0.0
	var sse float64
	for _, est := range history[1:] {
		expected := level + c.Phi*trend
		e := est.Value - expected
		sse += e * e

		prevLevel := level
		level = c.Alpha*est.Value + (1-c.Alpha)*expected
		trend = c.Beta*(level-prevLevel) + (1-c.Beta)*c.Phi*trend
	}
	residual := math.Sqrt(sse / float64(len(history)-1))

	last := history[len(history)-1]
	sigma0 := last.StdDev
	issued := last.Point.Time
	baseline := m.weatherFactor(pollutant, covariateAt(covariates, issued))

	preds := make([]Prediction, 0, horizon)
	damp := 0.0
	phiPow := 1.0
	for h := 1; h <= horizon; h++ {
		phiPow *= c.Phi
		damp += phiPow
		value := level + damp*trend

		at := issued.Add(time.Duration(h) * time.Hour)
		if f := m.weatherFactor(pollutant, covariateAt(covariates, at)); baseline > 0 {
			value *= f / baseline
		}

		preds = append(preds, Prediction{
			Value:  value,
			StdDev: math.Sqrt(sigma0*sigma0 + float64(h)*residual*residual),
		})
	}
	return preds, nil
}

// weatherFactor is a multiplicative concentration response to weather.
// Absent covariates contribute a factor of one.
func (m *StatisticalModel) weatherFactor(pollutant Variable, w WeatherCovariates) float64 {
	c := m.cfg
	f := 1.0
	if ws, ok := w.Get(WindSpeed); ok && ws > c.WindReference {
		f /= 1 + c.WindDilution*(ws-c.WindReference)
	}
	if pollutant == PM25 || pollutant == PM10 {
		if p, ok := w.Get(Precipitation); ok && p > 0 {
			f *= math.Exp(-c.Washout * p)
		}
	}
	if pollutant == O3 {
		if t, ok := w.Get(Temperature); ok && t > c.OzoneReferenceC {
			f *= 1 + c.OzoneTempGain*(t-c.OzoneReferenceC)
		}
	}
	return f
}

// covariateAt returns the latest covariates at or before t, falling back to
// the earliest available. covs must be sorted by time.
func covariateAt(covs []WeatherCovariates, t time.Time) WeatherCovariates {
	if len(covs) == 0 {
		return WeatherCovariates{}
	}
	i := sort.Search(len(covs), func(i int) bool { return covs[i].Time.After(t) })
	if i == 0 {
		return covs[0]
	}
	return covs[i-1]
}
