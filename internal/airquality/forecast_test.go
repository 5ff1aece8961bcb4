package airquality

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourlyHistory(p Variable, n int, value func(i int) float64) []FusedEstimate {
	out := make([]FusedEstimate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, FusedEstimate{
			Pollutant: p,
			Point:     QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon.Add(time.Duration(i-n+1) * time.Hour)},
			Value:     value(i),
			Unit:      CanonicalUnit(p),
			StdDev:    2,
		})
	}
	return out
}

// shrinkingModel reports intervals that narrow with horizon.
type shrinkingModel struct{}

func (shrinkingModel) Name() string    { return "shrinking" }
func (shrinkingModel) MinHistory() int { return 1 }
func (shrinkingModel) Predict(_ Variable, _ []FusedEstimate, _ []WeatherCovariates, horizon int) ([]Prediction, error) {
	out := make([]Prediction, horizon)
	for h := range out {
		out[h] = Prediction{Value: -5 + float64(h), StdDev: 10 / float64(h+1)}
	}
	return out, nil
}

type shortModel struct{}

func (shortModel) Name() string    { return "short" }
func (shortModel) MinHistory() int { return 1 }
func (shortModel) Predict(_ Variable, _ []FusedEstimate, _ []WeatherCovariates, horizon int) ([]Prediction, error) {
	return make([]Prediction, horizon-1), nil
}

func TestForecastIntervalsWidenWithHorizon(t *testing.T) {
	engine := NewForecastEngine(NewStatisticalModel(DefaultStatisticalConfig()))
	history := hourlyHistory(NO2, 24, func(i int) float64 { return 30 + 10*math.Sin(float64(i)/3) })
	q := QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon}

	series, err := engine.Forecast(q, NO2, 72, history, nil)
	require.NoError(t, err)
	require.Len(t, series.Steps, 72)

	for i, step := range series.Steps {
		assert.Equal(t, i+1, step.HorizonHours)
		assert.Equal(t, noon.Add(time.Duration(i+1)*time.Hour), step.ValidAt)
		assert.GreaterOrEqual(t, step.Value, 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, step.Interval.Width(), series.Steps[i-1].Interval.Width(), "horizon %d", i+1)
		}
	}
	assert.Equal(t, "damped-trend-ewma", series.Model)
	assert.Equal(t, UnitPPB, series.Unit)
}

func TestForecastClampsModelThatNarrows(t *testing.T) {
	engine := NewForecastEngine(shrinkingModel{})
	history := hourlyHistory(O3, 3, func(int) float64 { return 20 })

	series, err := engine.Forecast(QueryPoint{Time: noon}, O3, 12, history, nil)
	require.NoError(t, err)

	first := series.Steps[0].Interval.Width()
	for _, step := range series.Steps {
		assert.InDelta(t, first, step.Interval.Width(), 1e-9)
		assert.GreaterOrEqual(t, step.Value, 0.0)
	}
}

func TestForecastRejectsBadHorizon(t *testing.T) {
	engine := NewForecastEngine(NewStatisticalModel(DefaultStatisticalConfig()))
	history := hourlyHistory(NO2, 24, func(int) float64 { return 30 })

	for _, h := range []int{0, -1, 73} {
		_, err := engine.Forecast(QueryPoint{Time: noon}, NO2, h, history, nil)
		assert.ErrorIs(t, err, ErrInvalidHorizon, "horizon %d", h)
	}
}

func TestForecastInsufficientHistory(t *testing.T) {
	engine := NewForecastEngine(NewStatisticalModel(DefaultStatisticalConfig()))
	history := hourlyHistory(NO2, 5, func(int) float64 { return 30 })

	_, err := engine.Forecast(QueryPoint{Time: noon}, NO2, 24, history, nil)
	var ihe *InsufficientHistoryError
	require.True(t, errors.As(err, &ihe))
	assert.Equal(t, 5, ihe.Have)
	assert.Equal(t, 6, ihe.Need)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestForecastNeverReturnsPartialSeries(t *testing.T) {
	engine := NewForecastEngine(shortModel{})
	history := hourlyHistory(NO2, 3, func(int) float64 { return 30 })

	series, err := engine.Forecast(QueryPoint{Time: noon}, NO2, 10, history, nil)
	require.Error(t, err)
	assert.Empty(t, series.Steps)
}

func TestStatisticalModelFollowsTrend(t *testing.T) {
	model := NewStatisticalModel(DefaultStatisticalConfig())
	rising := hourlyHistory(PM25, 12, func(i int) float64 { return 10 + 2*float64(i) })

	preds, err := model.Predict(PM25, rising, nil, 3)
	require.NoError(t, err)
	require.Len(t, preds, 3)
	assert.Greater(t, preds[0].Value, 20.0)
	assert.Greater(t, preds[2].Value, preds[0].Value)
}

func TestWeatherCovariatesAdjustForecast(t *testing.T) {
	model := NewStatisticalModel(DefaultStatisticalConfig())
	flat := hourlyHistory(PM25, 12, func(int) float64 { return 30 })

	calm := []WeatherCovariates{{Time: noon, Values: map[Variable]float64{WindSpeed: 2, Precipitation: 0}}}
	base, err := model.Predict(PM25, flat, calm, 4)
	require.NoError(t, err)

	rainy := append(calm, WeatherCovariates{
		Time:   noon.Add(2 * time.Hour),
		Values: map[Variable]float64{WindSpeed: 8, Precipitation: 5},
	})
	washed, err := model.Predict(PM25, flat, rainy, 4)
	require.NoError(t, err)

	assert.InDelta(t, base[0].Value, washed[0].Value, 1e-9, "hour 1 still uses the calm conditions")
	assert.Less(t, washed[2].Value, base[2].Value)
	assert.Less(t, washed[3].Value, base[3].Value, "last known conditions carry forward")
}

func TestHotWeatherRaisesOzone(t *testing.T) {
	model := NewStatisticalModel(DefaultStatisticalConfig())
	flat := hourlyHistory(O3, 12, func(int) float64 { return 40 })

	covs := []WeatherCovariates{
		{Time: noon, Values: map[Variable]float64{Temperature: 22}},
		{Time: noon.Add(time.Hour), Values: map[Variable]float64{Temperature: 34}},
	}
	preds, err := model.Predict(O3, flat, covs, 2)
	require.NoError(t, err)
	assert.Greater(t, preds[0].Value, 40.0)
}
