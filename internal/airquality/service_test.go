package airquality_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airquality-fusion/internal/airquality"
	"github.com/i474232898/airquality-fusion/internal/cache"
	"github.com/i474232898/airquality-fusion/internal/store"
)

var noon = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type countingNotifier struct {
	calls int32
}

func (n *countingNotifier) Observe(context.Context, airquality.FusedEstimate) {
	atomic.AddInt32(&n.calls, 1)
}

type fakeSource struct {
	name     string
	raw      airquality.RawFeed
	fetchErr error
	batch    airquality.Batch
}

func (f *fakeSource) Name() string {
	return f.name
}

func (f *fakeSource) Kind() airquality.SourceKind {
	return airquality.SourceGround
}

func (f *fakeSource) Fetch(context.Context) (airquality.RawFeed, error) {
	return f.raw, f.fetchErr
}

func (f *fakeSource) Normalize(airquality.RawFeed) (airquality.Batch, error) {
	return f.batch, nil
}

type harness struct {
	svc      *airquality.Service
	store    *store.MemoryStore
	cache    *cache.Manager
	notifier *countingNotifier
	mu       sync.Mutex
	now      time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, sources ...airquality.Source) *harness {
	t.Helper()
	h := &harness{store: store.NewMemoryStore(0), notifier: &countingNotifier{}, now: noon}
	h.cache = cache.New(cache.DefaultPolicy(), cache.WithClock(cache.ClockFunc(h.clock)))

	cfg := airquality.DefaultServiceConfig()
	cfg.Pollutants = []airquality.Variable{airquality.NO2, airquality.O3}
	h.svc = airquality.NewService(h.store, sources, cfg,
		airquality.WithCache(h.cache),
		airquality.WithNotifier(h.notifier),
		airquality.WithClock(h.clock),
	)
	return h
}

func ground(id string, v airquality.Variable, ts time.Time, value, sigma float64) airquality.Observation {
	return airquality.Observation{
		ID: id, Kind: airquality.SourceGround, Source: "airnow", Variable: v,
		Lat: 40.71, Lon: -74.00, Timestamp: ts, Value: value,
		Unit: airquality.CanonicalUnit(v), Uncertainty: sigma,
	}
}

func TestCurrentEstimateFusesGroundAndSatellite(t *testing.T) {
	h := newHarness(t)
	cell := orb.Bound{Min: orb.Point{-74.05, 40.66}, Max: orb.Point{-73.95, 40.76}}
	sat := airquality.Observation{
		ID: "sat", Kind: airquality.SourceSatellite, Source: "tempo", Variable: airquality.NO2,
		Lat: 40.71, Lon: -74.00, Timestamp: noon.Add(-15 * time.Minute), Value: 50,
		Unit: airquality.UnitPPB, Uncertainty: 8, Footprint: &cell,
	}
	_, err := h.svc.Submit(context.Background(), "test", []airquality.Observation{
		ground("g1", airquality.NO2, noon, 40, 2), sat,
	})
	require.NoError(t, err)

	est, err := h.svc.CurrentEstimate(context.Background(), airquality.NO2, airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon})
	require.NoError(t, err)
	assert.Greater(t, est.Value, 40.0)
	assert.Less(t, est.Value, 45.0)
	assert.Len(t, est.Contributors, 2)
}

func TestCurrentAirQualityIsIdempotentWithinTTL(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Submit(context.Background(), "test", []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)})
	require.NoError(t, err)

	first, err := h.svc.CurrentAirQuality(context.Background(), 40.71, -74.00)
	require.NoError(t, err)

	h.advance(5 * time.Minute)
	second, err := h.svc.CurrentAirQuality(context.Background(), 40.71, -74.00)
	require.NoError(t, err)

	assert.Equal(t, first.Estimates, second.Estimates)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.notifier.calls))

	assert.Contains(t, first.Estimates, airquality.NO2)
	assert.Equal(t, "no data available", first.Unavailable[airquality.O3])
	assert.Equal(t, airquality.NO2, first.Dominant)
}

func TestCurrentAirQualityIsStableAcrossBucketBoundary(t *testing.T) {
	h := newHarness(t)
	h.advance(14 * time.Minute)
	_, err := h.svc.Submit(context.Background(), "test", []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)})
	require.NoError(t, err)

	first, err := h.svc.CurrentAirQuality(context.Background(), 40.71, -74.00)
	require.NoError(t, err)

	h.advance(2 * time.Minute)
	second, err := h.svc.CurrentAirQuality(context.Background(), 40.71, -74.00)
	require.NoError(t, err)

	require.Equal(t, first, second)
	assert.Equal(t, noon, second.Point.Time)
	assert.EqualValues(t, 1, atomic.LoadInt32(&h.notifier.calls))
	assert.Equal(t, airquality.HealthAdvice(first.AQI), first.Recommendations)

	// Once the earlier entry expires the current bucket is computed.
	h.advance(20 * time.Minute)
	_, err = h.svc.Submit(context.Background(), "test", []airquality.Observation{ground("g2", airquality.NO2, noon.Add(30*time.Minute), 40, 2)})
	require.NoError(t, err)
	third, err := h.svc.CurrentAirQuality(context.Background(), 40.71, -74.00)
	require.NoError(t, err)
	assert.Equal(t, noon.Add(30*time.Minute), third.Point.Time)
}

func TestIngestionHistoryIsNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, src := range []string{"a", "b", "c"} {
		_, err := h.svc.Submit(ctx, src, []airquality.Observation{ground(src+"1", airquality.NO2, noon, 40, 2)})
		require.NoError(t, err)
		h.advance(time.Minute)
	}

	recent := h.svc.RecentIngestions(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Source)
	assert.Equal(t, "b", recent[1].Source)
	assert.Len(t, h.svc.RecentIngestions(0), 3)
	assert.Len(t, h.svc.FeedStatus(), 3)
}

func TestEstimateHistoryReturnsSavedEstimates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon}
	_, err := h.svc.Submit(ctx, "test", []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)})
	require.NoError(t, err)

	est, err := h.svc.CurrentEstimate(ctx, airquality.NO2, q)
	require.NoError(t, err)

	h.advance(time.Hour)
	history, err := h.svc.EstimateHistory(ctx, airquality.NO2, 40.71, -74.00, 6)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, est.Value, history[0].Value)

	history, err = h.svc.EstimateHistory(ctx, airquality.O3, 40.71, -74.00, 6)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWeatherCorrectionInvalidatesForecasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var obs []airquality.Observation
	for i := 0; i < 24; i++ {
		ts := noon.Add(-time.Duration(i) * time.Hour)
		obs = append(obs, ground("h"+ts.Format("15"), airquality.O3, ts, 40+float64(i%5), 2))
	}
	wind := airquality.Observation{
		ID: "wind", Kind: airquality.SourceWeather, Source: "openmeteo", Variable: airquality.WindSpeed,
		Lat: 40.71, Lon: -74.00, Timestamp: noon, Value: 3, Unit: airquality.UnitMS, Uncertainty: 0.5,
	}
	obs = append(obs, wind, ground("g-now", airquality.NO2, noon, 40, 2))
	_, err := h.svc.Submit(ctx, "test", obs)
	require.NoError(t, err)

	_, err = h.svc.Forecast(ctx, 40.71, -74.00, airquality.O3, 6)
	require.NoError(t, err)
	_, err = h.svc.CurrentEstimate(ctx, airquality.NO2, airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon})
	require.NoError(t, err)
	require.Equal(t, 2, h.cache.Len())

	// New weather alone leaves the cache alone.
	fresh := wind
	fresh.ID = "wind-2"
	report, err := h.svc.Submit(ctx, "openmeteo", []airquality.Observation{fresh})
	require.NoError(t, err)
	assert.Zero(t, report.Invalidated)

	fix := wind
	fix.ID = "wind-fix"
	fix.Value = 12
	fix.Supersedes = "wind"
	report, err = h.svc.Submit(ctx, "openmeteo", []airquality.Observation{fix})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalidated)
	assert.Equal(t, 1, h.cache.Len(), "fused estimates do not depend on weather")
}

func TestNoDataSurfacesAsNoDataAvailable(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CurrentAirQuality(context.Background(), 40.71, -74.00)
	assert.ErrorIs(t, err, airquality.ErrNoDataAvailable)

	_, err = h.svc.CurrentEstimate(context.Background(), airquality.NO2, airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon})
	assert.ErrorIs(t, err, airquality.ErrInsufficientData)
	assert.Zero(t, h.cache.Len(), "failures are not cached")
}

func TestCorrectionInvalidatesCachedEstimate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon}

	_, err := h.svc.Submit(ctx, "test", []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)})
	require.NoError(t, err)

	before, err := h.svc.CurrentEstimate(ctx, airquality.NO2, q)
	require.NoError(t, err)
	assert.InDelta(t, 40, before.Value, 1e-6)

	fix := ground("g1-fix", airquality.NO2, noon, 60, 2)
	fix.Supersedes = "g1"
	report, err := h.svc.Submit(ctx, "manual", []airquality.Observation{fix})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Invalidated, 1)

	h.advance(time.Minute)
	after, err := h.svc.CurrentEstimate(ctx, airquality.NO2, q)
	require.NoError(t, err)
	assert.InDelta(t, 60, after.Value, 1e-6)
	assert.Equal(t, []string{"g1-fix"}, after.Contributors)
}

func TestCorrectionOfUnknownObservationIsDropped(t *testing.T) {
	h := newHarness(t)
	fix := ground("x-fix", airquality.NO2, noon, 60, 2)
	fix.Supersedes = "never-seen"

	report, err := h.svc.Submit(context.Background(), "manual", []airquality.Observation{fix})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 1, report.DropReasons["unknown_supersedes"])
}

func TestNewDataBeyondToleranceRefreshesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon}

	_, err := h.svc.Submit(ctx, "test", []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)})
	require.NoError(t, err)
	_, err = h.svc.CurrentEstimate(ctx, airquality.NO2, q)
	require.NoError(t, err)

	// Same value again: within tolerance, cache kept.
	report, err := h.svc.Submit(ctx, "test", []airquality.Observation{ground("g2", airquality.NO2, noon, 40, 2)})
	require.NoError(t, err)
	assert.Zero(t, report.Invalidated)

	report, err = h.svc.Submit(ctx, "test", []airquality.Observation{ground("g3", airquality.NO2, noon, 100, 2)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalidated)

	est, err := h.svc.CurrentEstimate(ctx, airquality.NO2, q)
	require.NoError(t, err)
	assert.Greater(t, est.Value, 45.0)
}

func TestIngestPartialFeedMarksEstimatesDegraded(t *testing.T) {
	src := &fakeSource{
		name: "ground-net",
		raw: airquality.RawFeed{
			Source:      "ground-net",
			Chunks:      [][]byte{[]byte("{}")},
			Unavailable: []string{"station-7: timeout"},
		},
		batch: airquality.Batch{
			Observations: []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)},
			Dropped:      []airquality.Drop{{Index: 1, Reason: "out_of_range"}},
		},
	}
	h := newHarness(t, src)

	report, err := h.svc.Ingest(context.Background(), src)
	assert.ErrorIs(t, err, airquality.ErrFeedUnavailable)
	assert.Equal(t, airquality.StatusPartial, report.Status)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, 1, report.DropReasons["out_of_range"])

	est, err := h.svc.CurrentEstimate(context.Background(), airquality.NO2, airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon})
	require.NoError(t, err)
	assert.Equal(t, []string{"ground-net: station-7: timeout"}, est.Degraded)

	status := h.svc.FeedStatus()
	require.Len(t, status, 1)
	assert.Equal(t, airquality.StatusPartial, status[0].Status)
}

func TestIngestAllContinuesPastFailedSource(t *testing.T) {
	ok := &fakeSource{
		name:  "ok",
		raw:   airquality.RawFeed{Chunks: [][]byte{[]byte("{}")}},
		batch: airquality.Batch{Observations: []airquality.Observation{ground("g1", airquality.NO2, noon, 40, 2)}},
	}
	down := &fakeSource{name: "down", fetchErr: errors.New("connection refused")}
	h := newHarness(t, ok, down)

	reports, err := h.svc.IngestAll(context.Background())
	require.Error(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "down", reports[0].Source)
	assert.Equal(t, airquality.StatusFailed, reports[0].Status)
	assert.Equal(t, airquality.StatusCompleted, reports[1].Status)

	est, err := h.svc.CurrentEstimate(context.Background(), airquality.NO2, airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: noon})
	require.NoError(t, err)
	assert.Equal(t, []string{"down: connection refused"}, est.Degraded)
}

func TestServiceForecast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var obs []airquality.Observation
	for i := 0; i < 24; i++ {
		ts := noon.Add(-time.Duration(i) * time.Hour)
		obs = append(obs, ground("h"+ts.Format("15"), airquality.O3, ts, 40+float64(i%5), 2))
	}
	obs = append(obs, airquality.Observation{
		ID: "wind", Kind: airquality.SourceWeather, Source: "openmeteo", Variable: airquality.WindSpeed,
		Lat: 40.71, Lon: -74.00, Timestamp: noon, Value: 3, Unit: airquality.UnitMS, Uncertainty: 0.5,
	})
	_, err := h.svc.Submit(ctx, "test", obs)
	require.NoError(t, err)

	series, err := h.svc.Forecast(ctx, 40.71, -74.00, airquality.O3, 24)
	require.NoError(t, err)
	require.Len(t, series.Steps, 24)
	assert.Positive(t, series.PeakAQI)
	assert.Equal(t, airquality.HealthAdvice(series.PeakAQI), series.Recommendations)
	for i := 1; i < len(series.Steps); i++ {
		assert.GreaterOrEqual(t, series.Steps[i].Interval.Width(), series.Steps[i-1].Interval.Width())
	}

	again, err := h.svc.Forecast(ctx, 40.71, -74.00, airquality.O3, 24)
	require.NoError(t, err)
	assert.Equal(t, series, again)

	_, err = h.svc.Forecast(ctx, 40.71, -74.00, airquality.O3, 73)
	assert.ErrorIs(t, err, airquality.ErrInvalidHorizon)
}

func TestServiceForecastNeedsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Submit(ctx, "test", []airquality.Observation{
		ground("a", airquality.NO2, noon, 40, 2),
		ground("b", airquality.NO2, noon.Add(-time.Hour), 41, 2),
	})
	require.NoError(t, err)

	_, err = h.svc.Forecast(ctx, 40.71, -74.00, airquality.NO2, 12)
	assert.ErrorIs(t, err, airquality.ErrInsufficientHistory)
}

func TestCoverageBound(t *testing.T) {
	cfg := airquality.DefaultServiceConfig()
	na := orb.Bound{Min: orb.Point{-170, 15}, Max: orb.Point{-50, 75}}
	cfg.Coverage = &na
	svc := airquality.NewService(store.NewMemoryStore(0), nil, cfg)

	_, err := svc.CurrentAirQuality(context.Background(), 48.85, 2.35)
	assert.ErrorIs(t, err, airquality.ErrOutsideCoverage)

	_, err = svc.CurrentAirQuality(context.Background(), 95, 0)
	assert.ErrorIs(t, err, airquality.ErrOutsideCoverage)
}

func TestDecodeCachedRoundTrip(t *testing.T) {
	v, err := airquality.DecodeCached(cache.KindFused, []byte(`{"pollutant":"NO2","value":41.5}`))
	require.NoError(t, err)
	est := v.(airquality.FusedEstimate)
	assert.Equal(t, airquality.NO2, est.Pollutant)
	assert.Equal(t, 41.5, est.Value)

	_, err = airquality.DecodeCached(cache.Kind("other"), []byte(`{}`))
	assert.Error(t, err)
}
