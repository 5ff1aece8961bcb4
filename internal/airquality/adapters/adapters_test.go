package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

var fetchedAt = time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)

func testHTTPConfig() HTTPConfig {
	cfg := DefaultHTTPConfig(http.DefaultClient)
	cfg.Timeout = 2 * time.Second
	cfg.Backoff = BackoffConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return cfg
}

func dropReasons(b airquality.Batch) map[string]int {
	out := make(map[string]int)
	for _, d := range b.Dropped {
		out[d.Reason]++
	}
	return out
}

func byVariable(obs []airquality.Observation) map[airquality.Variable]airquality.Observation {
	out := make(map[airquality.Variable]airquality.Observation)
	for _, o := range obs {
		out[o.Variable] = o
	}
	return out
}

const airNowChunk = `[
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "2024-06-01T12:00", "Parameter": "NO2", "Unit": "PPB", "Value": 40.0, "FullAQSCode": "360610001"},
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "2024-06-01T12:00", "Parameter": "OZONE", "Unit": "PPM", "Value": 0.045, "FullAQSCode": "360610001"},
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "2024-06-01T12:00", "Parameter": "PM2.5", "Unit": "UG/M3", "Value": -999, "FullAQSCode": "360610001"},
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "2024-06-01T12:00", "Parameter": "BC", "Unit": "UG/M3", "Value": 1.0, "FullAQSCode": "360610001"},
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "2024-06-01T12:00", "Parameter": "PM10", "Unit": "UG/M3", "FullAQSCode": "360610001"},
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "yesterday", "Parameter": "SO2", "Unit": "PPB", "Value": 3.0, "FullAQSCode": "360610001"},
	{"Latitude": 40.7128, "Longitude": -74.006, "UTC": "2024-06-01T12:00", "Parameter": "CO", "Unit": "PPB", "RawConcentration": 400, "FullAQSCode": "360610001"}
]`

func TestGroundStationNormalize(t *testing.T) {
	src := NewGroundStationSource(GroundStationConfig{}, testHTTPConfig())
	batch, err := src.Normalize(airquality.RawFeed{
		Source: "airnow", FetchedAt: fetchedAt, Chunks: [][]byte{[]byte(airNowChunk)},
	})
	require.NoError(t, err)

	got := byVariable(batch.Observations)
	require.Len(t, got, 3)

	no2 := got[airquality.NO2]
	assert.Equal(t, 40.0, no2.Value)
	assert.Equal(t, airquality.UnitPPB, no2.Unit)
	assert.Equal(t, 2.0, no2.Uncertainty)
	assert.Equal(t, airquality.SourceGround, no2.Kind)
	assert.Equal(t, "airnow", no2.Source)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), no2.Timestamp)
	assert.Equal(t, fetchedAt, no2.IngestedAt)
	assert.Nil(t, no2.Footprint)

	assert.InDelta(t, 45.0, got[airquality.O3].Value, 1e-9)
	assert.InDelta(t, 0.4, got[airquality.CO].Value, 1e-9)
	assert.Equal(t, airquality.UnitPPM, got[airquality.CO].Unit)

	assert.Equal(t, map[string]int{
		"out_of_range":      1,
		"unknown_parameter": 1,
		"missing_value":     1,
		"bad_timestamp":     1,
	}, dropReasons(batch))
	for _, d := range batch.Dropped {
		assert.Error(t, d.Err)
	}
}

func TestGroundStationIDsAreStableAndRevisionsSupersede(t *testing.T) {
	src := NewGroundStationSource(GroundStationConfig{}, testHTTPConfig())
	record := `[{"Latitude": 40.7, "Longitude": -74.0, "UTC": "2024-06-01T12:00", "Parameter": "NO2", "Unit": "PPB", "Value": 40, "FullAQSCode": "A"}]`
	revised := `[{"Latitude": 40.7, "Longitude": -74.0, "UTC": "2024-06-01T12:00", "Parameter": "NO2", "Unit": "PPB", "Value": 44, "FullAQSCode": "A", "Revision": 1}]`

	first, err := src.Normalize(airquality.RawFeed{FetchedAt: fetchedAt, Chunks: [][]byte{[]byte(record)}})
	require.NoError(t, err)
	again, err := src.Normalize(airquality.RawFeed{FetchedAt: fetchedAt.Add(time.Hour), Chunks: [][]byte{[]byte(record)}})
	require.NoError(t, err)
	fix, err := src.Normalize(airquality.RawFeed{FetchedAt: fetchedAt, Chunks: [][]byte{[]byte(revised)}})
	require.NoError(t, err)

	assert.Equal(t, first.Observations[0].ID, again.Observations[0].ID)
	assert.NotEqual(t, first.Observations[0].ID, fix.Observations[0].ID)
	assert.Equal(t, first.Observations[0].ID, fix.Observations[0].Supersedes)
	assert.False(t, first.Observations[0].IsCorrection())
}

func TestNormalizeMalformedFeed(t *testing.T) {
	src := NewGroundStationSource(GroundStationConfig{}, testHTTPConfig())

	_, err := src.Normalize(airquality.RawFeed{Chunks: [][]byte{[]byte("<html>"), []byte("{")}})
	var mfe *airquality.MalformedFeedError
	require.True(t, errors.As(err, &mfe))
	assert.ErrorIs(t, err, airquality.ErrMalformedFeed)

	batch, err := src.Normalize(airquality.RawFeed{Chunks: [][]byte{[]byte("<html>"), []byte(airNowChunk)}})
	require.NoError(t, err)
	assert.Equal(t, 1, dropReasons(batch)["malformed"])
	assert.Len(t, batch.Observations, 3)
}

func TestGroundStationFetchReportsPartialAvailability(t *testing.T) {
	var keys []string
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.URL.Query().Get("API_KEY"))
		assert.Equal(t, "application/json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(airNowChunk))
	}))
	defer ok.Close()
	var brokenCalls int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&brokenCalls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	src := NewGroundStationSource(GroundStationConfig{
		Endpoints: []string{ok.URL + "/aq/data/?bbox=-75,40,-73,41", broken.URL + "/aq/data/"},
		APIKey:    "secret",
	}, testHTTPConfig())

	raw, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, raw.Chunks, 1)
	assert.True(t, raw.Partial())
	require.Len(t, raw.Unavailable, 1)
	assert.Contains(t, raw.Unavailable[0], broken.URL)
	assert.NotContains(t, raw.Unavailable[0], "secret")
	assert.Equal(t, []string{"secret"}, keys)
	assert.Equal(t, int32(3), atomic.LoadInt32(&brokenCalls), "server errors are retried")
	assert.Equal(t, airquality.SourceGround, raw.Kind)
	assert.False(t, raw.FetchedAt.IsZero())
}

func TestFetchFailsWhenEveryEndpointFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewSatelliteSource(SatelliteConfig{Endpoints: []string{srv.URL + "/no2"}}, testHTTPConfig())
	raw, err := src.Fetch(context.Background())

	var fue *airquality.FeedUnavailableError
	require.True(t, errors.As(err, &fue))
	assert.Equal(t, "tempo", fue.Source)
	assert.Empty(t, raw.Chunks)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "client errors are not retried")
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	src := NewSatelliteSource(SatelliteConfig{Endpoints: []string{srv.URL}, Token: "token-1"}, testHTTPConfig())
	raw, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, raw.Chunks, 1)
	assert.False(t, raw.Partial())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchFailsFastOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testHTTPConfig()
	cfg.Timeout = 50 * time.Millisecond
	src := NewSatelliteSource(SatelliteConfig{Endpoints: []string{srv.URL}}, cfg)

	start := time.Now()
	_, err := src.Fetch(context.Background())
	assert.ErrorIs(t, err, airquality.ErrFeedUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

const no2Product = `{
	"product": "TEMPO_NO2_L3", "variable": "NO2", "units": "molecules/cm^2",
	"time": "2024-06-01T11:45:00Z", "cell_size_deg": {"lat": 0.02, "lon": 0.04},
	"cells": [
		{"lat": 40.71, "lon": -74.00, "column": 4.0e16, "uncertainty": 1.2e16, "quality_flag": 0},
		{"lat": 40.73, "lon": -74.00, "column": 3.0e16, "quality_flag": 0},
		{"lat": 40.75, "lon": -74.00, "column": 3.0e16, "quality_flag": 2},
		{"lat": 40.77, "lon": -74.00, "column": null, "quality_flag": 0},
		{"lat": 40.79, "lon": -74.00, "column": -5.0e16, "quality_flag": 0}
	]
}`

const o3Product = `{
	"product": "TEMPO_O3TOT_L3", "variable": "O3", "units": "molecules/cm^2",
	"time": "2024-06-01T11:45:00Z", "cell_size_deg": {"lat": 0.02, "lon": 0.02},
	"cells": [{"lat": 40.71, "lon": -74.00, "column": 8.0e18, "quality_flag": 0}]
}`

func TestSatelliteNormalize(t *testing.T) {
	src := NewSatelliteSource(SatelliteConfig{}, testHTTPConfig())
	batch, err := src.Normalize(airquality.RawFeed{
		FetchedAt: fetchedAt, Chunks: [][]byte{[]byte(no2Product), []byte(o3Product)},
	})
	require.NoError(t, err)
	require.Len(t, batch.Observations, 2)

	first := batch.Observations[0]
	assert.Equal(t, airquality.NO2, first.Variable)
	assert.InDelta(t, 40.0, first.Value, 1e-9)
	assert.InDelta(t, 12.0, first.Uncertainty, 1e-9)
	assert.Equal(t, airquality.SourceSatellite, first.Kind)
	assert.Equal(t, airquality.UnitPPB, first.Unit)
	require.NotNil(t, first.Footprint)
	assert.InDelta(t, -74.02, first.Footprint.Min.Lon(), 1e-9)
	assert.InDelta(t, 40.72, first.Footprint.Max.Lat(), 1e-9)

	second := batch.Observations[1]
	assert.InDelta(t, 30.0, second.Value, 1e-9)
	assert.InDelta(t, 7.5, second.Uncertainty, 1e-9, "falls back to the relative floor")

	assert.Equal(t, map[string]int{
		"quality_flag":    1,
		"missing_value":   1,
		"out_of_range":    1,
		"not_convertible": 1,
	}, dropReasons(batch))
}

func TestSatelliteRejectsUnknownProduct(t *testing.T) {
	src := NewSatelliteSource(SatelliteConfig{}, testHTTPConfig())
	bad := strings.Replace(no2Product, "molecules/cm^2", "DU", 1)
	batch, err := src.Normalize(airquality.RawFeed{Chunks: [][]byte{[]byte(bad)}})
	require.NoError(t, err)
	assert.Empty(t, batch.Observations)
	assert.Equal(t, 1, dropReasons(batch)["unknown_unit"])
}

func TestOpenWeatherFetchAndNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		_, _ = w.Write([]byte(`{
			"dt": 1717243200, "coord": {"lat": 40.71, "lon": -74.01},
			"main": {"temp": 24.5, "humidity": 60, "pressure": 1012},
			"wind": {"speed": 4.2}, "rain": {"3h": 1.5}
		}`))
	}))
	defer srv.Close()

	src := NewOpenWeatherSource("key", []Location{{Lat: 40.71, Lon: -74.01}}, testHTTPConfig()).WithBaseURL(srv.URL)
	raw, err := src.Fetch(context.Background())
	require.NoError(t, err)

	batch, err := src.Normalize(raw)
	require.NoError(t, err)
	got := byVariable(batch.Observations)
	require.Len(t, got, 5)
	assert.Equal(t, 24.5, got[airquality.Temperature].Value)
	assert.Equal(t, airquality.UnitCelsius, got[airquality.Temperature].Unit)
	assert.Equal(t, 4.2, got[airquality.WindSpeed].Value)
	assert.InDelta(t, 0.5, got[airquality.Precipitation].Value, 1e-9)
	assert.Equal(t, time.Unix(1717243200, 0).UTC(), got[airquality.Pressure].Timestamp)
	assert.Equal(t, airquality.SourceWeather, got[airquality.Humidity].Kind)
}

func TestOpenWeatherRequiresKey(t *testing.T) {
	src := NewOpenWeatherSource("", []Location{{Lat: 1, Lon: 1}}, testHTTPConfig())
	_, err := src.Fetch(context.Background())
	assert.Error(t, err)
}

func TestWeatherAPIFetchAndNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("key"))
		assert.Equal(t, "40.7100,-74.0100", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{
			"location": {"lat": 40.71, "lon": -74.01},
			"current": {"last_updated_epoch": 1717243200, "temp_c": 22, "humidity": 70,
				"wind_kph": 18, "pressure_mb": 1015, "precip_mm": 0.4}
		}`))
	}))
	defer srv.Close()

	src := NewWeatherAPISource("key", []Location{{Lat: 40.71, Lon: -74.01}}, testHTTPConfig()).WithBaseURL(srv.URL)
	raw, err := src.Fetch(context.Background())
	require.NoError(t, err)

	batch, err := src.Normalize(raw)
	require.NoError(t, err)
	got := byVariable(batch.Observations)
	require.Len(t, got, 5)
	assert.InDelta(t, 5.0, got[airquality.WindSpeed].Value, 1e-9)
	assert.Equal(t, 1015.0, got[airquality.Pressure].Value)
	assert.Equal(t, time.Unix(1717243200, 0).UTC(), got[airquality.Temperature].Timestamp)

	batch, err = src.Normalize(airquality.RawFeed{FetchedAt: fetchedAt, Chunks: [][]byte{[]byte(`{"current": {"temp_c": 20}}`)}})
	require.NoError(t, err)
	assert.Empty(t, batch.Observations)
	assert.Equal(t, 1, dropReasons(batch)["bad_timestamp"])
}

func TestOpenMeteoNormalize(t *testing.T) {
	src := NewOpenMeteoSource(nil, testHTTPConfig())
	payload := `{
		"latitude": 40.71, "longitude": -74.0,
		"hourly": {
			"time": ["2024-06-01T12:00", "2024-06-02T12:00"],
			"temperature_2m": [25.0, 27.0],
			"relative_humidity_2m": [55, null],
			"surface_pressure": [1010, 1008],
			"wind_speed_10m": [3.0, 6.0],
			"precipitation": [0, 2.5]
		}
	}`
	batch, err := src.Normalize(airquality.RawFeed{FetchedAt: fetchedAt, Chunks: [][]byte{[]byte(payload)}})
	require.NoError(t, err)
	require.Len(t, batch.Observations, 9)
	assert.Equal(t, 1, dropReasons(batch)["missing_value"])

	var now, ahead airquality.Observation
	for _, o := range batch.Observations {
		if o.Variable != airquality.WindSpeed {
			continue
		}
		if o.Timestamp.Day() == 1 {
			now = o
		} else {
			ahead = o
		}
	}
	assert.Equal(t, 3.0, now.Value)
	assert.Equal(t, 6.0, ahead.Value)
	assert.InDelta(t, 0.5, now.Uncertainty, 1e-9)
	assert.InDelta(t, 1.0, ahead.Uncertainty, 1e-9, "a day ahead doubles the error")
}

func TestToCanonical(t *testing.T) {
	v, err := toCanonical(airquality.NO2, 94.02, "ug/m3")
	require.NoError(t, err)
	assert.InDelta(t, 49.96, v, 0.01)

	v, err = toCanonical(airquality.PM25, 12, "µg/m³")
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)

	_, err = toCanonical(airquality.PM25, 12, "ppb")
	assert.Error(t, err)
	_, err = toCanonical(airquality.NO2, 12, "furlongs")
	assert.Error(t, err)
}
