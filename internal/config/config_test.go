package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.GroundInterval)
	assert.Equal(t, time.Hour, cfg.SatelliteInterval)
	assert.Equal(t, 30*time.Minute, cfg.WeatherInterval)
	assert.Equal(t, 5.0, cfg.FusionRadiusKm)
	assert.Equal(t, 2.5, cfg.FusionOutlierZ)
	assert.Equal(t, 20*time.Minute, cfg.CacheFusedTTL)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.True(t, cfg.OpenMeteoEnabled)
	require.NotNil(t, cfg.Coverage)
	assert.Equal(t, northAmerica, *cfg.Coverage)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GROUND_FEED_URLS", "https://a.example/aq/data/?bbox=-75,40,-73,41  https://b.example/aq/data/")
	t.Setenv("WEATHER_LOCATIONS", "40.71,-74.00; 34.05,-118.24")
	t.Setenv("POLLUTANTS", "NO2, O3 ,PM25")
	t.Setenv("COVERAGE_BBOX", "none")
	t.Setenv("FUSION_WINDOW", "45m")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/aq")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example/aq/data/?bbox=-75,40,-73,41", "https://b.example/aq/data/"}, cfg.GroundFeedURLs)
	assert.Equal(t, []Location{{40.71, -74.00}, {34.05, -118.24}}, cfg.WeatherLocations)
	assert.Equal(t, []string{"NO2", "O3", "PM25"}, cfg.Pollutants)
	assert.Nil(t, cfg.Coverage)
	assert.Equal(t, 45*time.Minute, cfg.FusionWindow)
	assert.Equal(t, "postgres", cfg.StoreBackend)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"FUSION_RADIUS_KM":     "five",
		"GROUND_INTERVAL":      "often",
		"WEATHER_LOCATIONS":    "40.71",
		"COVERAGE_BBOX":        "1,2,3",
		"OPENMETEO_ENABLED":    "maybe",
		"STORE_BACKEND":        "sqlite",
		"CACHE_CELL_PRECISION": "20",
		"FORECAST_LAG_HOURS":   "3",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestPostgresNeedsDatabaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "DATABASE_URL")
}
