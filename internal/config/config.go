package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Location is a lat/lon pair from WEATHER_LOCATIONS.
type Location struct {
	Lat float64
	Lon float64
}

// BoundingBox restricts which query points are served.
type BoundingBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

type AppConfig struct {
	Port        string
	HTTPTimeout time.Duration

	LogLevel  string
	LogFormat string

	// Feeds. A feed with no endpoint or key configured is not polled.
	GroundFeedURLs    []string
	GroundAPIKey      string
	SatelliteFeedURLs []string
	SatelliteToken    string
	OpenWeatherAPIKey string
	WeatherAPIKey     string
	WeatherLocations  []Location
	OpenMeteoEnabled  bool

	GroundInterval    time.Duration
	SatelliteInterval time.Duration
	WeatherInterval   time.Duration

	FusionRadiusKm        float64
	FusionWindow          time.Duration
	FusionSpatialScaleKm  float64
	FusionTemporalScale   time.Duration
	FusionOutlierZ        float64
	FusionChangeTolerance float64
	QuerySupportKm        float64

	ForecastMinHistory int
	ForecastLagHours   int

	CacheFusedTTL      time.Duration
	CacheForecastTTL   time.Duration
	CacheTimeBucket    time.Duration
	CacheCellPrecision int

	StoreBackend string // memory or postgres
	DatabaseURL  string
	StoreMaxAge  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventStream   string

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	Pollutants []string
	Coverage   *BoundingBox
}

// northAmerica is the default coverage area.
var northAmerica = BoundingBox{MinLat: 15, MinLon: -170, MaxLat: 72, MaxLon: -50}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*AppConfig, error) {
	p := &parser{}
	cfg := &AppConfig{
		Port:        getenvDefault("PORT", "8080"),
		HTTPTimeout: p.durationVar("HTTP_TIMEOUT", 10*time.Second),

		LogLevel:  getenvDefault("LOG_LEVEL", "info"),
		LogFormat: getenvDefault("LOG_FORMAT", "json"),

		GroundFeedURLs:    getenvFields("GROUND_FEED_URLS"),
		GroundAPIKey:      os.Getenv("GROUND_API_KEY"),
		SatelliteFeedURLs: getenvFields("SATELLITE_FEED_URL"),
		SatelliteToken:    os.Getenv("SATELLITE_TOKEN"),
		OpenWeatherAPIKey: os.Getenv("OPENWEATHER_API_KEY"),
		WeatherAPIKey:     os.Getenv("WEATHERAPI_KEY"),
		OpenMeteoEnabled:  p.boolVar("OPENMETEO_ENABLED", true),

		GroundInterval:    p.durationVar("GROUND_INTERVAL", 15*time.Minute),
		SatelliteInterval: p.durationVar("SATELLITE_INTERVAL", 60*time.Minute),
		WeatherInterval:   p.durationVar("WEATHER_INTERVAL", 30*time.Minute),

		FusionRadiusKm:        p.floatVar("FUSION_RADIUS_KM", 5),
		FusionWindow:          p.durationVar("FUSION_WINDOW", 30*time.Minute),
		FusionSpatialScaleKm:  p.floatVar("FUSION_SPATIAL_SCALE_KM", 2),
		FusionTemporalScale:   p.durationVar("FUSION_TEMPORAL_SCALE", 30*time.Minute),
		FusionOutlierZ:        p.floatVar("FUSION_OUTLIER_Z", 2.5),
		FusionChangeTolerance: p.floatVar("FUSION_CHANGE_TOLERANCE", 0.05),
		QuerySupportKm:        p.floatVar("QUERY_SUPPORT_KM", 1),

		ForecastMinHistory: p.intVar("FORECAST_MIN_HISTORY", 6),
		ForecastLagHours:   p.intVar("FORECAST_LAG_HOURS", 24),

		CacheFusedTTL:      p.durationVar("CACHE_FUSED_TTL", 20*time.Minute),
		CacheForecastTTL:   p.durationVar("CACHE_FORECAST_TTL", time.Hour),
		CacheTimeBucket:    p.durationVar("CACHE_TIME_BUCKET", 15*time.Minute),
		CacheCellPrecision: p.intVar("CACHE_CELL_PRECISION", 7),

		StoreBackend: strings.ToLower(getenvDefault("STORE_BACKEND", "memory")),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StoreMaxAge:  p.durationVar("STORE_MAX_AGE", 72*time.Hour),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.intVar("REDIS_DB", 0),
		EventStream:   getenvDefault("EVENT_STREAM", "aqfusion:events"),

		MQTTBroker:      os.Getenv("MQTT_BROKER"),
		MQTTClientID:    getenvDefault("MQTT_CLIENT_ID", "airquality-fusion"),
		MQTTTopicPrefix: getenvDefault("MQTT_TOPIC_PREFIX", "airquality/alerts"),

		Pollutants: getenvList("POLLUTANTS"),
	}
	cfg.WeatherLocations = p.locations("WEATHER_LOCATIONS")
	cfg.Coverage = p.coverage("COVERAGE_BBOX")

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want memory or postgres", c.StoreBackend)
	}
	if c.FusionRadiusKm <= 0 {
		return fmt.Errorf("invalid FUSION_RADIUS_KM: must be positive")
	}
	if c.FusionWindow <= 0 {
		return fmt.Errorf("invalid FUSION_WINDOW: must be positive")
	}
	if c.ForecastMinHistory < 1 || c.ForecastLagHours < c.ForecastMinHistory {
		return fmt.Errorf("FORECAST_LAG_HOURS (%d) must cover FORECAST_MIN_HISTORY (%d)", c.ForecastLagHours, c.ForecastMinHistory)
	}
	if c.CacheCellPrecision < 1 || c.CacheCellPrecision > 12 {
		return fmt.Errorf("invalid CACHE_CELL_PRECISION %d: must be 1..12", c.CacheCellPrecision)
	}
	return nil
}

// parser keeps the first invalid value it meets so Load reports it.
type parser struct {
	err error
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
}

func (p *parser) durationVar(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) intVar(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) floatVar(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolVar(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

// locations parses "lat,lon;lat,lon".
func (p *parser) locations(key string) []Location {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var locs []Location
	for _, pair := range strings.Split(v, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		nums, err := parseFloats(pair, 2)
		if err != nil {
			p.fail(key, v, err)
			return nil
		}
		locs = append(locs, Location{Lat: nums[0], Lon: nums[1]})
	}
	return locs
}

// coverage parses "minLat,minLon,maxLat,maxLon"; "none" disables the check.
func (p *parser) coverage(key string) *BoundingBox {
	v := os.Getenv(key)
	switch strings.ToLower(v) {
	case "":
		box := northAmerica
		return &box
	case "none":
		return nil
	}
	nums, err := parseFloats(v, 4)
	if err != nil {
		p.fail(key, v, err)
		return nil
	}
	return &BoundingBox{MinLat: nums[0], MinLon: nums[1], MaxLat: nums[2], MaxLon: nums[3]}
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated numbers", n)
	}
	out := make([]float64, n)
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getenvList splits a comma-separated variable, dropping empty items.
func getenvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getenvFields splits a whitespace-separated variable; used for URLs, which
// may contain commas.
func getenvFields(key string) []string {
	return strings.Fields(os.Getenv(key))
}
