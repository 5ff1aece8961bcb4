package airquality

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// SourceKind tags which family of feed produced an observation.
type SourceKind string

const (
	SourceSatellite SourceKind = "satellite"
	SourceGround    SourceKind = "ground"
	SourceWeather   SourceKind = "weather"
)

// Variable is a pollutant or a weather variable.
type Variable string

// Pollutants.
const (
	NO2  Variable = "NO2"
	O3   Variable = "O3"
	PM25 Variable = "PM25"
	PM10 Variable = "PM10"
	SO2  Variable = "SO2"
	CO   Variable = "CO"
	HCHO Variable = "HCHO"
)

// Weather variables used as forecast covariates.
const (
	Temperature   Variable = "temperature"
	Humidity      Variable = "humidity"
	WindSpeed     Variable = "wind_speed"
	Pressure      Variable = "pressure"
	Precipitation Variable = "precipitation"
)

// IsPollutant reports whether v is one of the fused pollutants.
func (v Variable) IsPollutant() bool {
	switch v {
	case NO2, O3, PM25, PM10, SO2, CO, HCHO:
		return true
	}
	return false
}

// ParseVariable resolves a pollutant or weather variable name, ignoring case
// and the dot in "PM2.5".
func ParseVariable(name string) (Variable, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), ".", ""))
	switch v := Variable(n); v {
	case NO2, O3, PM25, PM10, SO2, CO, HCHO:
		return v, nil
	}
	switch v := Variable(strings.ToLower(n)); v {
	case Temperature, Humidity, WindSpeed, Pressure, Precipitation:
		return v, nil
	}
	return "", fmt.Errorf("unknown variable %q", name)
}

// Unit of an observation value.
type Unit string

const (
	UnitPPB     Unit = "ppb"
	UnitPPM     Unit = "ppm"
	UnitUGM3    Unit = "ug/m3"
	UnitCelsius Unit = "C"
	UnitPercent Unit = "%"
	UnitMS      Unit = "m/s"
	UnitHPa     Unit = "hPa"
	UnitMM      Unit = "mm"
)

// CanonicalUnit is the unit every observation of v is normalized into.
func CanonicalUnit(v Variable) Unit {
	switch v {
	case PM25, PM10:
		return UnitUGM3
	case CO:
		return UnitPPM
	case Temperature:
		return UnitCelsius
	case Humidity:
		return UnitPercent
	case WindSpeed:
		return UnitMS
	case Pressure:
		return UnitHPa
	case Precipitation:
		return UnitMM
	default:
		return UnitPPB
	}
}

// Observation is a single normalized measurement. It is never mutated after
// ingest; a correction is a new Observation whose Supersedes names the old ID.
type Observation struct {
	ID          string     `json:"id"`
	Kind        SourceKind `json:"kind"`
	Source      string     `json:"source"`
	Variable    Variable   `json:"variable"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	Timestamp   time.Time  `json:"timestamp"` // always UTC
	Value       float64    `json:"value"`
	Unit        Unit       `json:"unit"`
	Uncertainty float64    `json:"uncertainty"` // one standard deviation, in Unit

	// Footprint is the area a gridded (satellite) value represents; nil for point measurements.
	Footprint *orb.Bound `json:"footprint,omitempty"`

	Supersedes string    `json:"supersedes,omitempty"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// IsCorrection reports whether the observation replaces an earlier one.
func (o Observation) IsCorrection() bool {
	return o.Supersedes != ""
}

// QueryPoint is what a caller wants fused or forecast.
type QueryPoint struct {
	Lat  float64   `json:"lat"`
	Lon  float64   `json:"lon"`
	Time time.Time `json:"time"`
}

// Interval is a two-sided confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// HalfWidth of the interval.
func (i Interval) HalfWidth() float64 {
	return (i.Upper - i.Lower) / 2
}

// Width of the interval.
func (i Interval) Width() float64 {
	return i.Upper - i.Lower
}

// FusedEstimate is the reconciled value of one pollutant at a query point.
type FusedEstimate struct {
	Pollutant    Variable   `json:"pollutant"`
	Point        QueryPoint `json:"point"`
	Value        float64    `json:"value"`
	Unit         Unit       `json:"unit"`
	StdDev       float64    `json:"stdDev"`
	Interval     Interval   `json:"interval"`
	AQI          int        `json:"aqi,omitempty"`
	Category     string     `json:"category,omitempty"`
	Contributors []string   `json:"contributors"`
	// Downweighted counts inputs whose weight the outlier pass reduced.
	Downweighted int       `json:"downweighted,omitempty"`
	Degraded     []string  `json:"degraded,omitempty"`
	ComputedAt   time.Time `json:"computedAt"`
}

// WeatherCovariates are the fused weather conditions at one instant.
// Missing variables are absent from Values.
type WeatherCovariates struct {
	Time   time.Time            `json:"time"`
	Values map[Variable]float64 `json:"values"`
}

// Get returns the covariate value and whether it was available.
func (w WeatherCovariates) Get(v Variable) (float64, bool) {
	val, ok := w.Values[v]
	return val, ok
}

// ForecastStep is the prediction for one horizon hour.
type ForecastStep struct {
	HorizonHours int       `json:"horizonHours"`
	ValidAt      time.Time `json:"validAt"`
	Value        float64   `json:"value"`
	Interval     Interval  `json:"interval"`
	AQI          int       `json:"aqi,omitempty"`
	Category     string    `json:"category,omitempty"`
}

// ForecastSeries holds the predictions for horizons 1..N in order.
type ForecastSeries struct {
	Point     QueryPoint     `json:"point"`
	Pollutant Variable       `json:"pollutant"`
	Unit      Unit           `json:"unit"`
	Model     string         `json:"model"`
	IssuedAt  time.Time      `json:"issuedAt"`
	Steps     []ForecastStep `json:"steps"`

	// PeakAQI is the highest step AQI; Recommendations follow its band.
	PeakAQI         int      `json:"peakAqi,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}
