package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

// OpenMeteoSource reads hourly weather, the past day plus a three-day
// forecast, so forecast covariates exist for future hours.
type OpenMeteoSource struct {
	name      string
	baseURL   string
	locations []Location
	bounds    airquality.Bounds
	httpCfg   HTTPConfig
	breakers  *breakers
}

func NewOpenMeteoSource(locations []Location, httpCfg HTTPConfig) *OpenMeteoSource {
	return &OpenMeteoSource{
		name:      "openmeteo",
		baseURL:   "https://api.open-meteo.com/v1/forecast",
		locations: locations,
		bounds:    airquality.DefaultBounds(),
		httpCfg:   httpCfg,
		breakers:  newBreakers("openmeteo", httpCfg.Logger),
	}
}

// WithBaseURL points the source at another endpoint.
func (p *OpenMeteoSource) WithBaseURL(u string) *OpenMeteoSource {
	p.baseURL = u
	return p
}

func (p *OpenMeteoSource) Name() string {
	return p.name
}

func (p *OpenMeteoSource) Kind() airquality.SourceKind {
	return airquality.SourceWeather
}

func (p *OpenMeteoSource) Fetch(ctx context.Context) (airquality.RawFeed, error) {
	endpoints := make([]endpoint, 0, len(p.locations))
	for _, loc := range p.locations {
		values := url.Values{}
		values.Set("latitude", strconv.FormatFloat(loc.Lat, 'f', 6, 64))
		values.Set("longitude", strconv.FormatFloat(loc.Lon, 'f', 6, 64))
		values.Set("hourly", "temperature_2m,relative_humidity_2m,surface_pressure,wind_speed_10m,precipitation")
		values.Set("wind_speed_unit", "ms")
		values.Set("timezone", "UTC")
		values.Set("past_days", "1")
		values.Set("forecast_days", "3")
		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())

		endpoints = append(endpoints, endpoint{
			name:  loc.String(),
			build: func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			},
		})
	}
	return fetchAll(ctx, p.httpCfg, p.breakers, p.name, airquality.SourceWeather, endpoints)
}

type openMeteoPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Hourly    struct {
		Time          []string   `json:"time"`
		Temperature   []*float64 `json:"temperature_2m"`
		Humidity      []*float64 `json:"relative_humidity_2m"`
		Pressure      []*float64 `json:"surface_pressure"`
		WindSpeed     []*float64 `json:"wind_speed_10m"`
		Precipitation []*float64 `json:"precipitation"`
	} `json:"hourly"`
}

func (p *OpenMeteoSource) Normalize(raw airquality.RawFeed) (airquality.Batch, error) {
	c := newCollector(p.name, airquality.SourceWeather, p.bounds, raw.FetchedAt)
	issued := c.ingestedAt.Truncate(time.Hour)

	payloads, err := decodeChunks[openMeteoPayload](p.name, raw, &c.batch)
	if err != nil {
		return c.batch, err
	}

	for _, d := range payloads {
		w := d.payload
		series := []struct {
			v      airquality.Variable
			values []*float64
		}{
			{airquality.Temperature, w.Hourly.Temperature},
			{airquality.Humidity, w.Hourly.Humidity},
			{airquality.Pressure, w.Hourly.Pressure},
			{airquality.WindSpeed, w.Hourly.WindSpeed},
			{airquality.Precipitation, w.Hourly.Precipitation},
		}
		site := Location{Lat: w.Latitude, Lon: w.Longitude}.String()

		index := 0
		for h, stamp := range w.Hourly.Time {
			ts, err := parseTime(stamp)
			if err != nil {
				c.drop(d.chunk, index, "bad_timestamp", err)
				index += len(series)
				continue
			}
			// Forecast hours get less certain the further ahead they are.
			lead := max(ts.Sub(issued).Hours(), 0)
			for _, s := range series {
				if h >= len(s.values) || s.values[h] == nil {
					c.drop(d.chunk, index, "missing_value", fmt.Errorf("%s at %s", s.v, stamp))
					index++
					continue
				}
				c.add(d.chunk, index, airquality.Observation{
					// The issue hour is part of the ID so each model run is kept.
					ID:          observationID(p.name, site, string(s.v), stamp, issued.Format(time.RFC3339)),
					Variable:    s.v,
					Lat:         w.Latitude,
					Lon:         w.Longitude,
					Timestamp:   ts,
					Value:       *s.values[h],
					Uncertainty: weatherAccuracy[s.v] * (1 + lead/24),
				})
				index++
			}
		}
	}
	return c.batch, nil
}
