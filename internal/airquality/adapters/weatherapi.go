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

// WeatherAPISource reads current conditions from WeatherAPI.com.
type WeatherAPISource struct {
	name      string
	apiKey    string
	baseURL   string
	locations []Location
	bounds    airquality.Bounds
	httpCfg   HTTPConfig
	breakers  *breakers
}

func NewWeatherAPISource(apiKey string, locations []Location, httpCfg HTTPConfig) *WeatherAPISource {
	return &WeatherAPISource{
		name:      "weatherapi",
		apiKey:    apiKey,
		baseURL:   "https://api.weatherapi.com/v1/current.json",
		locations: locations,
		bounds:    airquality.DefaultBounds(),
		httpCfg:   httpCfg,
		breakers:  newBreakers("weatherapi", httpCfg.Logger),
	}
}

// WithBaseURL points the source at another endpoint.
func (p *WeatherAPISource) WithBaseURL(u string) *WeatherAPISource {
	p.baseURL = u
	return p
}

func (p *WeatherAPISource) Name() string {
	return p.name
}

func (p *WeatherAPISource) Kind() airquality.SourceKind {
	return airquality.SourceWeather
}

func (p *WeatherAPISource) Fetch(ctx context.Context) (airquality.RawFeed, error) {
	if p.apiKey == "" {
		return airquality.RawFeed{Source: p.name, Kind: airquality.SourceWeather},
			fmt.Errorf("weatherapi api key is not configured")
	}

	endpoints := make([]endpoint, 0, len(p.locations))
	for _, loc := range p.locations {
		values := url.Values{}
		values.Set("key", p.apiKey)
		// "q" accepts "lat,lon".
		values.Set("q", loc.String())
		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())

		endpoints = append(endpoints, endpoint{
			name: loc.String(),
			build: func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			},
		})
	}
	return fetchAll(ctx, p.httpCfg, p.breakers, p.name, airquality.SourceWeather, endpoints)
}

type weatherAPIPayload struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
	Current struct {
		LastUpdatedEpoch int64   `json:"last_updated_epoch"`
		TempC            float64 `json:"temp_c"`
		Humidity         float64 `json:"humidity"`
		WindKph          float64 `json:"wind_kph"`
		PressureMb       float64 `json:"pressure_mb"`
		PrecipMm         float64 `json:"precip_mm"`
	} `json:"current"`
}

func (p *WeatherAPISource) Normalize(raw airquality.RawFeed) (airquality.Batch, error) {
	c := newCollector(p.name, airquality.SourceWeather, p.bounds, raw.FetchedAt)

	payloads, err := decodeChunks[weatherAPIPayload](p.name, raw, &c.batch)
	if err != nil {
		return c.batch, err
	}

	for _, d := range payloads {
		w := d.payload
		if w.Current.LastUpdatedEpoch == 0 {
			c.drop(d.chunk, -1, "bad_timestamp", fmt.Errorf("reading at %.4f,%.4f has no time", w.Location.Lat, w.Location.Lon))
			continue
		}
		ts := time.Unix(w.Current.LastUpdatedEpoch, 0).UTC()

		readings := []struct {
			v     airquality.Variable
			value float64
		}{
			{airquality.Temperature, w.Current.TempC},
			{airquality.Humidity, w.Current.Humidity},
			{airquality.Pressure, w.Current.PressureMb},
			{airquality.WindSpeed, w.Current.WindKph / 3.6},
			{airquality.Precipitation, w.Current.PrecipMm},
		}
		site := Location{Lat: w.Location.Lat, Lon: w.Location.Lon}.String()
		for i, r := range readings {
			c.add(d.chunk, i, airquality.Observation{
				ID:          observationID(p.name, site, string(r.v), strconv.FormatInt(w.Current.LastUpdatedEpoch, 10)),
				Variable:    r.v,
				Lat:         w.Location.Lat,
				Lon:         w.Location.Lon,
				Timestamp:   ts,
				Value:       r.value,
				Uncertainty: weatherAccuracy[r.v],
			})
		}
	}
	return c.batch, nil
}
