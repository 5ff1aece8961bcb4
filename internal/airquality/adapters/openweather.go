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

// Location is a point weather feeds are polled for.
type Location struct {
	Lat float64
	Lon float64
}

func (l Location) String() string {
	return strconv.FormatFloat(l.Lat, 'f', 4, 64) + "," + strconv.FormatFloat(l.Lon, 'f', 4, 64)
}

// OpenWeatherSource reads current conditions from OpenWeatherMap.
type OpenWeatherSource struct {
	name      string
	apiKey    string
	baseURL   string
	locations []Location
	bounds    airquality.Bounds
	httpCfg   HTTPConfig
	breakers  *breakers
}

func NewOpenWeatherSource(apiKey string, locations []Location, httpCfg HTTPConfig) *OpenWeatherSource {
	return &OpenWeatherSource{
		name:      "openweathermap",
		apiKey:    apiKey,
		baseURL:   "https://api.openweathermap.org/data/2.5/weather",
		locations: locations,
		bounds:    airquality.DefaultBounds(),
		httpCfg:   httpCfg,
		breakers:  newBreakers("openweathermap", httpCfg.Logger),
	}
}

// WithBaseURL points the source at another endpoint.
func (p *OpenWeatherSource) WithBaseURL(u string) *OpenWeatherSource {
	p.baseURL = u
	return p
}

func (p *OpenWeatherSource) Name() string {
	return p.name
}

func (p *OpenWeatherSource) Kind() airquality.SourceKind {
	return airquality.SourceWeather
}

func (p *OpenWeatherSource) Fetch(ctx context.Context) (airquality.RawFeed, error) {
	if p.apiKey == "" {
		return airquality.RawFeed{Source: p.name, Kind: airquality.SourceWeather},
			fmt.Errorf("openweather api key is not configured")
	}

	endpoints := make([]endpoint, 0, len(p.locations))
	for _, loc := range p.locations {
		values := url.Values{}
		values.Set("appid", p.apiKey)
		values.Set("units", "metric")
		values.Set("lat", strconv.FormatFloat(loc.Lat, 'f', 6, 64))
		values.Set("lon", strconv.FormatFloat(loc.Lon, 'f', 6, 64))
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

type openWeatherPayload struct {
	Dt    int64 `json:"dt"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
		Pressure float64 `json:"pressure"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		OneH   float64 `json:"1h"`
		ThreeH float64 `json:"3h"`
	} `json:"rain"`
}

func (p *OpenWeatherSource) Normalize(raw airquality.RawFeed) (airquality.Batch, error) {
	c := newCollector(p.name, airquality.SourceWeather, p.bounds, raw.FetchedAt)

	payloads, err := decodeChunks[openWeatherPayload](p.name, raw, &c.batch)
	if err != nil {
		return c.batch, err
	}

	for _, d := range payloads {
		w := d.payload
		if w.Dt == 0 {
			c.drop(d.chunk, -1, "bad_timestamp", fmt.Errorf("reading at %.4f,%.4f has no time", w.Coord.Lat, w.Coord.Lon))
			continue
		}
		ts := time.Unix(w.Dt, 0).UTC()

		// 3h accumulations are spread evenly to an hourly rate.
		precip := w.Rain.OneH
		if precip == 0 {
			precip = w.Rain.ThreeH / 3
		}

		readings := []struct {
			v     airquality.Variable
			value float64
		}{
			{airquality.Temperature, w.Main.Temp},
			{airquality.Humidity, w.Main.Humidity},
			{airquality.Pressure, w.Main.Pressure},
			{airquality.WindSpeed, w.Wind.Speed},
			{airquality.Precipitation, precip},
		}
		site := Location{Lat: w.Coord.Lat, Lon: w.Coord.Lon}.String()
		for i, r := range readings {
			c.add(d.chunk, i, airquality.Observation{
				ID:          observationID(p.name, site, string(r.v), strconv.FormatInt(w.Dt, 10)),
				Variable:    r.v,
				Lat:         w.Coord.Lat,
				Lon:         w.Coord.Lon,
				Timestamp:   ts,
				Value:       r.value,
				Uncertainty: weatherAccuracy[r.v],
			})
		}
	}
	return c.batch, nil
}
