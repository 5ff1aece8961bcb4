package adapters

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

// GroundStationConfig describes one ground monitoring network. Each endpoint
// is queried separately so an unreachable region only degrades the feed.
type GroundStationConfig struct {
	Name      string
	Endpoints []string
	APIKey    string
	Bounds    airquality.Bounds
}

// GroundStationSource reads AirNow-style hourly monitor data.
type GroundStationSource struct {
	cfg      GroundStationConfig
	httpCfg  HTTPConfig
	breakers *breakers
}

func NewGroundStationSource(cfg GroundStationConfig, httpCfg HTTPConfig) *GroundStationSource {
	if cfg.Name == "" {
		cfg.Name = "airnow"
	}
	return &GroundStationSource{
		cfg:      cfg,
		httpCfg:  httpCfg,
		breakers: newBreakers(cfg.Name, httpCfg.Logger),
	}
}

func (s *GroundStationSource) Name() string {
	return s.cfg.Name
}

func (s *GroundStationSource) Kind() airquality.SourceKind {
	return airquality.SourceGround
}

func (s *GroundStationSource) Fetch(ctx context.Context) (airquality.RawFeed, error) {
	endpoints := make([]endpoint, 0, len(s.cfg.Endpoints))
	for _, raw := range s.cfg.Endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return airquality.RawFeed{Source: s.cfg.Name, Kind: airquality.SourceGround},
				fmt.Errorf("ground endpoint %q: %w", endpointName(raw), err)
		}
		values := u.Query()
		if s.cfg.APIKey != "" {
			values.Set("API_KEY", s.cfg.APIKey)
		}
		if values.Get("format") == "" {
			values.Set("format", "application/json")
		}
		u.RawQuery = values.Encode()
		endpoints = append(endpoints, endpoint{name: endpointName(raw), build: getRequest(u.String(), "")})
	}
	return fetchAll(ctx, s.httpCfg, s.breakers, s.cfg.Name, airquality.SourceGround, endpoints)
}

// airNowRecord is one monitor reading. Value is the reported concentration;
// RawConcentration is used when Value is absent. Revision > 0 marks a
// re-issued reading that replaces revision-1 of the same site, parameter and hour.
type airNowRecord struct {
	Latitude         float64  `json:"Latitude"`
	Longitude        float64  `json:"Longitude"`
	UTC              string   `json:"UTC"`
	Parameter        string   `json:"Parameter"`
	Unit             string   `json:"Unit"`
	Value            *float64 `json:"Value"`
	RawConcentration *float64 `json:"RawConcentration"`
	AQI              int      `json:"AQI"`
	SiteName         string   `json:"SiteName"`
	AgencyName       string   `json:"AgencyName"`
	FullAQSCode      string   `json:"FullAQSCode"`
	IntlAQSCode      string   `json:"IntlAQSCode"`
	Revision         int      `json:"Revision"`
}

func (r airNowRecord) site() string {
	switch {
	case r.FullAQSCode != "":
		return r.FullAQSCode
	case r.IntlAQSCode != "":
		return r.IntlAQSCode
	default:
		return strconv.FormatFloat(r.Latitude, 'f', 4, 64) + "," + strconv.FormatFloat(r.Longitude, 'f', 4, 64)
	}
}

var airNowParameters = map[string]airquality.Variable{
	"NO2":   airquality.NO2,
	"OZONE": airquality.O3,
	"O3":    airquality.O3,
	"PM2.5": airquality.PM25,
	"PM25":  airquality.PM25,
	"PM10":  airquality.PM10,
	"SO2":   airquality.SO2,
	"CO":    airquality.CO,
}

func (s *GroundStationSource) Normalize(raw airquality.RawFeed) (airquality.Batch, error) {
	c := newCollector(s.cfg.Name, airquality.SourceGround, s.cfg.Bounds, raw.FetchedAt)

	chunks, err := decodeChunks[[]airNowRecord](s.cfg.Name, raw, &c.batch)
	if err != nil {
		return c.batch, err
	}

	for _, d := range chunks {
		for i, rec := range d.payload {
			v, ok := airNowParameters[strings.ToUpper(strings.TrimSpace(rec.Parameter))]
			if !ok {
				c.drop(d.chunk, i, "unknown_parameter", fmt.Errorf("parameter %q", rec.Parameter))
				continue
			}
			ts, err := parseTime(rec.UTC)
			if err != nil {
				c.drop(d.chunk, i, "bad_timestamp", err)
				continue
			}

			reported := rec.Value
			if reported == nil {
				reported = rec.RawConcentration
			}
			if reported == nil {
				c.drop(d.chunk, i, "missing_value", fmt.Errorf("%s at %s has no concentration", v, rec.site()))
				continue
			}
			value, err := toCanonical(v, *reported, rec.Unit)
			if err != nil {
				c.drop(d.chunk, i, "unknown_unit", err)
				continue
			}

			stamp := ts.Format("2006-01-02T15")
			o := airquality.Observation{
				ID:          observationID(s.cfg.Name, rec.site(), string(v), stamp, strconv.Itoa(rec.Revision)),
				Variable:    v,
				Lat:         rec.Latitude,
				Lon:         rec.Longitude,
				Timestamp:   ts,
				Value:       value,
				Uncertainty: groundUncertainty(v, value),
			}
			if rec.Revision > 0 {
				o.Supersedes = observationID(s.cfg.Name, rec.site(), string(v), stamp, strconv.Itoa(rec.Revision-1))
			}
			c.add(d.chunk, i, o)
		}
	}
	return c.batch, nil
}
