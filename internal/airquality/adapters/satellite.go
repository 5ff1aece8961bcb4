package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

// columnScale is the column density (molecules/cm^2) that maps to one unit
// of surface-equivalent concentration before the per-pollutant factor.
const columnScale = 1e15

// DefaultColumnFactors converts column / 1e15 into surface ppb. A zero factor
// marks a product whose column has no usable surface equivalent.
func DefaultColumnFactors() map[airquality.Variable]float64 {
	return map[airquality.Variable]float64{
		airquality.NO2:  1.0,
		airquality.HCHO: 0.6,
		airquality.O3:   0,
	}
}

// SatelliteConfig describes a gridded retrieval feed, one endpoint per product.
type SatelliteConfig struct {
	Name      string
	Endpoints []string
	Token     string
	Factors   map[airquality.Variable]float64
	Bounds    airquality.Bounds
	// MinRelativeUncertainty floors the retrieval error as a share of the value.
	MinRelativeUncertainty float64
}

// SatelliteSource reads TEMPO-style level-3 gridded column products.
type SatelliteSource struct {
	cfg      SatelliteConfig
	httpCfg  HTTPConfig
	breakers *breakers
}

func NewSatelliteSource(cfg SatelliteConfig, httpCfg HTTPConfig) *SatelliteSource {
	if cfg.Name == "" {
		cfg.Name = "tempo"
	}
	if cfg.Factors == nil {
		cfg.Factors = DefaultColumnFactors()
	}
	if cfg.MinRelativeUncertainty <= 0 {
		cfg.MinRelativeUncertainty = 0.25
	}
	return &SatelliteSource{
		cfg:      cfg,
		httpCfg:  httpCfg,
		breakers: newBreakers(cfg.Name, httpCfg.Logger),
	}
}

func (s *SatelliteSource) Name() string {
	return s.cfg.Name
}

func (s *SatelliteSource) Kind() airquality.SourceKind {
	return airquality.SourceSatellite
}

func (s *SatelliteSource) Fetch(ctx context.Context) (airquality.RawFeed, error) {
	endpoints := make([]endpoint, 0, len(s.cfg.Endpoints))
	for _, u := range s.cfg.Endpoints {
		endpoints = append(endpoints, endpoint{name: endpointName(u), build: getRequest(u, s.cfg.Token)})
	}
	return fetchAll(ctx, s.httpCfg, s.breakers, s.cfg.Name, airquality.SourceSatellite, endpoints)
}

type gridCell struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Column      *float64 `json:"column"`
	Uncertainty *float64 `json:"uncertainty"`
	QualityFlag int      `json:"quality_flag"`
}

type griddedProduct struct {
	Product  string `json:"product"`
	Variable string `json:"variable"`
	Units    string `json:"units"`
	Time     string `json:"time"`
	CellSize struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"cell_size_deg"`
	Cells []gridCell `json:"cells"`
}

func (s *SatelliteSource) Normalize(raw airquality.RawFeed) (airquality.Batch, error) {
	c := newCollector(s.cfg.Name, airquality.SourceSatellite, s.cfg.Bounds, raw.FetchedAt)

	products, err := decodeChunks[griddedProduct](s.cfg.Name, raw, &c.batch)
	if err != nil {
		return c.batch, err
	}

	for _, d := range products {
		p := d.payload
		v := airquality.Variable(strings.ToUpper(strings.TrimSpace(p.Variable)))
		factor, known := s.cfg.Factors[v]
		switch {
		case !known:
			c.drop(d.chunk, -1, "unknown_parameter", fmt.Errorf("product %q variable %q", p.Product, p.Variable))
			continue
		case !isColumnUnit(p.Units):
			c.drop(d.chunk, -1, "unknown_unit", fmt.Errorf("product %q units %q", p.Product, p.Units))
			continue
		case p.CellSize.Lat <= 0 || p.CellSize.Lon <= 0:
			c.drop(d.chunk, -1, "invalid_grid", fmt.Errorf("product %q has no cell size", p.Product))
			continue
		}
		ts, err := parseTime(p.Time)
		if err != nil {
			c.drop(d.chunk, -1, "bad_timestamp", err)
			continue
		}

		halfLat, halfLon := p.CellSize.Lat/2, p.CellSize.Lon/2
		for i, cell := range p.Cells {
			switch {
			case factor == 0:
				c.drop(d.chunk, i, "not_convertible", fmt.Errorf("%s column has no surface equivalent", v))
				continue
			case cell.QualityFlag != 0:
				c.drop(d.chunk, i, "quality_flag", fmt.Errorf("quality flag %d", cell.QualityFlag))
				continue
			case cell.Column == nil:
				c.drop(d.chunk, i, "missing_value", fmt.Errorf("cell (%.4f, %.4f) has no column", cell.Lat, cell.Lon))
				continue
			}

			value := *cell.Column / columnScale * factor
			sigma := s.cfg.MinRelativeUncertainty * value
			if cell.Uncertainty != nil {
				sigma = max(sigma, *cell.Uncertainty/columnScale*factor)
			}
			footprint := orb.Bound{
				Min: orb.Point{cell.Lon - halfLon, cell.Lat - halfLat},
				Max: orb.Point{cell.Lon + halfLon, cell.Lat + halfLat},
			}

			c.add(d.chunk, i, airquality.Observation{
				ID: observationID(s.cfg.Name, string(v), ts.Format("2006-01-02T15:04"),
					strconv.FormatFloat(cell.Lat, 'f', 4, 64), strconv.FormatFloat(cell.Lon, 'f', 4, 64)),
				Variable:    v,
				Lat:         cell.Lat,
				Lon:         cell.Lon,
				Timestamp:   ts,
				Value:       value,
				Uncertainty: max(sigma, 1),
				Footprint:   &footprint,
			})
		}
	}
	return c.batch, nil
}

func isColumnUnit(u string) bool {
	switch strings.ToLower(strings.ReplaceAll(u, " ", "")) {
	case "molecules/cm^2", "molecules/cm2", "molec/cm^2", "molec/cm2":
		return true
	}
	return false
}
