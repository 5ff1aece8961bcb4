package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/i474232898/airquality-fusion/internal/airquality"
	"github.com/i474232898/airquality-fusion/internal/metrics"
	"github.com/i474232898/airquality-fusion/internal/notify"
)

var validate = validator.New()

// Trigger runs one feed outside its schedule.
type Trigger interface {
	Trigger(ctx context.Context, source string) (airquality.IngestReport, error)
}

// Alerts hands out live threshold events.
type Alerts interface {
	Subscribe(buffer int) (<-chan notify.Event, func())
}

type routeOptions struct {
	trigger   Trigger
	alerts    Alerts
	keepAlive time.Duration
}

// RouteOption enables optional endpoints.
type RouteOption func(*routeOptions)

// WithTrigger exposes POST /api/v1/feeds/:source/ingest.
func WithTrigger(t Trigger) RouteOption {
	return func(o *routeOptions) { o.trigger = t }
}

// WithAlerts exposes GET /api/v1/alerts/stream as server-sent events.
func WithAlerts(a Alerts) RouteOption {
	return func(o *routeOptions) { o.alerts = a }
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *airquality.Service, opts ...RouteOption) {
	o := routeOptions{keepAlive: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "airquality-fusion",
		})
	})
	app.Get("/metrics", metrics.Handler())

	v1 := app.Group("/api/v1")

	v1.Get("/air-quality/current", func(c *fiber.Ctx) error {
		var req currentQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		if req.Pollutant == "" {
			report, err := service.CurrentAirQuality(c.UserContext(), req.Lat, req.Lon)
			if err != nil {
				return err
			}
			return c.JSON(report)
		}

		pollutant, err := parsePollutant(service, req.Pollutant)
		if err != nil {
			return err
		}
		at := req.At
		if at.IsZero() {
			at = service.Now()
		}
		est, err := service.CurrentEstimate(c.UserContext(), pollutant, airquality.QueryPoint{Lat: req.Lat, Lon: req.Lon, Time: at})
		if err != nil {
			return err
		}
		return c.JSON(est)
	})

	v1.Get("/air-quality/forecast", func(c *fiber.Ctx) error {
		var req forecastQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		pollutant, err := parsePollutant(service, req.Pollutant)
		if err != nil {
			return err
		}

		series, err := service.Forecast(c.UserContext(), req.Lat, req.Lon, pollutant, req.Hours)
		if err != nil {
			return err
		}
		return c.JSON(series)
	})

	v1.Post("/air-quality/observations", func(c *fiber.Ctx) error {
		var req submitRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		obs, err := req.observations()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		report, err := service.Submit(c.UserContext(), req.Source, obs)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(report)
	})

	v1.Get("/air-quality/history", func(c *fiber.Ctx) error {
		var req historyQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		pollutant, err := parsePollutant(service, req.Pollutant)
		if err != nil {
			return err
		}
		estimates, err := service.EstimateHistory(c.UserContext(), pollutant, req.Lat, req.Lon, req.Hours)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"pollutant": pollutant,
			"hours":     req.Hours,
			"estimates": estimates,
		})
	})

	v1.Get("/feeds/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"feeds": service.FeedStatus(),
		})
	})

	v1.Get("/feeds/history", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 10)
		if limit < 1 || limit > 100 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 100")
		}
		return c.JSON(fiber.Map{
			"results": service.RecentIngestions(limit),
		})
	})

	if o.trigger != nil {
		v1.Post("/feeds/:source/ingest", func(c *fiber.Ctx) error {
			report, err := o.trigger.Trigger(c.UserContext(), c.Params("source"))
			if err != nil {
				return err
			}
			if report.Status == airquality.StatusFailed {
				return c.Status(fiber.StatusBadGateway).JSON(report)
			}
			return c.JSON(report)
		})
	}

	if o.alerts != nil {
		v1.Get("/alerts/stream", func(c *fiber.Ctx) error {
			c.Set("Content-Type", "text/event-stream")
			c.Set("Cache-Control", "no-cache")
			c.Set("Connection", "keep-alive")

			events, unsubscribe := o.alerts.Subscribe(64)
			c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
				defer unsubscribe()
				ticker := time.NewTicker(o.keepAlive)
				defer ticker.Stop()
				_ = writeEvents(w, events, ticker.C)
			})
			return nil
		})
	}
}

// writeEvents streams events as server-sent events until the channel closes
// or the client goes away. Each tick sends a comment line to keep proxies
// from closing an idle connection.
func writeEvents(w *bufio.Writer, events <-chan notify.Event, tick <-chan time.Time) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: threshold\ndata: %s\n\n", ev.ID, data); err != nil {
				return err
			}
		case <-tick:
			if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// ErrorHandler maps domain errors onto status codes and a uniform JSON body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code, message = fe.Code, fe.Message
	case errors.Is(err, airquality.ErrInvalidHorizon), errors.Is(err, airquality.ErrOutsideCoverage):
		code, message = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, airquality.ErrInsufficientHistory):
		code, message = fiber.StatusNotFound, "insufficient history"
	case errors.Is(err, airquality.ErrNoDataAvailable), errors.Is(err, airquality.ErrInsufficientData):
		code, message = fiber.StatusNotFound, "no data available"
	case errors.Is(err, airquality.ErrUnknownSource):
		code, message = fiber.StatusNotFound, err.Error()
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}

func parsePollutant(service *airquality.Service, name string) (airquality.Variable, error) {
	v, err := airquality.ParseVariable(name)
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	for _, p := range service.Pollutants() {
		if p == v {
			return v, nil
		}
	}
	return "", fiber.NewError(fiber.StatusBadRequest, "pollutant "+string(v)+" is not served")
}

// locationQuery holds the coordinates every query endpoint takes.
type locationQuery struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lon float64 `validate:"gte=-180,lte=180"`
}

func (l *locationQuery) bind(c *fiber.Ctx) error {
	latStr, lonStr := c.Query("lat"), c.Query("lon")
	if latStr == "" || lonStr == "" {
		return errors.New("lat and lon query parameters are required")
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return errors.New("lat must be a number")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return errors.New("lon must be a number")
	}
	l.Lat, l.Lon = lat, lon
	return validate.Struct(l)
}

type currentQuery struct {
	locationQuery
	Pollutant string
	At        time.Time
}

func (q *currentQuery) bind(c *fiber.Ctx) error {
	if err := q.locationQuery.bind(c); err != nil {
		return err
	}
	q.Pollutant = c.Query("pollutant")
	if at := c.Query("at"); at != "" {
		ts, err := parseTime(at)
		if err != nil {
			return err
		}
		q.At = ts
	}
	return nil
}

type forecastQuery struct {
	locationQuery
	Pollutant string `validate:"required"`
	Hours     int    `validate:"min=1,max=72"`
}

func (q *forecastQuery) bind(c *fiber.Ctx) error {
	if err := q.locationQuery.bind(c); err != nil {
		return err
	}
	q.Pollutant = c.Query("pollutant")
	q.Hours = 24
	if h := c.Query("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil {
			return errors.New("hours must be an integer")
		}
		q.Hours = n
	}
	return validate.Struct(q)
}

type historyQuery struct {
	locationQuery
	Pollutant string `validate:"required"`
	Hours     int    `validate:"min=1,max=168"`
}

func (q *historyQuery) bind(c *fiber.Ctx) error {
	if err := q.locationQuery.bind(c); err != nil {
		return err
	}
	q.Pollutant = c.Query("pollutant")
	q.Hours = 24
	if h := c.Query("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil {
			return errors.New("hours must be an integer")
		}
		q.Hours = n
	}
	return validate.Struct(q)
}

// submitRequest is a batch of observations pushed by an operator or an
// upstream QA process, typically corrections.
type submitRequest struct {
	Source       string              `json:"source" validate:"required"`
	Observations []observationFields `json:"observations" validate:"required,min=1,dive"`
}

type observationFields struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind" validate:"omitempty,oneof=ground satellite weather"`
	Variable    string    `json:"variable" validate:"required"`
	Lat         float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lon         float64   `json:"lon" validate:"gte=-180,lte=180"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
	Uncertainty float64   `json:"uncertainty" validate:"gt=0"`
	Supersedes  string    `json:"supersedes"`
}

func (r submitRequest) observations() ([]airquality.Observation, error) {
	out := make([]airquality.Observation, 0, len(r.Observations))
	for _, f := range r.Observations {
		v, err := airquality.ParseVariable(f.Variable)
		if err != nil {
			return nil, err
		}
		unit := airquality.CanonicalUnit(v)
		if f.Unit != "" && !strings.EqualFold(f.Unit, string(unit)) {
			return nil, errors.New("unit for " + string(v) + " must be " + string(unit))
		}
		kind := airquality.SourceGround
		if f.Kind != "" {
			kind = airquality.SourceKind(f.Kind)
		}
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, airquality.Observation{
			ID:          id,
			Kind:        kind,
			Source:      r.Source,
			Variable:    v,
			Lat:         f.Lat,
			Lon:         f.Lon,
			Timestamp:   f.Timestamp.UTC(),
			Value:       f.Value,
			Unit:        unit,
			Uncertainty: f.Uncertainty,
			Supersedes:  f.Supersedes,
		})
	}
	return out, nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
