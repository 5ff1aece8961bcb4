package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/airquality-fusion/internal/airquality"
	"github.com/i474232898/airquality-fusion/internal/geo"
	"github.com/i474232898/airquality-fusion/internal/metrics"
)

// Direction of a threshold crossing.
type Direction string

const (
	Rising  Direction = "rising"
	Falling Direction = "falling"
)

// Event is emitted when a fused AQI crosses a threshold.
type Event struct {
	ID          string              `json:"id"`
	Pollutant   airquality.Variable `json:"pollutant"`
	Lat         float64             `json:"lat"`
	Lon         float64             `json:"lon"`
	Cell        string              `json:"cell"`
	Threshold   int                 `json:"threshold"`
	Direction   Direction           `json:"direction"`
	PreviousAQI int                 `json:"previousAqi"`
	AQI         int                 `json:"aqi"`
	Category    string              `json:"category"`
	Value       float64             `json:"value"`
	Unit        airquality.Unit     `json:"unit"`
	ObservedAt  time.Time           `json:"observedAt"`
	EmittedAt   time.Time           `json:"emittedAt"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

type stateKey struct {
	cell      string
	pollutant airquality.Variable
}

type state struct {
	aqi int
	at  time.Time
}

// Detector tracks the last AQI per cell and pollutant and publishes an event
// whenever a new estimate moves it across a threshold.
type Detector struct {
	thresholds  []int
	precision   int
	sinks       []Sink
	sinkTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu   sync.Mutex
	last map[stateKey]state
}

type Option func(*Detector)

func WithThresholds(t []int) Option {
	return func(d *Detector) {
		d.thresholds = append([]int(nil), t...)
		sort.Ints(d.thresholds)
	}
}

// WithCellPrecision sets the geohash precision estimates are grouped by.
func WithCellPrecision(p int) Option {
	return func(d *Detector) { d.precision = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithSinkTimeout(t time.Duration) Option {
	return func(d *Detector) { d.sinkTimeout = t }
}

func NewDetector(sinks []Sink, opts ...Option) *Detector {
	d := &Detector{
		thresholds:  append([]int(nil), airquality.DefaultThresholds...),
		precision:   7,
		sinks:       sinks,
		sinkTimeout: 2 * time.Second,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		last:        make(map[stateKey]state),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe implements airquality.Notifier. Estimates without an AQI are
// ignored, as are estimates older than the last one seen for the cell. A cell
// seen for the first time starts from AQI 0.
func (d *Detector) Observe(ctx context.Context, est airquality.FusedEstimate) {
	if est.Category == "" {
		return
	}
	cell := geo.Encode(est.Point.Lat, est.Point.Lon, d.precision)
	key := stateKey{cell: cell, pollutant: est.Pollutant}

	d.mu.Lock()
	prev, seen := d.last[key]
	if seen && est.Point.Time.Before(prev.at) {
		d.mu.Unlock()
		return
	}
	d.last[key] = state{aqi: est.AQI, at: est.Point.Time}
	d.mu.Unlock()

	threshold, dir, crossed := d.crossing(prev.aqi, est.AQI)
	if !crossed {
		return
	}

	ev := Event{
		ID:          uuid.NewString(),
		Pollutant:   est.Pollutant,
		Lat:         est.Point.Lat,
		Lon:         est.Point.Lon,
		Cell:        cell,
		Threshold:   threshold,
		Direction:   dir,
		PreviousAQI: prev.aqi,
		AQI:         est.AQI,
		Category:    est.Category,
		Value:       est.Value,
		Unit:        est.Unit,
		ObservedAt:  est.Point.Time,
		EmittedAt:   d.now(),
	}
	metrics.ThresholdEvents.WithLabelValues(string(ev.Pollutant), string(ev.Direction)).Inc()
	d.logger.Info("aqi threshold crossed",
		zap.String("pollutant", string(ev.Pollutant)),
		zap.String("cell", ev.Cell),
		zap.String("direction", string(ev.Direction)),
		zap.Int("threshold", ev.Threshold),
		zap.Int("previous_aqi", ev.PreviousAQI),
		zap.Int("aqi", ev.AQI))

	d.publish(ctx, ev)
}

// crossing reports the threshold a move from prev to cur crossed. When several
// are crossed at once a rise reports the highest and a fall the lowest.
func (d *Detector) crossing(prev, cur int) (int, Direction, bool) {
	from, to := d.level(prev), d.level(cur)
	switch {
	case to > from:
		return d.thresholds[to-1], Rising, true
	case to < from:
		return d.thresholds[to], Falling, true
	}
	return 0, "", false
}

// level counts the thresholds at or below aqi.
func (d *Detector) level(aqi int) int {
	return sort.Search(len(d.thresholds), func(i int) bool { return d.thresholds[i] > aqi })
}

func (d *Detector) publish(ctx context.Context, ev Event) {
	var errs []error
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
		err := sink.Publish(sctx, ev)
		cancel()
		if err != nil {
			metrics.SinkFailures.WithLabelValues(sink.Name()).Inc()
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("threshold event delivery failed",
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}
