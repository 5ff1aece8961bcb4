package airquality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/i474232898/airquality-fusion/internal/cache"
	"github.com/i474232898/airquality-fusion/internal/geo"
	"github.com/i474232898/airquality-fusion/internal/metrics"
)

// ResultCache is the cache/staleness manager as seen by the service.
type ResultCache interface {
	GetOrCompute(ctx context.Context, key cache.Key, compute cache.ComputeFunc) (any, error)
	Peek(ctx context.Context, key cache.Key) (any, bool)
	Invalidate(pollutant string, region orb.Bound) int
	InvalidateIf(pollutant string, region orb.Bound, stale func(cache.Entry) bool) int
}

// Notifier observes every freshly computed fused estimate.
type Notifier interface {
	Observe(ctx context.Context, est FusedEstimate)
}

// ServiceConfig holds the query-side parameters of the pipeline.
type ServiceConfig struct {
	Pollutants []Variable
	Weather    []Variable

	CellPrecision int
	TimeBucket    time.Duration

	// FootprintPadKm widens store lookups so gridded cells whose centre lies
	// outside the radius are still considered.
	FootprintPadKm float64

	LagHours        int
	ChangeTolerance float64

	// Coverage restricts query points; nil accepts any point.
	Coverage *orb.Bound
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Pollutants:      []Variable{NO2, O3, PM25, PM10, SO2, CO},
		Weather:         []Variable{Temperature, Humidity, WindSpeed, Pressure, Precipitation},
		CellPrecision:   7,
		TimeBucket:      15 * time.Minute,
		FootprintPadKm:  15,
		LagHours:        24,
		ChangeTolerance: 0.05,
	}
}

// IngestReport summarizes one ingestion run of a source.
type IngestReport struct {
	Source      string         `json:"source"`
	Kind        SourceKind     `json:"kind"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	Processed   int            `json:"recordsProcessed"`
	Stored      int            `json:"recordsSuccessful"`
	Dropped     int            `json:"recordsDropped"`
	DropReasons map[string]int `json:"dropReasons,omitempty"`
	Unavailable []string       `json:"unavailable,omitempty"`
	Error       string         `json:"error,omitempty"`
	Invalidated int            `json:"cacheInvalidated,omitempty"`
}

// Ingestion statuses.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// AirQualityReport is the per-pollutant answer for a location.
type AirQualityReport struct {
	Point       QueryPoint                 `json:"point"`
	Estimates   map[Variable]FusedEstimate `json:"estimates"`
	Unavailable map[Variable]string        `json:"unavailable,omitempty"`
	AQI         int                        `json:"aqi"`
	Category    string                     `json:"category"`
	Dominant    Variable                   `json:"dominantPollutant,omitempty"`

	Recommendations []string `json:"recommendations"`
}

// Service ties sources, store, aligner, estimator, forecast engine and cache together.
// Ingestion and queries only meet in the store.
type Service struct {
	store     Store
	sources   []Source
	aligner   *Aligner
	estimator *Estimator
	engine    *ForecastEngine
	cache     ResultCache
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
	cfg       ServiceConfig

	mu       sync.RWMutex
	reports  map[string]IngestReport
	history  []IngestReport
	degraded map[string][]string
}

// historySize bounds the reports kept for RecentIngestions.
const historySize = 100

// Option configures optional Service collaborators.
type Option func(*Service)

// WithCache serves queries through a cache/staleness manager.
func WithCache(c ResultCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithNotifier hands every fresh estimate to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAligner(a *Aligner) Option {
	return func(s *Service) { s.aligner = a }
}

func WithEstimator(e *Estimator) Option {
	return func(s *Service) { s.estimator = e }
}

func WithForecastEngine(e *ForecastEngine) Option {
	return func(s *Service) { s.engine = e }
}

// NewService creates a new Service.
func NewService(store Store, sources []Source, cfg ServiceConfig, opts ...Option) *Service {
	s := &Service{
		store:     store,
		sources:   sources,
		aligner:   NewAligner(DefaultAlignConfig()),
		estimator: NewEstimator(DefaultFuseConfig()),
		engine:    NewForecastEngine(NewStatisticalModel(DefaultStatisticalConfig())),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg,
		reports:   make(map[string]IngestReport),
		degraded:  make(map[string][]string),
	}
	if s.cfg.CellPrecision <= 0 {
		s.cfg.CellPrecision = 7
	}
	if s.cfg.TimeBucket <= 0 {
		s.cfg.TimeBucket = 15 * time.Minute
	}
	if s.cfg.LagHours <= 0 {
		s.cfg.LagHours = 24
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// Sources returns the configured sources.
func (s *Service) Sources() []Source {
	return s.sources
}

// Pollutants returns the pollutants answered by CurrentAirQuality.
func (s *Service) Pollutants() []Variable {
	return s.cfg.Pollutants
}

// IngestAll runs every source concurrently. A failing source does not stop
// the others; its failure is in its report and in the joined error.
func (s *Service) IngestAll(ctx context.Context) ([]IngestReport, error) {
	if len(s.sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports = make([]IngestReport, 0, len(s.sources))
		errs    []error
	)
	for _, src := range s.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			r, err := s.Ingest(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, r)
			if err != nil {
				errs = append(errs, err)
			}
		}(src)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Source < reports[j].Source })
	return reports, errors.Join(errs...)
}

// Ingest fetches, normalizes and stores one source. Partially available
// feeds are processed and marked degraded; rejected records are counted by
// reason in the report.
func (s *Service) Ingest(ctx context.Context, src Source) (IngestReport, error) {
	report := IngestReport{Source: src.Name(), Kind: src.Kind(), StartedAt: s.now()}

	start := time.Now()
	raw, err := src.Fetch(ctx)
	metrics.FeedFetchDuration.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
	if err != nil && len(raw.Chunks) == 0 {
		s.markDegraded(src.Name(), []string{err.Error()})
		return s.finish(report, StatusFailed, err), err
	}
	report.Unavailable = raw.Unavailable
	if raw.Partial() {
		s.markDegraded(src.Name(), raw.Unavailable)
	} else {
		s.markDegraded(src.Name(), nil)
	}

	batch, err := src.Normalize(raw)
	if err != nil {
		return s.finish(report, StatusFailed, err), err
	}

	if err := s.accept(ctx, src.Name(), batch, &report); err != nil {
		return s.finish(report, StatusFailed, err), err
	}

	status := StatusCompleted
	if raw.Partial() {
		status = StatusPartial
		err = &FeedUnavailableError{Source: src.Name(), Failures: raw.Unavailable}
	}
	return s.finish(report, status, nil), err
}

// Submit ingests observations pushed directly, such as manual corrections.
func (s *Service) Submit(ctx context.Context, source string, obs []Observation) (IngestReport, error) {
	report := IngestReport{Source: source, StartedAt: s.now()}
	bounds := DefaultBounds()

	batch := Batch{}
	for i, o := range obs {
		if err := bounds.Check(o.Variable, o.Value); err != nil {
			batch.Dropped = append(batch.Dropped, Drop{Index: i, Reason: "out_of_range", Err: err})
			continue
		}
		if o.IsCorrection() {
			if _, err := s.store.Observation(ctx, o.Supersedes); err != nil {
				reason := "store_error"
				if errors.Is(err, ErrObservationNotFound) {
					reason = "unknown_supersedes"
				}
				batch.Dropped = append(batch.Dropped, Drop{Index: i, Reason: reason, Err: err})
				continue
			}
		}
		if o.IngestedAt.IsZero() {
			o.IngestedAt = s.now()
		}
		batch.Observations = append(batch.Observations, o)
	}
	if len(obs) > 0 {
		report.Kind = obs[0].Kind
	}

	if err := s.accept(ctx, source, batch, &report); err != nil {
		return s.finish(report, StatusFailed, err), err
	}
	return s.finish(report, StatusCompleted, nil), nil
}

func (s *Service) accept(ctx context.Context, source string, batch Batch, report *IngestReport) error {
	report.Processed = len(batch.Observations) + len(batch.Dropped)
	report.Dropped = len(batch.Dropped)
	if len(batch.Dropped) > 0 {
		report.DropReasons = make(map[string]int)
		for _, d := range batch.Dropped {
			report.DropReasons[d.Reason]++
			metrics.RecordsDropped.WithLabelValues(source, d.Reason).Inc()
			s.logger.Debug("record dropped",
				zap.String("source", source),
				zap.Int("chunk", d.Chunk),
				zap.Int("index", d.Index),
				zap.String("reason", d.Reason),
				zap.Error(d.Err))
		}
		s.logger.Warn("records dropped during normalization",
			zap.String("source", source),
			zap.Int("dropped", len(batch.Dropped)),
			zap.Any("reasons", report.DropReasons))
	}

	if len(batch.Observations) == 0 {
		return nil
	}
	if err := s.store.Append(ctx, batch.Observations...); err != nil {
		return fmt.Errorf("store observations from %s: %w", source, err)
	}
	report.Stored = len(batch.Observations)
	metrics.ObservationsIngested.WithLabelValues(source).Add(float64(len(batch.Observations)))

	report.Invalidated = s.refreshCache(ctx, batch.Observations)
	return nil
}

// refreshCache invalidates entries around corrections unconditionally and
// entries whose fused value moved beyond the change tolerance otherwise.
func (s *Service) refreshCache(ctx context.Context, obs []Observation) int {
	if s.cache == nil {
		return 0
	}
	pad := s.aligner.Config().RadiusKm + s.aligner.Config().QuerySupportKm

	regions := make(map[Variable]orb.Bound)
	invalidated := 0
	for _, o := range obs {
		if !o.Variable.IsPollutant() {
			// Weather only feeds forecasts as covariates.
			if o.IsCorrection() {
				invalidated += s.cache.InvalidateIf("", s.observationRegion(o, pad), isForecast)
			}
			continue
		}
		region := s.observationRegion(o, pad)
		if o.IsCorrection() {
			invalidated += s.cache.Invalidate(string(o.Variable), region)
			continue
		}
		if b, ok := regions[o.Variable]; ok {
			regions[o.Variable] = b.Union(region)
		} else {
			regions[o.Variable] = region
		}
	}
	if s.cfg.ChangeTolerance <= 0 {
		return invalidated
	}

	for v, region := range regions {
		invalidated += s.cache.InvalidateIf(string(v), region, func(e cache.Entry) bool {
			return s.changedBeyondTolerance(ctx, v, e)
		})
	}
	return invalidated
}

func isForecast(e cache.Entry) bool {
	return e.Key.Kind == cache.KindForecast
}

func (s *Service) observationRegion(o Observation, padKm float64) orb.Bound {
	if o.Footprint != nil {
		lo := geo.BoundAround(o.Footprint.Min.Lat(), o.Footprint.Min.Lon(), padKm)
		hi := geo.BoundAround(o.Footprint.Max.Lat(), o.Footprint.Max.Lon(), padKm)
		return lo.Union(hi)
	}
	return geo.BoundAround(o.Lat, o.Lon, padKm)
}

func (s *Service) changedBeyondTolerance(ctx context.Context, v Variable, e cache.Entry) bool {
	if e.Key.Kind != cache.KindFused {
		return false
	}
	old, ok := e.Payload.(FusedEstimate)
	if !ok {
		return true
	}
	fresh, err := s.computeEstimate(ctx, v, old.Point)
	if err != nil {
		return true
	}
	scale := math.Max(math.Abs(old.Value), 1e-9)
	return math.Abs(fresh.Value-old.Value)/scale > s.cfg.ChangeTolerance
}

func (s *Service) finish(report IngestReport, status string, err error) IngestReport {
	report.Status = status
	report.FinishedAt = s.now()
	if err != nil {
		report.Error = err.Error()
	}
	metrics.FeedFetches.WithLabelValues(report.Source, status).Inc()

	s.mu.Lock()
	s.reports[report.Source] = report
	s.history = append(s.history, report)
	if len(s.history) > historySize {
		s.history = append(s.history[:0:0], s.history[len(s.history)-historySize:]...)
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("source", report.Source),
		zap.String("status", status),
		zap.Int("processed", report.Processed),
		zap.Int("stored", report.Stored),
		zap.Int("dropped", report.Dropped),
	}
	switch status {
	case StatusFailed:
		s.logger.Error("ingestion failed", append(fields, zap.Error(err))...)
	case StatusPartial:
		s.logger.Warn("ingestion partial", append(fields, zap.Strings("unavailable", report.Unavailable))...)
	default:
		s.logger.Info("ingestion completed", fields...)
	}
	return report
}

func (s *Service) markDegraded(source string, failures []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(failures) == 0 {
		delete(s.degraded, source)
		return
	}
	s.degraded[source] = append([]string(nil), failures...)
}

func (s *Service) degradedFeeds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.degraded))
	for src, failures := range s.degraded {
		for _, f := range failures {
			out = append(out, src+": "+f)
		}
	}
	sort.Strings(out)
	return out
}

// FeedStatus returns the latest report per source, sorted by name.
func (s *Service) FeedStatus() []IngestReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IngestReport, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// RecentIngestions returns up to limit reports of any source, newest first.
func (s *Service) RecentIngestions(limit int) []IngestReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]IngestReport, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// CurrentEstimate returns the fused estimate of one pollutant at q. The
// point is snapped to its cache cell and the time to its bucket, so every
// caller within a bucket sees the same value.
func (s *Service) CurrentEstimate(ctx context.Context, pollutant Variable, q QueryPoint) (FusedEstimate, error) {
	if err := s.checkCoverage(q); err != nil {
		return FusedEstimate{}, err
	}
	key, snapped, err := s.key(cache.KindFused, pollutant, q, 0)
	if err != nil {
		return FusedEstimate{}, err
	}

	compute := func(ctx context.Context) (any, error) {
		est, err := s.computeEstimate(ctx, pollutant, snapped)
		if err != nil {
			return nil, err
		}
		if err := s.store.SaveEstimate(ctx, est); err != nil {
			s.logger.Warn("persist fused estimate failed", zap.String("pollutant", string(pollutant)), zap.Error(err))
		}
		if s.notifier != nil {
			s.notifier.Observe(ctx, est)
		}
		return est, nil
	}

	if s.cache == nil {
		v, err := compute(ctx)
		if err != nil {
			return FusedEstimate{}, err
		}
		return v.(FusedEstimate), nil
	}
	if est, ok := s.cachedCurrent(ctx, key); ok {
		return est, nil
	}
	v, err := s.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return FusedEstimate{}, err
	}
	return v.(FusedEstimate), nil
}

// cachedCurrent answers a query for the current bucket from the previous
// bucket's entry while that entry is unexpired, so crossing a bucket
// boundary alone never changes the answer.
func (s *Service) cachedCurrent(ctx context.Context, key cache.Key) (FusedEstimate, bool) {
	if !key.Bucket.Equal(s.now().UTC().Truncate(s.cfg.TimeBucket)) {
		return FusedEstimate{}, false
	}
	prev := key
	prev.Bucket = key.Bucket.Add(-s.cfg.TimeBucket)
	for _, k := range []cache.Key{key, prev} {
		if v, ok := s.cache.Peek(ctx, k); ok {
			if est, ok := v.(FusedEstimate); ok {
				return est, true
			}
		}
	}
	return FusedEstimate{}, false
}

// CurrentAirQuality fuses every configured pollutant at the location.
// Pollutants without data are listed in Unavailable; when none has data the
// call fails with ErrNoDataAvailable. Point.Time is the latest time bucket
// among the estimates.
func (s *Service) CurrentAirQuality(ctx context.Context, lat, lon float64) (AirQualityReport, error) {
	q := QueryPoint{Lat: lat, Lon: lon, Time: s.now()}
	if err := s.checkCoverage(q); err != nil {
		return AirQualityReport{}, err
	}

	report := AirQualityReport{
		Point:       q,
		Estimates:   make(map[Variable]FusedEstimate),
		Unavailable: make(map[Variable]string),
	}
	for _, p := range s.cfg.Pollutants {
		est, err := s.CurrentEstimate(ctx, p, q)
		switch {
		case err == nil:
			report.Estimates[p] = est
			if est.Point.Time.After(report.Point.Time) || len(report.Estimates) == 1 {
				report.Point.Time = est.Point.Time
			}
			if est.AQI > report.AQI || report.Dominant == "" {
				report.AQI = est.AQI
				report.Dominant = p
			}
		case errors.Is(err, ErrInsufficientData):
			report.Unavailable[p] = ErrNoDataAvailable.Error()
		default:
			return AirQualityReport{}, fmt.Errorf("fuse %s: %w", p, err)
		}
	}

	if len(report.Estimates) == 0 {
		return AirQualityReport{}, fmt.Errorf("%w at (%.4f, %.4f)", ErrNoDataAvailable, lat, lon)
	}
	report.Category = Category(report.AQI)
	report.Recommendations = HealthAdvice(report.AQI)
	return report, nil
}

// Forecast predicts the pollutant at the location for hours 1..horizon.
func (s *Service) Forecast(ctx context.Context, lat, lon float64, pollutant Variable, horizon int) (ForecastSeries, error) {
	if horizon < 1 || horizon > MaxHorizonHours {
		return ForecastSeries{}, fmt.Errorf("%w: got %d", ErrInvalidHorizon, horizon)
	}
	q := QueryPoint{Lat: lat, Lon: lon, Time: s.now()}
	if err := s.checkCoverage(q); err != nil {
		return ForecastSeries{}, err
	}
	key, snapped, err := s.key(cache.KindForecast, pollutant, q, horizon)
	if err != nil {
		return ForecastSeries{}, err
	}

	compute := func(ctx context.Context) (any, error) {
		return s.computeForecast(ctx, pollutant, snapped, horizon)
	}
	if s.cache == nil {
		v, err := compute(ctx)
		if err != nil {
			return ForecastSeries{}, err
		}
		return v.(ForecastSeries), nil
	}
	v, err := s.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return ForecastSeries{}, err
	}
	return v.(ForecastSeries), nil
}

// EstimateHistory returns the fused estimates saved for the cache cell of
// (lat, lon) over the last hours, oldest first.
func (s *Service) EstimateHistory(ctx context.Context, pollutant Variable, lat, lon float64, hours int) ([]FusedEstimate, error) {
	now := s.now()
	if err := s.checkCoverage(QueryPoint{Lat: lat, Lon: lon, Time: now}); err != nil {
		return nil, err
	}
	cell, err := geo.Decode(geo.Encode(lat, lon, s.cfg.CellPrecision))
	if err != nil {
		return nil, err
	}
	out, err := s.store.Estimates(ctx, ObservationQuery{
		Variable: pollutant,
		Bound:    cell,
		From:     now.Add(-time.Duration(hours) * time.Hour),
		To:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s estimates: %w", pollutant, err)
	}
	return out, nil
}

func (s *Service) computeEstimate(ctx context.Context, pollutant Variable, q QueryPoint) (FusedEstimate, error) {
	start := time.Now()
	defer func() { metrics.FusionDuration.Observe(time.Since(start).Seconds()) }()

	window := s.aligner.Config().Window
	obs, err := s.store.Observations(ctx, s.lookupQuery(pollutant, q, q.Time.Add(-window), q.Time.Add(window)))
	if err != nil {
		return FusedEstimate{}, fmt.Errorf("load %s observations: %w", pollutant, err)
	}

	est, err := s.estimator.Fuse(pollutant, q, s.aligner.Align(q, obs), s.now())
	if err != nil {
		return FusedEstimate{}, err
	}
	est.Degraded = s.degradedFeeds()
	metrics.FusionInputs.Observe(float64(len(est.Contributors)))
	return est, nil
}

// fuseSeries fuses one variable at q for each instant in times, loading the
// observations once. Instants without data are skipped.
func (s *Service) fuseSeries(ctx context.Context, v Variable, q QueryPoint, times []time.Time) ([]FusedEstimate, error) {
	if len(times) == 0 {
		return nil, nil
	}
	window := s.aligner.Config().Window
	obs, err := s.store.Observations(ctx, s.lookupQuery(v, q, times[0].Add(-window), times[len(times)-1].Add(window)))
	if err != nil {
		return nil, fmt.Errorf("load %s observations: %w", v, err)
	}

	out := make([]FusedEstimate, 0, len(times))
	for _, t := range times {
		at := QueryPoint{Lat: q.Lat, Lon: q.Lon, Time: t}
		est, err := s.estimator.Fuse(v, at, s.aligner.Align(at, obs), s.now())
		if errors.Is(err, ErrInsufficientData) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, est)
	}
	return out, nil
}

func (s *Service) computeForecast(ctx context.Context, pollutant Variable, q QueryPoint, horizon int) (ForecastSeries, error) {
	start := time.Now()
	defer func() { metrics.ForecastDuration.Observe(time.Since(start).Seconds()) }()

	base := q.Time.Truncate(time.Hour)

	past := make([]time.Time, 0, s.cfg.LagHours)
	for i := s.cfg.LagHours - 1; i >= 0; i-- {
		past = append(past, base.Add(-time.Duration(i)*time.Hour))
	}
	history, err := s.fuseSeries(ctx, pollutant, q, past)
	if err != nil {
		return ForecastSeries{}, err
	}

	ahead := make([]time.Time, 0, horizon+1)
	for h := 0; h <= horizon; h++ {
		ahead = append(ahead, base.Add(time.Duration(h)*time.Hour))
	}
	covariates, err := s.covariates(ctx, q, ahead)
	if err != nil {
		return ForecastSeries{}, err
	}

	series, err := s.engine.Forecast(q, pollutant, horizon, history, covariates)
	if err != nil {
		return ForecastSeries{}, err
	}
	return series, nil
}

// covariates fuses each weather variable at the given instants. Instants
// with no weather data at all are omitted; the model falls back to the last
// known conditions.
func (s *Service) covariates(ctx context.Context, q QueryPoint, times []time.Time) ([]WeatherCovariates, error) {
	byTime := make(map[time.Time]map[Variable]float64)
	for _, v := range s.cfg.Weather {
		series, err := s.fuseSeries(ctx, v, q, times)
		if err != nil {
			return nil, err
		}
		for _, est := range series {
			t := est.Point.Time
			if byTime[t] == nil {
				byTime[t] = make(map[Variable]float64)
			}
			byTime[t][v] = est.Value
		}
	}

	out := make([]WeatherCovariates, 0, len(byTime))
	for t, values := range byTime {
		out = append(out, WeatherCovariates{Time: t, Values: values})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Service) lookupQuery(v Variable, q QueryPoint, from, to time.Time) ObservationQuery {
	return ObservationQuery{
		Variable: v,
		Bound:    geo.BoundAround(q.Lat, q.Lon, s.aligner.Config().RadiusKm+s.cfg.FootprintPadKm),
		From:     from,
		To:       to,
	}
}

func (s *Service) key(kind cache.Kind, pollutant Variable, q QueryPoint, horizon int) (cache.Key, QueryPoint, error) {
	cell := geo.Encode(q.Lat, q.Lon, s.cfg.CellPrecision)
	lat, lon, err := geo.Center(cell)
	if err != nil {
		return cache.Key{}, QueryPoint{}, err
	}
	bucket := q.Time.UTC().Truncate(s.cfg.TimeBucket)
	key := cache.Key{Kind: kind, Cell: cell, Pollutant: string(pollutant), Bucket: bucket, Horizon: horizon}
	return key, QueryPoint{Lat: lat, Lon: lon, Time: bucket}, nil
}

func (s *Service) checkCoverage(q QueryPoint) error {
	if q.Lat < -90 || q.Lat > 90 || q.Lon < -180 || q.Lon > 180 {
		return fmt.Errorf("%w: invalid coordinates (%.4f, %.4f)", ErrOutsideCoverage, q.Lat, q.Lon)
	}
	if s.cfg.Coverage != nil && !s.cfg.Coverage.Contains(geo.Point(q.Lat, q.Lon)) {
		return fmt.Errorf("%w: (%.4f, %.4f)", ErrOutsideCoverage, q.Lat, q.Lon)
	}
	return nil
}

// DecodeCached restores a mirrored cache payload to its concrete type.
func DecodeCached(kind cache.Kind, data []byte) (any, error) {
	switch kind {
	case cache.KindFused:
		var est FusedEstimate
		if err := json.Unmarshal(data, &est); err != nil {
			return nil, err
		}
		return est, nil
	case cache.KindForecast:
		var series ForecastSeries
		if err := json.Unmarshal(data, &series); err != nil {
			return nil, err
		}
		return series, nil
	}
	return nil, fmt.Errorf("unknown cache kind %q", kind)
}
