package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/airquality-fusion/internal/geo"
	"github.com/i474232898/airquality-fusion/internal/metrics"
)

// ComputeFunc produces the payload for a missing key.
type ComputeFunc func(ctx context.Context) (any, error)

// Decoder turns a mirrored JSON payload back into the value the caller cached.
type Decoder func(kind Kind, data []byte) (any, error)

// Mirror is a shared second tier (Redis in production). Scan returns the
// keys matching a glob pattern.
type Mirror interface {
	Get(ctx context.Context, key string) (data []byte, ttl time.Duration, found bool, err error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, match string) ([]string, error)
}

// Entry is one cached payload. ValidUntil is always after CreatedAt.
type Entry struct {
	Key        Key
	Payload    any
	CreatedAt  time.Time
	ValidUntil time.Time
}

// flight is one running computation. An invalidation that covers its key
// marks it stale so its result is returned but not stored.
type flight struct {
	stale bool
}

// Manager serves cached fused estimates and forecasts, computing each
// missing key at most once at a time.
type Manager struct {
	mu       sync.Mutex
	entries  map[Key]Entry
	inflight map[Key]*flight
	group    singleflight.Group

	policy Policy
	clock  Clock
	mirror Mirror
	decode Decoder
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMirror adds a shared second tier. decode is required to read it back.
func WithMirror(mirror Mirror, decode Decoder) Option {
	return func(m *Manager) {
		m.mirror = mirror
		m.decode = decode
	}
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager. The policy is clamped into its allowed bands.
func New(policy Policy, opts ...Option) *Manager {
	m := &Manager{
		entries:  make(map[Key]Entry),
		inflight: make(map[Key]*flight),
		policy:   policy.Normalize(),
		clock:    SystemClock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the effective TTL policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// GetOrCompute returns the unexpired payload for key, or runs compute.
// Concurrent callers for the same key share one compute call. Errors are
// returned to every waiting caller and never cached.
func (m *Manager) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (any, error) {
	if v, ok := m.lookup(key); ok {
		metrics.CacheHits.WithLabelValues(string(key.Kind), "local").Inc()
		return v, nil
	}

	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		// Another flight may have finished between the lookup and Do.
		if v, ok := m.lookup(key); ok {
			metrics.CacheHits.WithLabelValues(string(key.Kind), "local").Inc()
			return v, nil
		}
		f := m.begin(key)
		defer m.end(key, f)

		if v, ok := m.fromMirror(ctx, key, f); ok {
			metrics.CacheHits.WithLabelValues(string(key.Kind), "mirror").Inc()
			return v, nil
		}

		metrics.CacheMisses.WithLabelValues(string(key.Kind)).Inc()
		v, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.put(ctx, key, v, f)
		return v, nil
	})
	return v, err
}

// Peek returns the unexpired payload for key from either tier without
// computing anything.
func (m *Manager) Peek(ctx context.Context, key Key) (any, bool) {
	if v, ok := m.lookup(key); ok {
		metrics.CacheHits.WithLabelValues(string(key.Kind), "local").Inc()
		return v, true
	}
	if v, ok := m.fromMirror(ctx, key, nil); ok {
		metrics.CacheHits.WithLabelValues(string(key.Kind), "mirror").Inc()
		return v, true
	}
	return nil, false
}

// Invalidate drops every entry of the pollutant whose cell intersects
// region, locally and in the mirror. An empty pollutant matches all
// pollutants.
func (m *Manager) Invalidate(pollutant string, region orb.Bound) int {
	return m.InvalidateIf(pollutant, region, nil)
}

// InvalidateIf is Invalidate restricted to entries for which stale returns
// true. stale runs without the manager lock held. Computations running for
// a matching key are abandoned whatever stale says.
func (m *Manager) InvalidateIf(pollutant string, region orb.Bound, stale func(Entry) bool) int {
	m.mu.Lock()
	candidates := make([]Entry, 0)
	for k, e := range m.entries {
		if matches(k, pollutant, region) {
			candidates = append(candidates, e)
		}
	}
	m.abandonLocked(pollutant, region)
	m.mu.Unlock()

	remote := m.remoteVictims(pollutant, region, candidates, stale)

	victims := candidates
	if stale != nil {
		victims = candidates[:0]
		for _, e := range candidates {
			if stale(e) {
				victims = append(victims, e)
			}
		}
	}

	m.mu.Lock()
	removed := make([]string, 0, len(victims)+len(remote))
	for _, e := range victims {
		// Skip entries replaced while stale was running.
		if cur, ok := m.entries[e.Key]; ok && cur.CreatedAt.Equal(e.CreatedAt) {
			delete(m.entries, e.Key)
			metrics.CacheInvalidations.WithLabelValues(string(e.Key.Kind)).Inc()
			removed = append(removed, e.Key.String())
		}
	}
	m.mu.Unlock()
	for _, k := range remote {
		metrics.CacheInvalidations.WithLabelValues(string(k.Kind)).Inc()
		removed = append(removed, k.String())
	}

	m.dropMirrored(removed)
	return len(removed)
}

// Sweep removes expired entries and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.ValidUntil) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len is the number of stored entries, expired ones included until swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) lookup(key Key) (any, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.ValidUntil) {
		delete(m.entries, key)
		return nil, false
	}
	return e.Payload, true
}

func (m *Manager) begin(key Key) *flight {
	f := &flight{}
	m.mu.Lock()
	m.inflight[key] = f
	m.mu.Unlock()
	return f
}

func (m *Manager) end(key Key, f *flight) {
	m.mu.Lock()
	if m.inflight[key] == f {
		delete(m.inflight, key)
	}
	m.mu.Unlock()
}

// abandonLocked marks matching flights stale and detaches them from the
// single-flight group so later callers start a fresh computation.
func (m *Manager) abandonLocked(pollutant string, region orb.Bound) {
	for k, f := range m.inflight {
		if !matches(k, pollutant, region) {
			continue
		}
		f.stale = true
		delete(m.inflight, k)
		m.group.Forget(k.String())
	}
}

func (m *Manager) put(ctx context.Context, key Key, v any, f *flight) {
	now := m.clock.Now()
	ttl := m.policy.TTL(key.Kind)

	m.mu.Lock()
	if f.stale {
		m.mu.Unlock()
		return
	}
	m.entries[key] = Entry{Key: key, Payload: v, CreatedAt: now, ValidUntil: now.Add(ttl)}
	m.mu.Unlock()

	if m.mirror == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("cache mirror encode failed", zap.String("key", key.String()), zap.Error(err))
		return
	}
	if err := m.mirror.Set(ctx, key.String(), data, ttl); err != nil {
		m.logger.Warn("cache mirror write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// fromMirror loads key from the mirror into the local tier. A nil flight
// stores unconditionally.
func (m *Manager) fromMirror(ctx context.Context, key Key, f *flight) (any, bool) {
	e, ok := m.readMirror(ctx, key)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f != nil && f.stale {
		return nil, false
	}
	m.entries[key] = e
	return e.Payload, true
}

func (m *Manager) readMirror(ctx context.Context, key Key) (Entry, bool) {
	if m.mirror == nil || m.decode == nil {
		return Entry{}, false
	}
	data, ttl, found, err := m.mirror.Get(ctx, key.String())
	if err != nil {
		m.logger.Warn("cache mirror read failed", zap.String("key", key.String()), zap.Error(err))
		return Entry{}, false
	}
	if !found || ttl <= 0 {
		return Entry{}, false
	}
	v, err := m.decode(key.Kind, data)
	if err != nil {
		m.logger.Warn("cache mirror decode failed", zap.String("key", key.String()), zap.Error(err))
		return Entry{}, false
	}
	if limit := m.policy.TTL(key.Kind); ttl > limit {
		ttl = limit
	}
	now := m.clock.Now()
	return Entry{Key: key, Payload: v, CreatedAt: now, ValidUntil: now.Add(ttl)}, true
}

// remoteVictims lists mirrored keys in the region that this instance does
// not hold locally, filtered by stale when given. Entries that cannot be
// read back are dropped too.
func (m *Manager) remoteVictims(pollutant string, region orb.Bound, local []Entry, stale func(Entry) bool) []Key {
	if m.mirror == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	names, err := m.mirror.Scan(ctx, mirrorPattern(pollutant))
	if err != nil {
		m.logger.Warn("cache mirror scan failed", zap.String("pollutant", pollutant), zap.Error(err))
		return nil
	}
	held := make(map[Key]struct{}, len(local))
	for _, e := range local {
		held[e.Key] = struct{}{}
	}

	var victims []Key
	for _, name := range names {
		k, ok := parseKey(name)
		if !ok || !matches(k, pollutant, region) {
			continue
		}
		if _, ok := held[k]; ok {
			continue
		}
		if stale != nil {
			if e, ok := m.readMirror(ctx, k); ok && !stale(e) {
				continue
			}
		}
		victims = append(victims, k)
	}
	return victims
}

func (m *Manager) dropMirrored(keys []string) {
	if m.mirror == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.mirror.Delete(ctx, keys...); err != nil {
		m.logger.Warn("cache mirror delete failed", zap.Int("keys", len(keys)), zap.Error(err))
	}
}

func mirrorPattern(pollutant string) string {
	if pollutant == "" {
		return "*"
	}
	return "*:*:" + pollutant + ":*"
}

func matches(k Key, pollutant string, region orb.Bound) bool {
	if pollutant != "" && k.Pollutant != pollutant {
		return false
	}
	return cellIntersects(k.Cell, region)
}

func cellIntersects(cell string, region orb.Bound) bool {
	b, err := geo.Decode(cell)
	if err != nil {
		// Unknown cells are invalidated rather than left possibly stale.
		return true
	}
	return b.Intersects(region)
}
