package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPConfig bundles the HTTP client with resilience settings shared by all feeds.
type HTTPConfig struct {
	Client *http.Client
	// Timeout bounds one whole fetch, retries included.
	Timeout time.Duration
	Backoff BackoffConfig
	Logger  *zap.Logger
}

// DefaultHTTPConfig returns the retry and timeout settings used in production.
func DefaultHTTPConfig(client *http.Client) HTTPConfig {
	return HTTPConfig{
		Client:  client,
		Timeout: 20 * time.Second,
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Logger: zap.NewNop(),
	}
}

const maxBodyBytes = 32 << 20

var (
	errRateLimited   = errors.New("rate limited")
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// doRequestWithResilience executes the request with retries, exponential backoff
// and a circuit breaker, and returns the response body. Client errors other than
// 429 are not retried.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) ([]byte, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	var attempt int
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest(ctx)
		if err != nil {
			return nil, err
		}

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, errRateLimited
			}
			if resp.StatusCode >= 500 {
				return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
			}
			return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		})
		if err == nil {
			body, ok := result.([]byte)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return body, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		if errors.Is(err, errUnexpected) || attempt >= cfg.Backoff.MaxRetries {
			return nil, err
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

// breakers hands out one circuit breaker per endpoint so a single dead
// station network does not trip the whole feed.
type breakers struct {
	source string
	logger *zap.Logger

	mu     sync.Mutex
	byName map[string]*gobreaker.CircuitBreaker
}

func newBreakers(source string, logger *zap.Logger) *breakers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breakers{source: source, logger: logger, byName: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(endpoint string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byName[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.source + ":" + endpoint,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	b.byName[endpoint] = cb
	return cb
}

// endpoint is one URL of a feed. Name is what ends up in logs and in
// RawFeed.Unavailable, so it must not carry credentials.
type endpoint struct {
	name  string
	build func(ctx context.Context) (*http.Request, error)
}

// fetchAll queries every endpoint concurrently under one deadline. Bodies are
// kept in endpoint order; failures are listed instead of failing the feed, and
// only a feed with no successful endpoint is an error.
func fetchAll(
	ctx context.Context,
	cfg HTTPConfig,
	brk *breakers,
	source string,
	kind airquality.SourceKind,
	endpoints []endpoint,
) (airquality.RawFeed, error) {
	raw := airquality.RawFeed{Source: source, Kind: kind, FetchedAt: time.Now().UTC()}
	if len(endpoints) == 0 {
		return raw, &airquality.FeedUnavailableError{Source: source, Failures: []string{"no endpoints configured"}}
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	bodies := make([][]byte, len(endpoints))
	errs := make([]error, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep endpoint) {
			defer wg.Done()
			bodies[i], errs[i] = doRequestWithResilience(ctx, cfg, brk.get(ep.name), ep.build)
		}(i, ep)
	}
	wg.Wait()

	for i, ep := range endpoints {
		// url.Error repeats the full URL, query string and credentials included.
		var uerr *url.Error
		if errors.As(errs[i], &uerr) {
			errs[i] = uerr.Err
		}
		if errs[i] != nil {
			raw.Unavailable = append(raw.Unavailable, fmt.Sprintf("%s: %v", ep.name, errs[i]))
			if cfg.Logger != nil {
				cfg.Logger.Warn("feed endpoint unavailable",
					zap.String("source", source),
					zap.String("endpoint", ep.name),
					zap.Error(errs[i]))
			}
			continue
		}
		raw.Chunks = append(raw.Chunks, bodies[i])
	}

	if len(raw.Chunks) == 0 {
		return raw, &airquality.FeedUnavailableError{Source: source, Failures: raw.Unavailable}
	}
	return raw, nil
}

// getRequest builds a GET request, optionally with a bearer token.
func getRequest(rawURL, token string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}
}

// endpointName strips the query string so API keys never reach logs.
func endpointName(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/i474232898/airquality-fusion"))

// observationID derives a stable ID so re-fetching the same record does not
// create a duplicate.
func observationID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "|"))).String()
}

// decoded is one chunk that parsed.
type decoded[T any] struct {
	chunk   int
	payload T
}

// decodeChunks parses every chunk, recording the ones that do not parse as
// drops. It fails only when there were chunks and none of them parsed.
func decodeChunks[T any](source string, raw airquality.RawFeed, batch *airquality.Batch) ([]decoded[T], error) {
	out := make([]decoded[T], 0, len(raw.Chunks))
	var lastErr error
	for i, chunk := range raw.Chunks {
		var payload T
		if err := json.Unmarshal(chunk, &payload); err != nil {
			lastErr = err
			batch.Dropped = append(batch.Dropped, airquality.Drop{Chunk: i, Index: -1, Reason: "malformed", Err: err})
			continue
		}
		out = append(out, decoded[T]{chunk: i, payload: payload})
	}
	if len(out) == 0 && lastErr != nil {
		return nil, &airquality.MalformedFeedError{Source: source, Err: lastErr}
	}
	return out, nil
}

// collector fills a Batch, applying the plausibility bounds to each record.
type collector struct {
	source     string
	kind       airquality.SourceKind
	bounds     airquality.Bounds
	ingestedAt time.Time
	batch      airquality.Batch
}

func newCollector(source string, kind airquality.SourceKind, bounds airquality.Bounds, ingestedAt time.Time) *collector {
	if bounds == nil {
		bounds = airquality.DefaultBounds()
	}
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}
	return &collector{source: source, kind: kind, bounds: bounds, ingestedAt: ingestedAt}
}

func (c *collector) add(chunk, index int, o airquality.Observation) {
	if err := c.bounds.Check(o.Variable, o.Value); err != nil {
		c.drop(chunk, index, "out_of_range", err)
		return
	}
	o.Source = c.source
	o.Kind = c.kind
	o.Unit = airquality.CanonicalUnit(o.Variable)
	o.Timestamp = o.Timestamp.UTC()
	o.IngestedAt = c.ingestedAt
	c.batch.Observations = append(c.batch.Observations, o)
}

func (c *collector) drop(chunk, index int, reason string, err error) {
	c.batch.Dropped = append(c.batch.Dropped, airquality.Drop{Chunk: chunk, Index: index, Reason: reason, Err: err})
}

// parseTime accepts the timestamp layouts the feeds use; zone-less values are UTC.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
