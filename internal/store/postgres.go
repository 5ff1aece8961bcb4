package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/i474232898/airquality-fusion/internal/airquality"
	"github.com/i474232898/airquality-fusion/internal/geo"
)

// PostgresStore persists observations and fused estimates in PostgreSQL.
// Rows are only ever inserted.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres opens a connection pool for dsn.
func OpenPostgres(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresStore(db, logger), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Close closes the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates the tables and bucket indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aq_observations (
			id TEXT PRIMARY KEY,
			cell TEXT NOT NULL,
			hour_bucket BIGINT NOT NULL,
			variable TEXT NOT NULL,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL,
			uncertainty DOUBLE PRECISION NOT NULL,
			fp_min_lon DOUBLE PRECISION,
			fp_min_lat DOUBLE PRECISION,
			fp_max_lon DOUBLE PRECISION,
			fp_max_lat DOUBLE PRECISION,
			supersedes TEXT,
			ingested_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aq_observations_bucket ON aq_observations(variable, cell, hour_bucket)`,
		`CREATE TABLE IF NOT EXISTS aq_fused_estimates (
			id BIGSERIAL PRIMARY KEY,
			cell TEXT NOT NULL,
			hour_bucket BIGINT NOT NULL,
			pollutant TEXT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			query_time TIMESTAMPTZ NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL,
			std_dev DOUBLE PRECISION NOT NULL,
			ci_lower DOUBLE PRECISION NOT NULL,
			ci_upper DOUBLE PRECISION NOT NULL,
			ci_level DOUBLE PRECISION NOT NULL,
			aqi INT NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			contributors TEXT[] NOT NULL,
			downweighted INT NOT NULL DEFAULT 0,
			degraded TEXT[] NOT NULL DEFAULT '{}',
			computed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aq_fused_bucket ON aq_fused_estimates(pollutant, cell, hour_bucket)`,
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	s.logger.Debug("schema ready", zap.Int("statements", len(stmts)))
	return nil
}

const insertObservation = `INSERT INTO aq_observations
	(id, cell, hour_bucket, variable, kind, source, lat, lon, observed_at, value, unit, uncertainty,
	 fp_min_lon, fp_min_lat, fp_max_lon, fp_max_lat, supersedes, ingested_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (id) DO NOTHING`

// Append inserts observations in one transaction. Observations without an
// ID get a fresh UUID; duplicate IDs are ignored.
func (s *PostgresStore) Append(ctx context.Context, obs ...airquality.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, o := range obs {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		k := keyFor(o.Lat, o.Lon, o.Timestamp, o.Variable)

		var fp [4]any
		if o.Footprint != nil {
			fp = [4]any{o.Footprint.Min.Lon(), o.Footprint.Min.Lat(), o.Footprint.Max.Lon(), o.Footprint.Max.Lat()}
		}
		var supersedes any
		if o.Supersedes != "" {
			supersedes = o.Supersedes
		}

		if _, err := tx.ExecContext(ctx, insertObservation,
			o.ID, k.Cell, k.Hour, string(o.Variable), string(o.Kind), o.Source,
			o.Lat, o.Lon, o.Timestamp.UTC(), o.Value, string(o.Unit), o.Uncertainty,
			fp[0], fp[1], fp[2], fp[3], supersedes, o.IngestedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert observation %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const observationColumns = `id, variable, kind, source, lat, lon, observed_at, value, unit, uncertainty,
	fp_min_lon, fp_min_lat, fp_max_lon, fp_max_lat, supersedes, ingested_at`

// Observations selects by bucket index, then trims to the exact bound.
func (s *PostgresStore) Observations(ctx context.Context, q airquality.ObservationQuery) ([]airquality.Observation, error) {
	cells := geo.Cover(q.Bound, BucketPrecision)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM aq_observations
		 WHERE variable = $1 AND cell = ANY($2) AND hour_bucket = ANY($3)
		   AND observed_at >= $4 AND observed_at <= $5
		 ORDER BY observed_at`,
		string(q.Variable), pq.Array(cells), pq.Array(hours(q.From, q.To)), q.From.UTC(), q.To.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []airquality.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		if !q.Bound.Contains(geo.Point(o.Lat, o.Lon)) {
			continue
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}

// Observation returns one observation by ID.
func (s *PostgresStore) Observation(ctx context.Context, id string) (airquality.Observation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM aq_observations WHERE id = $1`, id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return airquality.Observation{}, ErrNotFound
	}
	return o, err
}

// SaveEstimate appends a fused estimate.
func (s *PostgresStore) SaveEstimate(ctx context.Context, est airquality.FusedEstimate) error {
	k := keyFor(est.Point.Lat, est.Point.Lon, est.Point.Time, est.Pollutant)
	degraded := est.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO aq_fused_estimates
		(cell, hour_bucket, pollutant, lat, lon, query_time, value, unit, std_dev,
		 ci_lower, ci_upper, ci_level, aqi, category, contributors, downweighted, degraded, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		k.Cell, k.Hour, string(est.Pollutant), est.Point.Lat, est.Point.Lon, est.Point.Time.UTC(),
		est.Value, string(est.Unit), est.StdDev,
		est.Interval.Lower, est.Interval.Upper, est.Interval.Level, est.AQI, est.Category,
		pq.Array(est.Contributors), est.Downweighted, pq.Array(degraded), est.ComputedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fused estimate: %w", err)
	}
	return nil
}

const estimateColumns = `pollutant, lat, lon, query_time, value, unit, std_dev, ci_lower, ci_upper, ci_level,
	aqi, category, contributors, downweighted, degraded, computed_at`

// Estimates selects saved fused estimates by bucket index, then trims to the
// exact bound.
func (s *PostgresStore) Estimates(ctx context.Context, q airquality.ObservationQuery) ([]airquality.FusedEstimate, error) {
	cells := geo.Cover(q.Bound, BucketPrecision)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+estimateColumns+` FROM aq_fused_estimates
		 WHERE pollutant = $1 AND cell = ANY($2) AND hour_bucket = ANY($3)
		   AND query_time >= $4 AND query_time <= $5
		 ORDER BY query_time, computed_at`,
		string(q.Variable), pq.Array(cells), pq.Array(hours(q.From, q.To)), q.From.UTC(), q.To.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query fused estimates: %w", err)
	}
	defer rows.Close()

	var out []airquality.FusedEstimate
	for rows.Next() {
		var (
			est             airquality.FusedEstimate
			pollutant, unit string
		)
		if err := rows.Scan(&pollutant, &est.Point.Lat, &est.Point.Lon, &est.Point.Time, &est.Value, &unit,
			&est.StdDev, &est.Interval.Lower, &est.Interval.Upper, &est.Interval.Level, &est.AQI, &est.Category,
			pq.Array(&est.Contributors), &est.Downweighted, pq.Array(&est.Degraded), &est.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan fused estimate: %w", err)
		}
		if !q.Bound.Contains(geo.Point(est.Point.Lat, est.Point.Lon)) {
			continue
		}
		est.Pollutant = airquality.Variable(pollutant)
		est.Unit = airquality.Unit(unit)
		est.Point.Time = est.Point.Time.UTC()
		est.ComputedAt = est.ComputedAt.UTC()
		out = append(out, est)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fused estimates: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (airquality.Observation, error) {
	var (
		o                    airquality.Observation
		variable, kind, unit string
		supersedes           sql.NullString
	)
	var minLon, minLat, maxLon, maxLat sql.NullFloat64
	if err := row.Scan(&o.ID, &variable, &kind, &o.Source, &o.Lat, &o.Lon, &o.Timestamp, &o.Value, &unit, &o.Uncertainty,
		&minLon, &minLat, &maxLon, &maxLat, &supersedes, &o.IngestedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("scan observation: %w", err)
	}
	o.Variable = airquality.Variable(variable)
	o.Kind = airquality.SourceKind(kind)
	o.Unit = airquality.Unit(unit)
	o.Timestamp = o.Timestamp.UTC()
	o.IngestedAt = o.IngestedAt.UTC()
	if minLon.Valid && minLat.Valid && maxLon.Valid && maxLat.Valid {
		o.Footprint = &orb.Bound{
			Min: orb.Point{minLon.Float64, minLat.Float64},
			Max: orb.Point{maxLon.Float64, maxLat.Float64},
		}
	}
	o.Supersedes = supersedes.String
	return o, nil
}
