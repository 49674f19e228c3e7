// Package pgstore provides a PostgreSQL implementation of ingest.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

var tracer = otel.Tracer("github.com/greencoder/noaa-alerts-pushover/internal/ingest/pgstore")

//go:embed schema.sql
var schema string

// Store persists alert records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool and closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `identity, title, event_type, detail_keywords, expires_at, expires_epoch,
	source_url, detail_api_url, fips_codes, ugc_codes, run_marker, created_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// InsertIfAbsent inserts r unless its identity exists. ON CONFLICT makes the
// check and write atomic across concurrent writers.
func (s *Store) InsertIfAbsent(ctx context.Context, r *alert.Record) (ingest.InsertOutcome, error) {
	ctx, span := startSpan(ctx, "pgstore.InsertIfAbsent", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (identity) DO NOTHING`,
		r.Identity, r.Title, r.EventType, nonNil(r.DetailKeywords), r.ExpiresAt, r.ExpiresEpoch,
		r.SourceURL, r.DetailAPIURL, nonNil(r.FIPSCodes), nonNil(r.UGCCodes), r.RunMarker, r.CreatedAt,
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert alert: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}

	outcome := ingest.Inserted
	if tag.RowsAffected() == 0 {
		outcome = ingest.AlreadyExisted
	}
	span.SetAttributes(attribute.String("wxalerts.insert.outcome", outcome.String()))
	return outcome, nil
}

// RecordsForRun returns the records created under runMarker.
func (s *Store) RecordsForRun(ctx context.Context, runMarker string) ([]*alert.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.RecordsForRun", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE run_marker = $1 ORDER BY identity`, runMarker)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query run: %w", err))
	}
	defer rows.Close()

	var out []*alert.Record
	for rows.Next() {
		r, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate run: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// PurgeExpired deletes records with expires_epoch < nowEpoch.
func (s *Store) PurgeExpired(ctx context.Context, nowEpoch int64) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.PurgeExpired", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE expires_epoch < $1`, nowEpoch)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge expired: %w", err))
	}
	return tag.RowsAffected(), nil
}

// PurgeAll deletes every record.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.PurgeAll", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts`)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge all: %w", err))
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a record by identity.
func (s *Store) Get(ctx context.Context, identity string) (*alert.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE identity = $1`, identity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

func scanAlert(row pgx.Row) (*alert.Record, error) {
	var r alert.Record
	err := row.Scan(
		&r.Identity, &r.Title, &r.EventType, &r.DetailKeywords, &r.ExpiresAt, &r.ExpiresEpoch,
		&r.SourceURL, &r.DetailAPIURL, &r.FIPSCodes, &r.UGCCodes, &r.RunMarker, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	r.ExpiresAt, r.CreatedAt = r.ExpiresAt.UTC(), r.CreatedAt.UTC()
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
