// Package sqlitestore provides a SQLite implementation of ingest.Store for
// single-host deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

var tracer = otel.Tracer("github.com/greencoder/noaa-alerts-pushover/internal/ingest/sqlitestore")

//go:embed schema.sql
var schema string

const alertColumns = `identity, title, event_type, detail_keywords, expires_at, expires_epoch,
	source_url, detail_api_url, fips_codes, ugc_codes, run_marker, created_at`

// Store persists alert records in a SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path, applies the schema,
// and returns a ready Store. Use ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + q.Encode()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// InsertIfAbsent inserts r unless its identity exists. The check and write
// are one statement.
func (s *Store) InsertIfAbsent(ctx context.Context, r *alert.Record) (ingest.InsertOutcome, error) {
	ctx, span := startSpan(ctx, "sqlitestore.InsertIfAbsent", "INSERT")
	defer span.End()

	keywords, fips, ugc, err := encodeLists(r)
	if err != nil {
		return 0, fail(span, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity) DO NOTHING`,
		r.Identity, r.Title, r.EventType, keywords,
		r.ExpiresAt.UTC().Format(time.RFC3339Nano), r.ExpiresEpoch,
		r.SourceURL, r.DetailAPIURL, fips, ugc, r.RunMarker,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert alert: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		span.SetAttributes(attribute.String("wxalerts.insert.outcome", ingest.AlreadyExisted.String()))
		return ingest.AlreadyExisted, nil
	}
	span.SetAttributes(attribute.String("wxalerts.insert.outcome", ingest.Inserted.String()))
	return ingest.Inserted, nil
}

// RecordsForRun returns the records created under runMarker.
func (s *Store) RecordsForRun(ctx context.Context, runMarker string) ([]*alert.Record, error) {
	ctx, span := startSpan(ctx, "sqlitestore.RecordsForRun", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE run_marker = ? ORDER BY identity`, runMarker)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query run: %w", err))
	}
	defer func() { _ = rows.Close() }()

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
	ctx, span := startSpan(ctx, "sqlitestore.PurgeExpired", "DELETE")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE expires_epoch < ?`, nowEpoch)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge expired: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	return n, nil
}

// PurgeAll deletes every record.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	ctx, span := startSpan(ctx, "sqlitestore.PurgeAll", "DELETE")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts`)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge all: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	return n, nil
}

// Get retrieves a record by identity.
func (s *Store) Get(ctx context.Context, identity string) (*alert.Record, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Get", "SELECT")
	defer span.End()

	r, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE identity = ?`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alert.Record, error) {
	var (
		r                    alert.Record
		keywords, fips, ugc  string
		expiresAt, createdAt string
	)
	err := row.Scan(
		&r.Identity, &r.Title, &r.EventType, &keywords, &expiresAt, &r.ExpiresEpoch,
		&r.SourceURL, &r.DetailAPIURL, &fips, &ugc, &r.RunMarker, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	if r.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at %q: %w", expiresAt, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	r.ExpiresAt, r.CreatedAt = r.ExpiresAt.UTC(), r.CreatedAt.UTC()

	for _, f := range []struct {
		name string
		raw  string
		dst  *[]string
	}{
		{"detail_keywords", keywords, &r.DetailKeywords},
		{"fips_codes", fips, &r.FIPSCodes},
		{"ugc_codes", ugc, &r.UGCCodes},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", f.name, err)
		}
	}
	return &r, nil
}

func encodeLists(r *alert.Record) (keywords, fips, ugc string, err error) {
	enc := func(name string, v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", name, err)
		}
		return string(b), nil
	}
	if keywords, err = enc("detail_keywords", r.DetailKeywords); err != nil {
		return "", "", "", err
	}
	if fips, err = enc("fips_codes", r.FIPSCodes); err != nil {
		return "", "", "", err
	}
	if ugc, err = enc("ugc_codes", r.UGCCodes); err != nil {
		return "", "", "", err
	}
	return keywords, fips, ugc, nil
}
