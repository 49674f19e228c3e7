package ingest

import (
	"context"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
)

// InsertOutcome reports what InsertIfAbsent did.
type InsertOutcome int

const (
	// Inserted means the record was new and is now stored.
	Inserted InsertOutcome = iota + 1
	// AlreadyExisted means a record with the same identity was already stored; nothing was written.
	AlreadyExisted
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExisted:
		return "existing"
	default:
		return "unknown"
	}
}

// Store is the persistence interface for alert records. Implementations must
// make InsertIfAbsent an atomic check-and-set on Identity and must not expose
// partially written records to concurrent readers or purges.
type Store interface {
	InsertIfAbsent(ctx context.Context, r *alert.Record) (InsertOutcome, error)
	// RecordsForRun returns the records created under runMarker, ordered by identity.
	RecordsForRun(ctx context.Context, runMarker string) ([]*alert.Record, error)
	// PurgeExpired deletes records whose ExpiresEpoch is strictly less than nowEpoch.
	PurgeExpired(ctx context.Context, nowEpoch int64) (int64, error)
	PurgeAll(ctx context.Context) (int64, error)
	Get(ctx context.Context, identity string) (*alert.Record, bool, error)
}
