// Package memstore provides an in-memory implementation of ingest.Store.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

// Store holds alert records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*alert.Record // identity -> record
	byRun   map[string][]string      // run marker -> identities
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*alert.Record),
		byRun:   make(map[string][]string),
	}
}

// InsertIfAbsent stores a copy of r unless its identity is already present.
func (s *Store) InsertIfAbsent(_ context.Context, r *alert.Record) (ingest.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Identity]; ok {
		return ingest.AlreadyExisted, nil
	}
	cp := r.Clone()
	cp.MatchedRegion = nil
	s.records[r.Identity] = cp
	s.byRun[r.RunMarker] = append(s.byRun[r.RunMarker], r.Identity)
	return ingest.Inserted, nil
}

// RecordsForRun returns copies of the records created under runMarker.
func (s *Store) RecordsForRun(_ context.Context, runMarker string) ([]*alert.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRun[runMarker]
	out := make([]*alert.Record, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *alert.Record) int { return strings.Compare(a.Identity, b.Identity) })
	return out, nil
}

// PurgeExpired deletes records with ExpiresEpoch < nowEpoch.
func (s *Store) PurgeExpired(_ context.Context, nowEpoch int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.ExpiresEpoch < nowEpoch {
			s.remove(id, r.RunMarker)
			n++
		}
	}
	return n, nil
}

// PurgeAll deletes every record.
func (s *Store) PurgeAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.records))
	s.records = make(map[string]*alert.Record)
	s.byRun = make(map[string][]string)
	return n, nil
}

// Get retrieves a record by identity. Returns a copy.
func (s *Store) Get(_ context.Context, identity string) (*alert.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[identity]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// remove must be called with mu held.
func (s *Store) remove(id, runMarker string) {
	delete(s.records, id)
	ids := slices.DeleteFunc(s.byRun[runMarker], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(s.byRun, runMarker)
		return
	}
	s.byRun[runMarker] = ids
}
