package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest/storetest"
)

func TestStoreConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(*testing.T) ingest.Store { return New() })
}

func TestInsertIfAbsent_StoresCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := storetest.Record(t, "copy", "run", time.Now().Add(time.Hour))

	if _, err := s.InsertIfAbsent(ctx, r); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	r.Title = "mutated"
	r.UGCCodes[0] = "XXZ000"

	got, ok, err := s.Get(ctx, r.Identity)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Title == "mutated" || got.UGCCodes[0] == "XXZ000" {
		t.Errorf("store shares memory with caller: %+v", got)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := storetest.Record(t, "copy", "run", time.Now().Add(time.Hour))
	if _, err := s.InsertIfAbsent(ctx, r); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	got, _, _ := s.Get(ctx, r.Identity)
	got.FIPSCodes[0] = "000000"

	again, _, _ := s.Get(ctx, r.Identity)
	if again.FIPSCodes[0] != "008005" {
		t.Errorf("FIPSCodes[0] = %q, want %q", again.FIPSCodes[0], "008005")
	}
}

func TestPurgeExpired_DropsRunIndex(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	if _, err := s.InsertIfAbsent(ctx, storetest.Record(t, "old", "run", past)); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if _, err := s.PurgeExpired(ctx, time.Now().Unix()); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
	if _, ok := s.byRun["run"]; ok {
		t.Error("run index not cleaned up")
	}
}
