package meta

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/keys"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/engine/store/storetest"
	"github.com/google/uuid"
)

type fixture struct {
	mem *storetest.Mem
	cat *edm.Catalog
	agg *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storetest.New()
	reg, err := edm.LoadRegistry(context.Background(), mem)
	if err != nil {
		t.Fatal(err)
	}
	cat := edm.NewCatalog(edm.DefaultPropertyTypes())
	kr := keys.New(mem, reg, cat)
	return &fixture{
		mem: mem,
		cat: cat,
		agg: New(mem, kr, reg, cat, slog.Default()),
	}
}

func (f *fixture) batch(stamps ...string) []store.Data {
	id := f.cat.MustID(edm.DateLogged)
	out := make([]store.Data, len(stamps))
	for i, s := range stamps {
		out[i] = store.Data{id: {s}}
	}
	return out
}

func (f *fixture) summary(t *testing.T, participantKey uuid.UUID) store.Entity {
	t.Helper()
	ctx := context.Background()
	metaSet := f.mem.SetID(edm.Metadata)
	all, err := f.mem.LoadEntitySet(ctx, metaSet)
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range all {
		if ent.FirstString(edm.OLID) == participantKey.String() {
			return ent
		}
	}
	return nil
}

func TestUpdateCreatesSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pSet, pKey := f.mem.SetID(edm.Participants), uuid.New()
	f.mem.PutEntity(pSet, pKey, store.Data{})

	records := f.batch(
		"2024-03-01T08:30:00Z",
		"2024-03-01T21:00:00Z",
		"2024-03-03T09:15:00Z",
	)
	if err := f.agg.Update(ctx, pSet, pKey, records); err != nil {
		t.Fatal(err)
	}

	sum := f.summary(t, pKey)
	if sum == nil {
		t.Fatal("summary entity not created")
	}
	if got := sum.FirstString(edm.StartDateTime); got != "2024-03-01T08:30:00Z" {
		t.Fatalf("firstSeen = %q", got)
	}
	if got := sum.FirstString(edm.EndDateTime); got != "2024-03-03T09:15:00Z" {
		t.Fatalf("lastSeen = %q", got)
	}
	if got := len(sum[edm.RecordedDate]); got != 2 {
		t.Fatalf("got %d recorded days, want 2", got)
	}
	// Participant is linked to the summary exactly once.
	if got := f.mem.CountEdges(f.mem.SetID(edm.Has)); got != 1 {
		t.Fatalf("got %d has edges, want 1", got)
	}
}

func TestUpdateFoldsBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pSet, pKey := f.mem.SetID(edm.Participants), uuid.New()
	f.mem.PutEntity(pSet, pKey, store.Data{})

	if err := f.agg.Update(ctx, pSet, pKey, f.batch("2024-03-05T10:00:00Z")); err != nil {
		t.Fatal(err)
	}
	// A later batch with both earlier and later stamps.
	if err := f.agg.Update(ctx, pSet, pKey, f.batch("2024-03-01T10:00:00Z", "2024-03-09T10:00:00Z")); err != nil {
		t.Fatal(err)
	}

	sum := f.summary(t, pKey)
	if got := sum.FirstString(edm.StartDateTime); got != "2024-03-05T10:00:00Z" {
		t.Fatalf("firstSeen must be preserved once set, got %q", got)
	}
	if got := sum.FirstString(edm.EndDateTime); got != "2024-03-09T10:00:00Z" {
		t.Fatalf("lastSeen must follow the latest batch, got %q", got)
	}
	if got := len(sum[edm.RecordedDate]); got != 3 {
		t.Fatalf("day set should union across batches, got %d", got)
	}
	if got := f.mem.CountEdges(f.mem.SetID(edm.Has)); got != 1 {
		t.Fatalf("repeated updates should reuse the has edge, got %d", got)
	}
}

func TestUpdateIgnoresImplausibleStamps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pSet, pKey := f.mem.SetID(edm.Participants), uuid.New()
	f.mem.PutEntity(pSet, pKey, store.Data{})

	records := f.batch(
		"1970-01-01T00:00:00Z",
		"1999-12-31T23:59:59Z",
		"2024-03-01T10:00:00Z",
	)
	if err := f.agg.Update(ctx, pSet, pKey, records); err != nil {
		t.Fatal(err)
	}
	sum := f.summary(t, pKey)
	if got := sum.FirstString(edm.StartDateTime); got != "2024-03-01T10:00:00Z" {
		t.Fatalf("dead-clock stamps must not become firstSeen, got %q", got)
	}
	if got := len(sum[edm.RecordedDate]); got != 1 {
		t.Fatalf("got %d recorded days, want 1", got)
	}
}

func TestUpdateEmptyBatchNoWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pSet, pKey := f.mem.SetID(edm.Participants), uuid.New()
	f.mem.PutEntity(pSet, pKey, store.Data{})

	if err := f.agg.Update(ctx, pSet, pKey, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.agg.Update(ctx, pSet, pKey, f.batch("garbage", "1969-07-20T00:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if got := f.mem.CountEntities(f.mem.SetID(edm.Metadata)); got != 0 {
		t.Fatalf("no summary should exist, found %d", got)
	}
	if got := f.mem.CountEdges(f.mem.SetID(edm.Has)); got != 0 {
		t.Fatalf("no has edge should exist, found %d", got)
	}
}

func TestTruncateToDayKeepsZone(t *testing.T) {
	zone := time.FixedZone("UTC+9", 9*3600)
	ts := time.Date(2024, 3, 1, 23, 45, 0, 0, zone)
	if got := truncateToDay(ts); got != "2024-03-01T00:00:00+09:00" {
		t.Fatalf("truncateToDay = %q", got)
	}
	// Two stamps on the same local day truncate identically.
	other := time.Date(2024, 3, 1, 1, 2, 3, 0, zone)
	if truncateToDay(ts) != truncateToDay(other) {
		t.Fatal("same-day stamps must truncate to the same value")
	}
}
