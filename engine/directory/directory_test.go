package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/engine/store/storetest"
	"github.com/google/uuid"
)

type fixture struct {
	mem *storetest.Mem
	reg *edm.Registry
	cat *edm.Catalog
	dir *Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storetest.New()
	reg, err := edm.LoadRegistry(context.Background(), mem)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		mem: mem,
		reg: reg,
		cat: edm.NewCatalog(edm.DefaultPropertyTypes()),
		dir: New(mem, reg, slog.Default()),
	}
}

func (f *fixture) seedStudy(studyID uuid.UUID) uuid.UUID {
	key := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Studies), key, store.Data{
		f.cat.MustID(edm.StringID): {studyID.String()},
	})
	return key
}

func (f *fixture) seedParticipant(studyKey uuid.UUID, participantID string) uuid.UUID {
	key := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Participants), key, store.Data{
		f.cat.MustID(edm.PersonID): {participantID},
	})
	f.mem.Link(f.mem.SetID(edm.ParticipatedIn),
		f.mem.SetID(edm.Participants), key,
		f.mem.SetID(edm.Studies), studyKey,
		store.Data{f.cat.MustID(edm.Status): {"ENROLLED"}})
	return key
}

func (f *fixture) seedDevice(participantKey uuid.UUID, deviceID string) uuid.UUID {
	key := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Devices), key, store.Data{
		f.cat.MustID(edm.StringID): {deviceID},
	})
	f.mem.Link(f.mem.SetID(edm.UsedBy),
		f.mem.SetID(edm.Devices), key,
		f.mem.SetID(edm.Participants), participantKey,
		store.Data{})
	return key
}

func TestRefreshBuildsHierarchy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	studyID := uuid.New()
	studyKey := f.seedStudy(studyID)
	pKey := f.seedParticipant(studyKey, "participant-1")
	dKey := f.seedDevice(pKey, "device-1")

	if !f.dir.BuiltAt().IsZero() {
		t.Fatal("fresh directory should report zero BuiltAt")
	}
	if err := f.dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if f.dir.BuiltAt().IsZero() {
		t.Fatal("BuiltAt should be set after refresh")
	}

	if key, ok := f.dir.StudyKey(studyID); !ok || key != studyKey {
		t.Fatalf("StudyKey = %v, %v; want %v", key, ok, studyKey)
	}
	if key, ok := f.dir.ParticipantKey(studyID, "participant-1"); !ok || key != pKey {
		t.Fatalf("ParticipantKey = %v, %v; want %v", key, ok, pKey)
	}
	if key, ok := f.dir.DeviceKey(studyID, "participant-1", "device-1"); !ok || key != dKey {
		t.Fatalf("DeviceKey = %v, %v; want %v", key, ok, dKey)
	}
	if _, ok := f.dir.ParticipantKey(studyID, "stranger"); ok {
		t.Fatal("unknown participant should not resolve")
	}
	if _, ok := f.dir.StudyKey(uuid.New()); ok {
		t.Fatal("unknown study should not resolve")
	}
}

func TestRefreshSkipsMalformedStudies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	good := uuid.New()
	f.seedStudy(good)
	// No id at all.
	f.mem.PutEntity(f.mem.SetID(edm.Studies), uuid.New(), store.Data{})
	// Id that is not a uuid.
	f.mem.PutEntity(f.mem.SetID(edm.Studies), uuid.New(), store.Data{
		f.cat.MustID(edm.StringID): {"not-a-uuid"},
	})

	if err := f.dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.dir.StudyKey(good); !ok {
		t.Fatal("well-formed study should survive malformed siblings")
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	studyID := uuid.New()
	f.seedStudy(studyID)
	if err := f.dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	built := f.dir.BuiltAt()

	f.mem.FailWith(errors.New("store down"))
	if err := f.dir.Refresh(ctx); err == nil {
		t.Fatal("refresh should surface the store failure")
	}
	if _, ok := f.dir.StudyKey(studyID); !ok {
		t.Fatal("previous snapshot should keep serving after a failed refresh")
	}
	if f.dir.BuiltAt() != built {
		t.Fatal("failed refresh must not touch BuiltAt")
	}
}

func TestRefreshKeepsFirstDuplicateParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	studyID := uuid.New()
	studyKey := f.seedStudy(studyID)
	first := f.seedParticipant(studyKey, "dup")
	second := f.seedParticipant(studyKey, "dup")

	if err := f.dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	ps := f.dir.Participants(studyID)
	if len(ps) != 1 {
		t.Fatalf("got %d mappings for a duplicated id, want 1", len(ps))
	}
	key, ok := f.dir.ParticipantKey(studyID, "dup")
	if !ok {
		t.Fatal("duplicated id should still resolve")
	}
	if key != first && key != second {
		t.Fatalf("resolved key %v matches neither seeded entity", key)
	}
}

// Readers racing Refresh must always see a complete snapshot: every lookup
// resolves, and to the same keys the seeded hierarchy had. Run under -race.
func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	studyID := uuid.New()
	studyKey := f.seedStudy(studyID)
	pKey := f.seedParticipant(studyKey, "participant-1")
	dKey := f.seedDevice(pKey, "device-1")
	if err := f.dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if key, ok := f.dir.ParticipantKey(studyID, "participant-1"); !ok || key != pKey {
					errs <- fmt.Errorf("participant lookup saw %v, %v", key, ok)
					return
				}
				if key, ok := f.dir.DeviceKey(studyID, "participant-1", "device-1"); !ok || key != dKey {
					errs <- fmt.Errorf("device lookup saw %v, %v", key, ok)
					return
				}
			}
		}()
	}
	for range 50 {
		if err := f.dir.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()
	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
}

func TestParticipantsView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	studyID := uuid.New()
	studyKey := f.seedStudy(studyID)
	f.seedParticipant(studyKey, "a")
	f.seedParticipant(studyKey, "b")

	if err := f.dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	ps := f.dir.Participants(studyID)
	if len(ps) != 2 {
		t.Fatalf("got %d participants, want 2", len(ps))
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := ps[id]; !ok {
			t.Fatalf("participant %q missing", id)
		}
	}
	ps["c"] = uuid.New()
	if len(f.dir.Participants(studyID)) != 2 {
		t.Fatal("mutating the returned map must not leak into the snapshot")
	}
	if f.dir.Participants(uuid.New()) != nil {
		t.Fatal("unknown study should have no participants")
	}
}

func TestSystemAppsRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	appsSet := f.mem.SetID(edm.AppsDictionary)
	f.mem.PutEntity(appsSet, uuid.New(), store.Data{
		f.cat.MustID(edm.FullName):   {"com.android.systemui"},
		f.cat.MustID(edm.RecordType): {"SYSTEM"},
	})
	f.mem.PutEntity(appsSet, uuid.New(), store.Data{
		f.cat.MustID(edm.FullName):   {"com.example.game"},
		f.cat.MustID(edm.RecordType): {"USER"},
	})

	apps := NewSystemApps(f.mem, f.reg, slog.Default())
	if apps.Contains("com.android.systemui") {
		t.Fatal("unrefreshed filter should be empty")
	}
	if err := apps.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if !apps.Contains("com.android.systemui") {
		t.Fatal("SYSTEM app should be in the filter")
	}
	if apps.Contains("com.example.game") {
		t.Fatal("USER app should not be in the filter")
	}
	if apps.Len() != 1 {
		t.Fatalf("Len = %d, want 1", apps.Len())
	}
}

func TestSystemAppsUninstalled(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	mem.Uninstall(edm.AppsDictionary)
	reg, err := edm.LoadRegistry(ctx, mem)
	if err != nil {
		t.Fatal(err)
	}
	apps := NewSystemApps(mem, reg, slog.Default())
	if err := apps.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if apps.Len() != 0 {
		t.Fatal("uninstalled dictionary should leave the filter empty")
	}
}
