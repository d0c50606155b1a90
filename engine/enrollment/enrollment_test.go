package enrollment

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/engine/store/storetest"
	"github.com/google/uuid"
)

type fixture struct {
	mem      *storetest.Mem
	cat      *edm.Catalog
	dir      *directory.Directory
	svc      *Service
	studyID  uuid.UUID
	studyKey uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := storetest.New()
	reg, err := edm.LoadRegistry(ctx, mem)
	if err != nil {
		t.Fatal(err)
	}
	cat := edm.NewCatalog(edm.DefaultPropertyTypes())
	dir := directory.New(mem, reg, slog.Default())
	f := &fixture{
		mem:     mem,
		cat:     cat,
		dir:     dir,
		svc:     New(mem, reg, dir, slog.Default()),
		studyID: uuid.New(),
	}
	f.studyKey = uuid.New()
	mem.PutEntity(mem.SetID(edm.Studies), f.studyKey, store.Data{
		cat.MustID(edm.StringID): {f.studyID.String()},
	})
	return f
}

func (f *fixture) enroll(t *testing.T, participantID, status string) uuid.UUID {
	t.Helper()
	key := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Participants), key, store.Data{
		f.cat.MustID(edm.PersonID): {participantID},
	})
	edgeData := store.Data{}
	if status != "" {
		edgeData[f.cat.MustID(edm.Status)] = []any{status}
	}
	f.mem.Link(f.mem.SetID(edm.ParticipatedIn),
		f.mem.SetID(edm.Participants), key,
		f.mem.SetID(edm.Studies), f.studyKey,
		edgeData)
	return key
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	if err := f.dir.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "active", "ENROLLED")
	f.enroll(t, "withdrawn", "NOT_ENROLLED")
	f.enroll(t, "legacy", "")
	f.refresh(t)

	cases := []struct {
		participant string
		want        ParticipationStatus
	}{
		{"active", StatusEnrolled},
		{"withdrawn", StatusNotEnrolled},
		{"legacy", StatusUnknown},
		{"stranger", StatusUnknown},
	}
	for _, c := range cases {
		got, err := f.svc.Status(ctx, f.studyID, c.participant)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Fatalf("Status(%s) = %v, want %v", c.participant, got, c.want)
		}
	}
}

func TestStatusIsLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pKey := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Participants), pKey, store.Data{
		f.cat.MustID(edm.PersonID): {"p1"},
	})
	edgeKey := f.mem.Link(f.mem.SetID(edm.ParticipatedIn),
		f.mem.SetID(edm.Participants), pKey,
		f.mem.SetID(edm.Studies), f.studyKey,
		store.Data{f.cat.MustID(edm.Status): {"ENROLLED"}})
	f.refresh(t)

	got, err := f.svc.Status(ctx, f.studyID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got != StatusEnrolled {
		t.Fatalf("Status = %v", got)
	}

	// Withdrawal rewrites the association; no cache refresh happens.
	err = f.mem.UpsertAssociations(ctx, f.mem.SetID(edm.ParticipatedIn),
		map[uuid.UUID]store.Data{edgeKey: {f.cat.MustID(edm.Status): {"NOT_ENROLLED"}}},
		store.Replace)
	if err != nil {
		t.Fatal(err)
	}
	got, err = f.svc.Status(ctx, f.studyID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got != StatusNotEnrolled {
		t.Fatalf("withdrawal must take effect immediately, got %v", got)
	}
}

func TestKnownLookups(t *testing.T) {
	f := newFixture(t)
	pKey := f.enroll(t, "p1", "ENROLLED")
	devKey := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Devices), devKey, store.Data{
		f.cat.MustID(edm.StringID): {"device-1"},
	})
	f.mem.Link(f.mem.SetID(edm.UsedBy),
		f.mem.SetID(edm.Devices), devKey,
		f.mem.SetID(edm.Participants), pKey,
		store.Data{})
	f.refresh(t)

	if !f.svc.IsKnownParticipant(f.studyID, "p1") {
		t.Fatal("p1 should be known")
	}
	if f.svc.IsKnownParticipant(f.studyID, "p2") {
		t.Fatal("p2 should be unknown")
	}
	if !f.svc.IsKnownDatasource(f.studyID, "p1", "device-1") {
		t.Fatal("device-1 should be known")
	}
	if f.svc.IsKnownDatasource(f.studyID, "p1", "device-2") {
		t.Fatal("device-2 should be unknown")
	}
}

func TestParticipantEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "p1", "ENROLLED")
	f.refresh(t)

	ent, found, err := f.svc.ParticipantEntity(ctx, f.studyID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("participant entity should be found")
	}
	if got := ent.FirstString(edm.PersonID); got != "p1" {
		t.Fatalf("PersonID = %q", got)
	}
	if _, found, _ := f.svc.ParticipantEntity(ctx, f.studyID, "nobody"); found {
		t.Fatal("unknown participant should not resolve")
	}
}

func TestNotificationsEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.refresh(t)

	on, err := f.svc.NotificationsEnabled(ctx, f.studyID)
	if err != nil {
		t.Fatal(err)
	}
	if on {
		t.Fatal("study without notification entity should be off")
	}

	notifKey := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Notifications), notifKey, store.Data{})
	f.mem.Link(f.mem.SetID(edm.PartOf),
		f.mem.SetID(edm.Notifications), notifKey,
		f.mem.SetID(edm.Studies), f.studyKey,
		store.Data{f.cat.MustID(edm.OLID): {f.studyID.String()}})

	on, err = f.svc.NotificationsEnabled(ctx, f.studyID)
	if err != nil {
		t.Fatal(err)
	}
	if !on {
		t.Fatal("linked notification entity should switch the study on")
	}

	// An association carrying a different study id does not count.
	otherKey := uuid.New()
	f.mem.PutEntity(f.mem.SetID(edm.Notifications), otherKey, store.Data{})
	f.mem.Link(f.mem.SetID(edm.PartOf),
		f.mem.SetID(edm.Notifications), otherKey,
		f.mem.SetID(edm.Studies), f.studyKey,
		store.Data{f.cat.MustID(edm.OLID): {uuid.New().String()}})

	if _, err := f.svc.NotificationsEnabled(ctx, uuid.New()); err == nil {
		t.Fatal("unknown study should fail")
	}
}

func TestStatusString(t *testing.T) {
	if StatusEnrolled.String() != "ENROLLED" ||
		StatusNotEnrolled.String() != "NOT_ENROLLED" ||
		StatusUnknown.String() != "UNKNOWN" {
		t.Fatal("status strings drifted")
	}
}
