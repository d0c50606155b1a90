package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/enrollment"
	"github.com/cohortlabs/cohort/engine/ingest"
	"github.com/cohortlabs/cohort/engine/keys"
	"github.com/cohortlabs/cohort/engine/meta"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/engine/store/storetest"
	"github.com/google/uuid"
)

// newUploadServer wires an apiServer against the in-memory store with one
// study, one enrolled participant, and one registered device.
func newUploadServer(t *testing.T) (*http.ServeMux, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	mem := storetest.New()
	reg, err := edm.LoadRegistry(ctx, mem)
	if err != nil {
		t.Fatal(err)
	}
	cat := edm.NewCatalog(edm.DefaultPropertyTypes())
	log := slog.Default()
	dir := directory.New(mem, reg, log)
	apps := directory.NewSystemApps(mem, reg, log)
	kr := keys.New(mem, reg, cat)
	enroll := enrollment.New(mem, reg, dir, log)
	agg := meta.New(mem, kr, reg, cat, log)
	pipeline := ingest.New(ingest.Deps{
		Client: mem, Dir: dir, Apps: apps, Enroll: enroll,
		Keys: kr, Meta: agg, Reg: reg, Cat: cat, Log: log,
	})

	studyID := uuid.New()
	studyKey := uuid.New()
	mem.PutEntity(mem.SetID(edm.Studies), studyKey, store.Data{
		cat.MustID(edm.StringID): {studyID.String()},
	})
	pKey := uuid.New()
	mem.PutEntity(mem.SetID(edm.Participants), pKey, store.Data{
		cat.MustID(edm.PersonID): {"participant-1"},
	})
	mem.Link(mem.SetID(edm.ParticipatedIn),
		mem.SetID(edm.Participants), pKey,
		mem.SetID(edm.Studies), studyKey,
		store.Data{cat.MustID(edm.Status): {"ENROLLED"}})
	devKey := uuid.New()
	mem.PutEntity(mem.SetID(edm.Devices), devKey, store.Data{
		cat.MustID(edm.StringID): {"device-1"},
	})
	mem.Link(mem.SetID(edm.UsedBy),
		mem.SetID(edm.Devices), devKey,
		mem.SetID(edm.Participants), pKey,
		store.Data{})
	if err := dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := apps.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	srv := &apiServer{pipeline: pipeline, cat: cat, log: log}
	mux := http.NewServeMux()
	srv.routes(mux)
	return mux, studyID
}

func postUpload(t *testing.T, mux *http.ServeMux, studyID uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost,
		"/v2/"+studyID.String()+"/participant-1/device-1/upload",
		strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestUploadDropsUndecodableRecords(t *testing.T) {
	mux, studyID := newUploadServer(t)

	body := `[
		{"general.fullname": ["com.example.maps"], "ol.title": ["Maps"], "ol.datelogged": ["2024-03-01T10:00:00Z"]},
		{"made.up": ["nonsense"]}
	]`
	rec := postUpload(t, mux, studyID, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["submitted"] != 1 {
		t.Fatalf("submitted = %d, want 1", resp["submitted"])
	}
	if resp["dropped"] != 1 {
		t.Fatalf("dropped = %d, want 1", resp["dropped"])
	}
}

func TestUploadRejectsUnparseableBody(t *testing.T) {
	mux, studyID := newUploadServer(t)

	rec := postUpload(t, mux, studyID, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
