// Package directory maintains an in-memory cache of the study hierarchy:
// every study, the participants enrolled in each study, and the devices
// registered to each participant, all resolved down to entity keys. The
// ingestion path does key lookups against the cache instead of hitting the
// store per record. Snapshots are immutable and swapped atomically; readers
// either see the complete old snapshot or the complete new one.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/pkg/fn"
	"github.com/cohortlabs/cohort/pkg/metrics"
	"github.com/google/uuid"
)

const refreshWorkers = 8

// Snapshot is one immutable view of the study hierarchy. All maps are built
// before the snapshot is published and never mutated afterwards.
type Snapshot struct {
	builtAt      time.Time
	studies      map[uuid.UUID]uuid.UUID                       // study id → study entity key
	participants map[uuid.UUID]map[string]uuid.UUID            // study id → participant id → key
	devices      map[uuid.UUID]map[string]map[string]uuid.UUID // study id → participant id → device id → key
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		studies:      map[uuid.UUID]uuid.UUID{},
		participants: map[uuid.UUID]map[string]uuid.UUID{},
		devices:      map[uuid.UUID]map[string]map[string]uuid.UUID{},
	}
}

// Directory serves key lookups from the current snapshot and knows how to
// rebuild it from the store.
type Directory struct {
	client store.Client
	reg    *edm.Registry
	log    *slog.Logger
	snap   atomic.Pointer[Snapshot]
}

// New builds a Directory with an empty snapshot. Callers refresh it before
// serving traffic, typically via a Refresher.
func New(client store.Client, reg *edm.Registry, log *slog.Logger) *Directory {
	d := &Directory{client: client, reg: reg, log: log}
	d.snap.Store(emptySnapshot())
	return d
}

// StudyKey looks up a study's entity key.
func (d *Directory) StudyKey(studyID uuid.UUID) (uuid.UUID, bool) {
	key, ok := d.snap.Load().studies[studyID]
	return key, ok
}

// ParticipantKey looks up a participant's entity key within a study.
func (d *Directory) ParticipantKey(studyID uuid.UUID, participantID string) (uuid.UUID, bool) {
	key, ok := d.snap.Load().participants[studyID][participantID]
	return key, ok
}

// DeviceKey looks up a device's entity key within a study and participant.
func (d *Directory) DeviceKey(studyID uuid.UUID, participantID, deviceID string) (uuid.UUID, bool) {
	key, ok := d.snap.Load().devices[studyID][participantID][deviceID]
	return key, ok
}

// Participants returns the participant ids currently known for a study.
// The result is a copy; mutating it cannot corrupt the published snapshot.
func (d *Directory) Participants(studyID uuid.UUID) map[string]uuid.UUID {
	return maps.Clone(d.snap.Load().participants[studyID])
}

// BuiltAt reports when the current snapshot was assembled; the zero time
// means the cache has never been populated.
func (d *Directory) BuiltAt() time.Time {
	return d.snap.Load().builtAt
}

// Refresh rebuilds the snapshot from the store and swaps it in. On any
// failure the previous snapshot stays in place untouched.
func (d *Directory) Refresh(ctx context.Context) error {
	start := time.Now()
	next, err := d.build(ctx)
	if err != nil {
		metrics.CacheRefreshFailures.Inc()
		return err
	}
	next.builtAt = time.Now()
	d.snap.Store(next)
	metrics.CacheRefreshDuration.Observe(time.Since(start).Seconds())
	metrics.CacheStudies.Set(float64(len(next.studies)))
	d.log.Debug("directory refreshed",
		"studies", len(next.studies),
		"elapsed", time.Since(start))
	return nil
}

type studyBranch struct {
	studyID      uuid.UUID
	participants map[string]uuid.UUID
	devices      map[string]map[string]uuid.UUID
}

func (d *Directory) build(ctx context.Context) (*Snapshot, error) {
	studiesSet, err := d.reg.RequireSetID(edm.Studies)
	if err != nil {
		return nil, err
	}
	studies, err := d.client.LoadEntitySet(ctx, studiesSet)
	if err != nil {
		return nil, fmt.Errorf("load studies: %w", err)
	}

	next := emptySnapshot()
	for key, ent := range studies {
		raw := ent.FirstString(edm.StringID)
		if raw == "" {
			d.log.Warn("study entity has no id, skipping", "key", key)
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			d.log.Warn("study id is not a uuid, skipping", "key", key, "id", raw)
			continue
		}
		if prev, dup := next.studies[id]; dup {
			d.log.Warn("duplicate study id, keeping first",
				"id", id, "kept", prev, "dropped", key)
			continue
		}
		next.studies[id] = key
	}

	branches := fn.ParMapResult(fn.Keys(next.studies), refreshWorkers,
		func(studyID uuid.UUID) fn.Result[studyBranch] {
			return fn.FromPair(d.buildStudy(ctx, studyID, next.studies[studyID]))
		})
	all, err := fn.Collect(branches).Unwrap()
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		next.participants[b.studyID] = b.participants
		next.devices[b.studyID] = b.devices
	}
	return next, nil
}

// buildStudy resolves one study's participants and their devices.
func (d *Directory) buildStudy(ctx context.Context, studyID, studyKey uuid.UUID) (studyBranch, error) {
	b := studyBranch{
		studyID:      studyID,
		participants: map[string]uuid.UUID{},
		devices:      map[string]map[string]uuid.UUID{},
	}
	participantsSet, ok := d.reg.SetID(edm.Participants)
	if !ok {
		return b, nil
	}
	studiesSet, _ := d.reg.SetID(edm.Studies)
	filter := store.NeighborFilter{Src: []uuid.UUID{participantsSet}}
	if edge, ok := d.reg.SetID(edm.ParticipatedIn); ok {
		filter.Edge = []uuid.UUID{edge}
	}
	neighbors, err := d.client.NeighborSearch(ctx, studiesSet, []uuid.UUID{studyKey}, filter)
	if err != nil {
		return b, fmt.Errorf("participants of study %s: %w", studyID, err)
	}
	var participantKeys []uuid.UUID
	for _, n := range neighbors[studyKey] {
		pid := n.Details.FirstString(edm.PersonID)
		if pid == "" {
			continue
		}
		if prev, dup := b.participants[pid]; dup {
			d.log.Warn("duplicate participant id, keeping first",
				"study", studyID, "participant", pid, "kept", prev, "dropped", n.Key)
			continue
		}
		b.participants[pid] = n.Key
		b.devices[pid] = map[string]uuid.UUID{}
		participantKeys = append(participantKeys, n.Key)
	}
	if len(participantKeys) == 0 {
		return b, nil
	}

	devicesSet, ok := d.reg.SetID(edm.Devices)
	if !ok {
		return b, nil
	}
	devFilter := store.NeighborFilter{Src: []uuid.UUID{devicesSet}}
	if edge, ok := d.reg.SetID(edm.UsedBy); ok {
		devFilter.Edge = []uuid.UUID{edge}
	}
	byParticipant, err := d.client.NeighborSearch(ctx, participantsSet, participantKeys, devFilter)
	if err != nil {
		return b, fmt.Errorf("devices of study %s: %w", studyID, err)
	}
	keyToID := make(map[uuid.UUID]string, len(b.participants))
	for pid, key := range b.participants {
		keyToID[key] = pid
	}
	for pKey, devs := range byParticipant {
		pid := keyToID[pKey]
		for _, n := range devs {
			did := n.Details.FirstString(edm.StringID)
			if did == "" {
				continue
			}
			if prev, dup := b.devices[pid][did]; dup && prev != n.Key {
				d.log.Warn("duplicate device id, keeping first",
					"study", studyID, "participant", pid, "device", did)
				continue
			}
			b.devices[pid][did] = n.Key
		}
	}
	return b, nil
}
