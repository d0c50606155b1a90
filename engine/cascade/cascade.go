// Package cascade removes a participant's data closure, or a whole study's,
// from the graph. Only entity sets whose contents belong to exactly one
// participant are in scope; shared entities (studies other participants are
// in, the app dictionary, curated app entities) are never touched. Neighbors
// go before their owners so a partial failure cannot orphan reachable data.
package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/pkg/metrics"
	"github.com/google/uuid"
)

// srcOwned and dstOwned list the exclusively-owned neighbor sets, split by
// which side of the association the owned entity sits on. Sets the
// organization has not installed are skipped.
var (
	srcOwned = []edm.Template{edm.Devices, edm.AppData, edm.PreprocessedData}
	dstOwned = []edm.Template{edm.Answers}
)

// Deleter walks and removes participant data closures.
type Deleter struct {
	client store.Client
	dir    *directory.Directory
	reg    *edm.Registry
	log    *slog.Logger
}

// New builds a Deleter.
func New(client store.Client, dir *directory.Directory, reg *edm.Registry, log *slog.Logger) *Deleter {
	return &Deleter{client: client, dir: dir, reg: reg, log: log}
}

// DeleteParticipant removes one participant and their owned neighbors. The
// delete type passes through to the store uninterpreted.
func (d *Deleter) DeleteParticipant(ctx context.Context, studyID uuid.UUID, participantID string, dt store.DeleteType) (int, error) {
	key, ok := d.dir.ParticipantKey(studyID, participantID)
	if !ok {
		return 0, fmt.Errorf("participant %q in study %s not found", participantID, studyID)
	}
	return d.remove(ctx, studyID, []uuid.UUID{key}, false, dt)
}

// DeleteStudy removes every participant of a study, their owned neighbors,
// and finally the study entity itself.
func (d *Deleter) DeleteStudy(ctx context.Context, studyID uuid.UUID, dt store.DeleteType) (int, error) {
	participants := d.dir.Participants(studyID)
	keys := make([]uuid.UUID, 0, len(participants))
	for _, key := range participants {
		keys = append(keys, key)
	}
	return d.remove(ctx, studyID, keys, true, dt)
}

func (d *Deleter) remove(ctx context.Context, studyID uuid.UUID, participantKeys []uuid.UUID, wholeStudy bool, dt store.DeleteType) (int, error) {
	participantsSet, err := d.reg.RequireSetID(edm.Participants)
	if err != nil {
		return 0, err
	}

	srcSets := d.installed(srcOwned)
	dstSets := d.installed(dstOwned)

	// Owned neighbors sit on both sides of their associations, and a filter
	// constrains both endpoints of an edge at once, so each side gets its own
	// walk.
	var filters []store.NeighborFilter
	if len(srcSets) > 0 {
		filters = append(filters, store.NeighborFilter{Src: srcSets, Dst: []uuid.UUID{participantsSet}})
	}
	if len(dstSets) > 0 {
		filters = append(filters, store.NeighborFilter{Src: []uuid.UUID{participantsSet}, Dst: dstSets})
	}

	// Accumulate owned neighbor keys per entity set across all participants.
	toDelete := make(map[uuid.UUID]map[uuid.UUID]struct{})
	for _, id := range append(append([]uuid.UUID{}, srcSets...), dstSets...) {
		toDelete[id] = make(map[uuid.UUID]struct{})
	}
	for _, pKey := range participantKeys {
		for _, filter := range filters {
			neighbors, err := d.client.NeighborSearch(ctx, participantsSet, []uuid.UUID{pKey}, filter)
			if err != nil {
				return 0, fmt.Errorf("neighbor walk for %s: %w", pKey, err)
			}
			for _, n := range neighbors[pKey] {
				if keys, ok := toDelete[n.SetID]; ok {
					keys[n.Key] = struct{}{}
				}
			}
		}
	}

	total := 0
	for setID, keySet := range toDelete {
		if len(keySet) == 0 {
			continue
		}
		keys := make([]uuid.UUID, 0, len(keySet))
		for k := range keySet {
			keys = append(keys, k)
		}
		n, err := d.client.DeleteEntities(ctx, setID, keys, dt)
		if err != nil {
			return total, fmt.Errorf("delete neighbors in set %s: %w", setID, err)
		}
		total += n
		metrics.EntitiesDeleted.WithLabelValues(d.setLabel(setID)).Add(float64(n))
	}

	n, err := d.client.DeleteEntities(ctx, participantsSet, participantKeys, dt)
	if err != nil {
		return total, fmt.Errorf("delete participants: %w", err)
	}
	total += n
	metrics.EntitiesDeleted.WithLabelValues(string(edm.Participants)).Add(float64(n))
	d.log.Info("participant data removed",
		"study", studyID, "participants", len(participantKeys), "entities", total)

	if wholeStudy {
		studiesSet, err := d.reg.RequireSetID(edm.Studies)
		if err != nil {
			return total, err
		}
		studyKey, ok := d.dir.StudyKey(studyID)
		if !ok {
			return total, fmt.Errorf("study %s not found", studyID)
		}
		sn, err := d.client.DeleteEntities(ctx, studiesSet, []uuid.UUID{studyKey}, dt)
		if err != nil {
			return total, fmt.Errorf("delete study: %w", err)
		}
		total += sn
		metrics.EntitiesDeleted.WithLabelValues(string(edm.Studies)).Add(float64(sn))
		d.log.Info("study removed", "study", studyID)
	}
	return total, nil
}

// installed resolves templates to set ids, dropping the uninstalled ones.
func (d *Deleter) installed(templates []edm.Template) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(templates))
	for _, t := range templates {
		if id, ok := d.reg.SetID(t); ok {
			out = append(out, id)
		}
	}
	return out
}

// setLabel maps a set id back to its template name for metrics.
func (d *Deleter) setLabel(setID uuid.UUID) string {
	for _, t := range edm.AllTemplates {
		if id, ok := d.reg.SetID(t); ok && id == setID {
			return string(t)
		}
	}
	return "unknown"
}
