// Package enrollment answers live questions about study participation. The
// directory cache answers "who exists"; this package answers "may this
// participant upload right now", which always goes to the store because a
// withdrawal must take effect immediately, not after the next cache refresh.
package enrollment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/google/uuid"
)

// ParticipationStatus is a participant's standing within one study, read
// from the enrollment association.
type ParticipationStatus int

const (
	// StatusUnknown means the association carries no status. Uploads
	// proceed; only an explicit withdrawal blocks them.
	StatusUnknown ParticipationStatus = iota
	StatusEnrolled
	StatusNotEnrolled
)

func (s ParticipationStatus) String() string {
	switch s {
	case StatusEnrolled:
		return "ENROLLED"
	case StatusNotEnrolled:
		return "NOT_ENROLLED"
	}
	return "UNKNOWN"
}

func parseStatus(s string) ParticipationStatus {
	switch s {
	case "ENROLLED":
		return StatusEnrolled
	case "NOT_ENROLLED":
		return StatusNotEnrolled
	}
	return StatusUnknown
}

// Service reads enrollment state.
type Service struct {
	client store.Client
	reg    *edm.Registry
	dir    *directory.Directory
	log    *slog.Logger
}

// New builds a Service.
func New(client store.Client, reg *edm.Registry, dir *directory.Directory, log *slog.Logger) *Service {
	return &Service{client: client, reg: reg, dir: dir, log: log}
}

// IsKnownParticipant reports whether the participant exists in the study.
func (s *Service) IsKnownParticipant(studyID uuid.UUID, participantID string) bool {
	_, ok := s.dir.ParticipantKey(studyID, participantID)
	return ok
}

// IsKnownDatasource reports whether the device is registered to the
// participant within the study.
func (s *Service) IsKnownDatasource(studyID uuid.UUID, participantID, deviceID string) bool {
	_, ok := s.dir.DeviceKey(studyID, participantID, deviceID)
	return ok
}

// ParticipantEntity reads the participant's own entity.
func (s *Service) ParticipantEntity(ctx context.Context, studyID uuid.UUID, participantID string) (store.Entity, bool, error) {
	key, ok := s.dir.ParticipantKey(studyID, participantID)
	if !ok {
		return nil, false, nil
	}
	setID, err := s.reg.RequireSetID(edm.Participants)
	if err != nil {
		return nil, false, err
	}
	return s.client.Entity(ctx, setID, key)
}

// Status reads the participant's enrollment status for a study from the
// study association's status property. A participant with no association to
// the given study, or an association without a status, is Unknown.
func (s *Service) Status(ctx context.Context, studyID uuid.UUID, participantID string) (ParticipationStatus, error) {
	participantKey, ok := s.dir.ParticipantKey(studyID, participantID)
	if !ok {
		return StatusUnknown, nil
	}
	participantsSet, err := s.reg.RequireSetID(edm.Participants)
	if err != nil {
		return StatusUnknown, err
	}
	studiesSet, err := s.reg.RequireSetID(edm.Studies)
	if err != nil {
		return StatusUnknown, err
	}
	filter := store.NeighborFilter{Dst: []uuid.UUID{studiesSet}}
	if edge, ok := s.reg.SetID(edm.ParticipatedIn); ok {
		filter.Edge = []uuid.UUID{edge}
	}
	neighbors, err := s.client.NeighborSearch(ctx, participantsSet, []uuid.UUID{participantKey}, filter)
	if err != nil {
		return StatusUnknown, fmt.Errorf("participation status: %w", err)
	}
	for _, n := range neighbors[participantKey] {
		if n.Details.FirstString(edm.StringID) != studyID.String() {
			continue
		}
		return parseStatus(n.Association.FirstString(edm.Status)), nil
	}
	return StatusUnknown, nil
}

// NotificationsEnabled reports whether a study has notifications switched
// on. Enabled studies have a notification entity linked to them whose
// association carries the study id.
func (s *Service) NotificationsEnabled(ctx context.Context, studyID uuid.UUID) (bool, error) {
	studyKey, ok := s.dir.StudyKey(studyID)
	if !ok {
		return false, fmt.Errorf("study %s not found", studyID)
	}
	studiesSet, err := s.reg.RequireSetID(edm.Studies)
	if err != nil {
		return false, err
	}
	notificationsSet, ok := s.reg.SetID(edm.Notifications)
	if !ok {
		return false, nil
	}
	filter := store.NeighborFilter{Src: []uuid.UUID{notificationsSet}}
	if edge, ok := s.reg.SetID(edm.PartOf); ok {
		filter.Edge = []uuid.UUID{edge}
	}
	neighbors, err := s.client.NeighborSearch(ctx, studiesSet, []uuid.UUID{studyKey}, filter)
	if err != nil {
		return false, fmt.Errorf("notifications enabled: %w", err)
	}
	for _, n := range neighbors[studyKey] {
		if n.Association.FirstString(edm.OLID) == studyID.String() {
			return true, nil
		}
	}
	return false, nil
}
