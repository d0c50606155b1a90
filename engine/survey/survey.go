// Package survey serves questionnaires attached to studies and records
// participant responses. Questionnaires and their questions hang off the
// study through part-of associations; answers are written as a positional
// batch linking participant, answer, and question in one graph write.
package survey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/google/uuid"
)

var (
	ErrQuestionnaireNotFound = errors.New("questionnaire not found")
	ErrUnknownParticipant    = errors.New("unknown participant")
)

// Questionnaire is one survey with its questions.
type Questionnaire struct {
	Key       uuid.UUID
	Details   store.Entity
	Questions []Question
}

// Question is one question entity within a questionnaire.
type Question struct {
	Key     uuid.UUID
	Details store.Entity
}

// Response is a participant's answer to one question.
type Response struct {
	QuestionKey uuid.UUID
	Values      []any
}

// AppUsageDetail pairs an app entity with the usage association that links
// it to the participant.
type AppUsageDetail struct {
	EdgeKey     uuid.UUID
	App         store.Entity
	Association store.Entity
}

// Service answers survey queries and accepts submissions.
type Service struct {
	client store.Client
	dir    *directory.Directory
	reg    *edm.Registry
	cat    *edm.Catalog
	log    *slog.Logger
}

// New builds a Service.
func New(client store.Client, dir *directory.Directory, reg *edm.Registry, cat *edm.Catalog, log *slog.Logger) *Service {
	return &Service{client: client, dir: dir, reg: reg, cat: cat, log: log}
}

// StudyQuestionnaires lists every questionnaire attached to a study, keyed
// by questionnaire entity key.
func (s *Service) StudyQuestionnaires(ctx context.Context, studyID uuid.UUID) (map[uuid.UUID]store.Entity, error) {
	neighbors, err := s.studySurveyNeighbors(ctx, studyID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]store.Entity, len(neighbors))
	for _, n := range neighbors {
		out[n.Key] = n.Details
	}
	s.log.Info("questionnaires listed", "study", studyID, "count", len(out))
	return out, nil
}

// Questionnaire fetches one questionnaire of a study with its questions. A
// questionnaire key that is not attached to the study is not found; the
// caller must never receive an empty questionnaire for a bad key.
func (s *Service) Questionnaire(ctx context.Context, studyID, questionnaireKey uuid.UUID) (*Questionnaire, error) {
	neighbors, err := s.studySurveyNeighbors(ctx, studyID)
	if err != nil {
		return nil, err
	}
	var q *Questionnaire
	for _, n := range neighbors {
		if n.Key == questionnaireKey {
			q = &Questionnaire{Key: n.Key, Details: n.Details}
			break
		}
	}
	if q == nil {
		return nil, fmt.Errorf("questionnaire %s in study %s: %w", questionnaireKey, studyID, ErrQuestionnaireNotFound)
	}

	surveysSet, err := s.reg.RequireSetID(edm.Surveys)
	if err != nil {
		return nil, err
	}
	questionsSet, err := s.reg.RequireSetID(edm.Questions)
	if err != nil {
		return nil, err
	}
	filter := store.NeighborFilter{Src: []uuid.UUID{questionsSet}}
	if edge, ok := s.reg.SetID(edm.PartOf); ok {
		filter.Edge = []uuid.UUID{edge}
	}
	questionNeighbors, err := s.client.NeighborSearch(ctx, surveysSet, []uuid.UUID{questionnaireKey}, filter)
	if err != nil {
		return nil, fmt.Errorf("questions of %s: %w", questionnaireKey, err)
	}
	for _, n := range questionNeighbors[questionnaireKey] {
		q.Questions = append(q.Questions, Question{Key: n.Key, Details: n.Details})
	}
	s.log.Info("questionnaire retrieved",
		"study", studyID, "questionnaire", questionnaireKey, "questions", len(q.Questions))
	return q, nil
}

func (s *Service) studySurveyNeighbors(ctx context.Context, studyID uuid.UUID) ([]store.Neighbor, error) {
	studyKey, ok := s.dir.StudyKey(studyID)
	if !ok {
		return nil, fmt.Errorf("study %s not found", studyID)
	}
	studiesSet, err := s.reg.RequireSetID(edm.Studies)
	if err != nil {
		return nil, err
	}
	surveysSet, err := s.reg.RequireSetID(edm.Surveys)
	if err != nil {
		return nil, err
	}
	filter := store.NeighborFilter{Src: []uuid.UUID{surveysSet}, Dst: []uuid.UUID{studiesSet}}
	if edge, ok := s.reg.SetID(edm.PartOf); ok {
		filter.Edge = []uuid.UUID{edge}
	}
	studyKeyList := []uuid.UUID{studyKey}
	neighbors, err := s.client.NeighborSearch(ctx, studiesSet, studyKeyList, filter)
	if err != nil {
		return nil, fmt.Errorf("questionnaires of study %s: %w", studyID, err)
	}
	return neighbors[studyKey], nil
}

// SubmitQuestionnaire stores a participant's responses: one answer entity
// per question, linked to the participant and to the question it addresses,
// all in a single batched write.
func (s *Service) SubmitQuestionnaire(ctx context.Context, studyID uuid.UUID, participantID string, responses []Response) error {
	participantKey, ok := s.dir.ParticipantKey(studyID, participantID)
	if !ok {
		return fmt.Errorf("participant %q in study %s: %w", participantID, studyID, ErrUnknownParticipant)
	}
	participantsSet, err := s.reg.RequireSetID(edm.Participants)
	if err != nil {
		return err
	}
	answersSet, err := s.reg.RequireSetID(edm.Answers)
	if err != nil {
		return err
	}
	respondsWithSet, err := s.reg.RequireSetID(edm.RespondsWith)
	if err != nil {
		return err
	}
	addressesSet, err := s.reg.RequireSetID(edm.Addresses)
	if err != nil {
		return err
	}
	questionsSet, err := s.reg.RequireSetID(edm.Questions)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	valuesID := s.cat.MustID(edm.Values)
	dateTimeID := s.cat.MustID(edm.DateTime)
	completedID := s.cat.MustID(edm.CompletedDateTime)

	g := store.DataGraph{
		Entities:     map[uuid.UUID][]store.Data{},
		Associations: map[uuid.UUID][]store.Association{},
	}
	for i, resp := range responses {
		g.Entities[answersSet] = append(g.Entities[answersSet],
			store.Data{valuesID: resp.Values})

		g.Associations[respondsWithSet] = append(g.Associations[respondsWithSet],
			store.Association{
				SrcSet: participantsSet, Src: store.KeyRef(participantKey),
				DstSet: answersSet, Dst: store.IndexRef(i),
				Data: store.Data{dateTimeID: {now}},
			})
		g.Associations[addressesSet] = append(g.Associations[addressesSet],
			store.Association{
				SrcSet: answersSet, Src: store.IndexRef(i),
				DstSet: questionsSet, Dst: store.KeyRef(resp.QuestionKey),
				Data: store.Data{completedID: {now}},
			})
	}
	if err := s.client.CreateGraph(ctx, g); err != nil {
		return fmt.Errorf("submit questionnaire: %w", err)
	}
	s.log.Info("questionnaire submitted",
		"study", studyID, "participant", participantID, "answers", len(responses))
	return nil
}

// ParticipantAppUsage lists the apps a participant used on a given day
// (date in YYYY-MM-DD form), with the usage association for each.
func (s *Service) ParticipantAppUsage(ctx context.Context, studyID uuid.UUID, participantID, date string) ([]AppUsageDetail, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	participantKey, ok := s.dir.ParticipantKey(studyID, participantID)
	if !ok {
		return nil, fmt.Errorf("participant %q in study %s: %w", participantID, studyID, ErrUnknownParticipant)
	}
	participantsSet, err := s.reg.RequireSetID(edm.Participants)
	if err != nil {
		return nil, err
	}
	userAppsSet, err := s.reg.RequireSetID(edm.UserApps)
	if err != nil {
		return nil, err
	}
	usedBySet, err := s.reg.RequireSetID(edm.UsedBy)
	if err != nil {
		return nil, err
	}

	neighbors, err := s.client.NeighborSearch(ctx, participantsSet, []uuid.UUID{participantKey},
		store.NeighborFilter{
			Src:  []uuid.UUID{userAppsSet},
			Dst:  []uuid.UUID{participantsSet},
			Edge: []uuid.UUID{usedBySet},
		})
	if err != nil {
		return nil, fmt.Errorf("app usage for %q: %w", participantID, err)
	}

	var out []AppUsageDetail
	for _, n := range neighbors[participantKey] {
		if !strings.HasPrefix(n.Association.FirstString(edm.DateTime), date) {
			continue
		}
		out = append(out, AppUsageDetail{EdgeKey: n.EdgeKey, App: n.Details, Association: n.Association})
	}
	s.log.Info("app usage listed",
		"study", studyID, "participant", participantID, "date", date, "apps", len(out))
	return out, nil
}

// UpdateAppUsage replaces the property data on usage associations after a
// participant reviews their usage survey. Values are keyed by association
// entity key; the write replaces each association's stored properties.
func (s *Service) UpdateAppUsage(ctx context.Context, studyID uuid.UUID, participantID string, details map[uuid.UUID]map[string][]any) (int, error) {
	if _, ok := s.dir.ParticipantKey(studyID, participantID); !ok {
		return 0, fmt.Errorf("participant %q in study %s: %w", participantID, studyID, ErrUnknownParticipant)
	}
	usedBySet, err := s.reg.RequireSetID(edm.UsedBy)
	if err != nil {
		return 0, err
	}
	updates := make(map[uuid.UUID]store.Data, len(details))
	for edgeKey, props := range details {
		data := make(store.Data, len(props))
		for name, vals := range props {
			id, ok := s.cat.ID(edm.ParseFQN(name))
			if !ok {
				return 0, fmt.Errorf("unknown property %q", name)
			}
			data[id] = vals
		}
		updates[edgeKey] = data
	}
	if err := s.client.UpsertAssociations(ctx, usedBySet, updates, store.Replace); err != nil {
		return 0, fmt.Errorf("update app usage: %w", err)
	}
	s.log.Info("app usage updated",
		"study", studyID, "participant", participantID, "associations", len(updates))
	return len(updates), nil
}
