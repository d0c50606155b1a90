package main

import (
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"

	"github.com/cohortlabs/cohort/engine/cascade"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/enrollment"
	"github.com/cohortlabs/cohort/engine/export"
	"github.com/cohortlabs/cohort/engine/ingest"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/engine/survey"
	"github.com/google/uuid"
)

type apiServer struct {
	pipeline *ingest.Service
	reader   *export.Reader
	deleter  *cascade.Deleter
	enroll   *enrollment.Service
	surveys  *survey.Service
	cat      *edm.Catalog
	log      *slog.Logger
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v2/{studyID}/{participantID}/{deviceID}/register", s.handleRegister)
	mux.HandleFunc("POST /v2/{studyID}/{participantID}/{deviceID}/upload", s.handleUpload)
	mux.HandleFunc("GET /v2/{studyID}/{participantID}/export", s.handleExport)
	mux.HandleFunc("GET /v2/{studyID}/{participantID}/status", s.handleStatus)
	mux.HandleFunc("DELETE /v2/{studyID}/{participantID}", s.handleDeleteParticipant)
	mux.HandleFunc("DELETE /v2/{studyID}", s.handleDeleteStudy)
	mux.HandleFunc("GET /v2/{studyID}/notifications", s.handleNotifications)
	mux.HandleFunc("GET /v2/{studyID}/questionnaires", s.handleQuestionnaires)
	mux.HandleFunc("GET /v2/{studyID}/questionnaire/{questionnaireID}", s.handleQuestionnaire)
	mux.HandleFunc("POST /v2/{studyID}/{participantID}/questionnaire", s.handleSubmitQuestionnaire)
	mux.HandleFunc("GET /v2/{studyID}/{participantID}/apps", s.handleAppUsage)
	mux.HandleFunc("POST /v2/{studyID}/{participantID}/apps", s.handleUpdateAppUsage)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	var ds *ingest.Datasource
	if r.ContentLength > 0 {
		ds = &ingest.Datasource{}
		if err := json.NewDecoder(r.Body).Decode(ds); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	key, err := s.pipeline.RegisterDatasource(r.Context(), studyID,
		r.PathValue("participantID"), r.PathValue("deviceID"), ds)
	if err != nil {
		s.fail(w, "register datasource", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_key": key.String()})
}

func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	var raw []map[string][]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// One bad record does not sink the batch; it is dropped like any other
	// malformed record in the pipeline.
	records := make([]store.Data, 0, len(raw))
	dropped := 0
	for _, m := range raw {
		rec, err := ingest.DecodeRecord(s.cat, m)
		if err != nil {
			s.log.Warn("dropping undecodable record",
				"participant", r.PathValue("participantID"), "err", err)
			dropped++
			continue
		}
		records = append(records, rec)
	}
	n, err := s.pipeline.LogData(r.Context(), studyID,
		r.PathValue("participantID"), r.PathValue("deviceID"), records)
	if err != nil {
		s.fail(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"submitted": n, "dropped": dropped})
}

// handleExport streams the participant's data as NDJSON, one flat record per
// line. The dataset query parameter picks raw, preprocessed, or usage data.
func (s *apiServer) handleExport(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	participantID := r.PathValue("participantID")

	var (
		seq  iter.Seq[export.Record]
		err  error
		kind = r.URL.Query().Get("dataset")
	)
	switch kind {
	case "", "raw":
		seq, err = s.reader.RawData(r.Context(), studyID, participantID)
	case "preprocessed":
		seq, err = s.reader.PreprocessedData(r.Context(), studyID, participantID)
	case "usage":
		seq, err = s.reader.AppUsage(r.Context(), studyID, participantID)
	default:
		writeError(w, http.StatusBadRequest, "unknown dataset "+kind)
		return
	}
	if err != nil {
		s.fail(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for row := range seq {
		if err := enc.Encode(row); err != nil {
			s.log.Error("export stream interrupted", "err", err)
			return
		}
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	status, err := s.enroll.Status(r.Context(), studyID, r.PathValue("participantID"))
	if err != nil {
		s.fail(w, "participation status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

func (s *apiServer) handleDeleteParticipant(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	dt, err := store.ParseDeleteType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.deleter.DeleteParticipant(r.Context(), studyID, r.PathValue("participantID"), dt)
	if err != nil {
		s.fail(w, "delete participant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *apiServer) handleDeleteStudy(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	dt, err := store.ParseDeleteType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.deleter.DeleteStudy(r.Context(), studyID, dt)
	if err != nil {
		s.fail(w, "delete study", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *apiServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	enabled, err := s.enroll.NotificationsEnabled(r.Context(), studyID)
	if err != nil {
		s.fail(w, "notifications enabled", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *apiServer) handleQuestionnaires(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	qs, err := s.surveys.StudyQuestionnaires(r.Context(), studyID)
	if err != nil {
		s.fail(w, "list questionnaires", err)
		return
	}
	out := make(map[string]map[string][]any, len(qs))
	for key, details := range qs {
		out[key.String()] = entityJSON(details)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleQuestionnaire(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	qKey, err := uuid.Parse(r.PathValue("questionnaireID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid questionnaire id")
		return
	}
	q, err := s.surveys.Questionnaire(r.Context(), studyID, qKey)
	if err != nil {
		s.fail(w, "get questionnaire", err)
		return
	}
	type questionJSON struct {
		Key     string           `json:"key"`
		Details map[string][]any `json:"details"`
	}
	resp := struct {
		Key       string           `json:"key"`
		Details   map[string][]any `json:"details"`
		Questions []questionJSON   `json:"questions"`
	}{Key: q.Key.String(), Details: entityJSON(q.Details)}
	for _, question := range q.Questions {
		resp.Questions = append(resp.Questions, questionJSON{
			Key:     question.Key.String(),
			Details: entityJSON(question.Details),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleSubmitQuestionnaire(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	var body map[string][]any // question key → answer values
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	responses := make([]survey.Response, 0, len(body))
	for qk, vals := range body {
		key, err := uuid.Parse(qk)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid question key "+qk)
			return
		}
		responses = append(responses, survey.Response{QuestionKey: key, Values: vals})
	}
	if err := s.surveys.SubmitQuestionnaire(r.Context(), studyID, r.PathValue("participantID"), responses); err != nil {
		s.fail(w, "submit questionnaire", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"answers": len(responses)})
}

func (s *apiServer) handleAppUsage(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	details, err := s.surveys.ParticipantAppUsage(r.Context(), studyID,
		r.PathValue("participantID"), r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, "app usage", err)
		return
	}
	type usageJSON struct {
		EdgeKey     string           `json:"edge_key"`
		App         map[string][]any `json:"app"`
		Association map[string][]any `json:"association"`
	}
	out := make([]usageJSON, 0, len(details))
	for _, d := range details {
		out = append(out, usageJSON{
			EdgeKey:     d.EdgeKey.String(),
			App:         entityJSON(d.App),
			Association: entityJSON(d.Association),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleUpdateAppUsage(w http.ResponseWriter, r *http.Request) {
	studyID, ok := s.studyID(w, r)
	if !ok {
		return
	}
	var body map[string]map[string][]any // edge key → property name → values
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updates := make(map[uuid.UUID]map[string][]any, len(body))
	for ek, props := range body {
		key, err := uuid.Parse(ek)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid association key "+ek)
			return
		}
		updates[key] = props
	}
	n, err := s.surveys.UpdateAppUsage(r.Context(), studyID, r.PathValue("participantID"), updates)
	if err != nil {
		s.fail(w, "update app usage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// --- helpers ---

func (s *apiServer) studyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("studyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid study id")
		return uuid.Nil, false
	}
	return id, true
}

// fail maps engine errors onto HTTP statuses.
func (s *apiServer) fail(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", "err", err)
	switch {
	case errors.Is(err, ingest.ErrNotEnrolled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ingest.ErrUnknownStudy),
		errors.Is(err, ingest.ErrUnknownParticipant),
		errors.Is(err, ingest.ErrUnknownDatasource),
		errors.Is(err, survey.ErrUnknownParticipant),
		errors.Is(err, survey.ErrQuestionnaireNotFound),
		store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case store.IsMalformed(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func entityJSON(e store.Entity) map[string][]any {
	out := make(map[string][]any, len(e))
	for f, vals := range e {
		out[f.String()] = vals
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
