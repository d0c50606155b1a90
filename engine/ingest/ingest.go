// Package ingest accepts telemetry batches from enrolled devices and lands
// them in the graph: a curated app-usage mapping, the raw records verbatim,
// and a metadata fold per batch. Deterministic keys make the whole pipeline
// idempotent; devices retry aggressively on flaky networks and resubmitted
// batches must not duplicate anything.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/enrollment"
	"github.com/cohortlabs/cohort/engine/keys"
	"github.com/cohortlabs/cohort/engine/meta"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/pkg/metrics"
	"github.com/google/uuid"
)

var (
	ErrUnknownStudy       = errors.New("unknown study")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownDatasource  = errors.New("unknown datasource")
	ErrNotEnrolled        = errors.New("participant not enrolled")
)

// Datasource describes the device being registered.
type Datasource struct {
	Model     string `json:"model,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Client store.Client
	Dir    *directory.Directory
	Apps   *directory.SystemApps
	Enroll *enrollment.Service
	Keys   *keys.Resolver
	Meta   *meta.Aggregator
	Reg    *edm.Registry
	Cat    *edm.Catalog
	Log    *slog.Logger
}

// Service is the ingestion pipeline.
type Service struct {
	d Deps
}

// New builds a Service.
func New(d Deps) *Service {
	return &Service{d: d}
}

// RegisterDatasource registers a device to a participant within a study and
// links it to both. The device key is derived from the device id, so
// re-registering returns the same key and reuses the same links.
func (s *Service) RegisterDatasource(ctx context.Context, studyID uuid.UUID, participantID, deviceID string, ds *Datasource) (uuid.UUID, error) {
	studyKey, ok := s.d.Dir.StudyKey(studyID)
	if !ok {
		return uuid.Nil, fmt.Errorf("study %s: %w", studyID, ErrUnknownStudy)
	}
	participantKey, ok := s.d.Dir.ParticipantKey(studyID, participantID)
	if !ok {
		return uuid.Nil, fmt.Errorf("participant %q in study %s: %w", participantID, studyID, ErrUnknownParticipant)
	}

	deviceData := store.Data{s.d.Cat.MustID(edm.StringID): {deviceID}}
	if ds != nil {
		if ds.Model != "" {
			deviceData[s.d.Cat.MustID(edm.Model)] = []any{ds.Model}
		}
		if ds.OSVersion != "" {
			deviceData[s.d.Cat.MustID(edm.Version)] = []any{ds.OSVersion}
		}
	}
	deviceKey, err := s.d.Keys.Device(ctx, deviceData)
	if err != nil {
		return uuid.Nil, err
	}

	devicesSet, err := s.d.Reg.RequireSetID(edm.Devices)
	if err != nil {
		return uuid.Nil, err
	}
	participantsSet, err := s.d.Reg.RequireSetID(edm.Participants)
	if err != nil {
		return uuid.Nil, err
	}
	studiesSet, err := s.d.Reg.RequireSetID(edm.Studies)
	if err != nil {
		return uuid.Nil, err
	}
	usedBySet, err := s.d.Reg.RequireSetID(edm.UsedBy)
	if err != nil {
		return uuid.Nil, err
	}

	linkData := store.Data{s.d.Cat.MustID(edm.StringID): {deviceID}}
	g := store.DataGraph{
		Associations: map[uuid.UUID][]store.Association{
			usedBySet: {
				{
					Key:    pairKey(deviceKey, participantKey),
					SrcSet: devicesSet, Src: store.KeyRef(deviceKey),
					DstSet: participantsSet, Dst: store.KeyRef(participantKey),
					Data: linkData,
				},
				{
					Key:    pairKey(deviceKey, studyKey),
					SrcSet: devicesSet, Src: store.KeyRef(deviceKey),
					DstSet: studiesSet, Dst: store.KeyRef(studyKey),
					Data: linkData,
				},
			},
		},
	}
	if err := s.d.Client.CreateGraph(ctx, g); err != nil {
		return uuid.Nil, fmt.Errorf("link device: %w", err)
	}
	s.d.Log.Info("datasource registered",
		"study", studyID, "participant", participantID, "device", deviceID, "key", deviceKey)
	return deviceKey, nil
}

// LogData lands one telemetry batch: curated usage mapping, raw records, and
// the metadata fold, in that order. It returns the number of submitted
// records. A participant who withdrew wins over a stale directory snapshot;
// enrollment is checked live on every batch.
func (s *Service) LogData(ctx context.Context, studyID uuid.UUID, participantID, deviceID string, records []store.Data) (int, error) {
	start := time.Now()

	participantKey, ok := s.d.Dir.ParticipantKey(studyID, participantID)
	if !ok {
		return 0, fmt.Errorf("participant %q in study %s: %w", participantID, studyID, ErrUnknownParticipant)
	}
	status, err := s.d.Enroll.Status(ctx, studyID, participantID)
	if err != nil {
		return 0, err
	}
	if status == enrollment.StatusNotEnrolled {
		s.d.Log.Warn("upload from withdrawn participant ignored",
			"study", studyID, "participant", participantID)
		return 0, ErrNotEnrolled
	}
	deviceKey, ok := s.d.Dir.DeviceKey(studyID, participantID, deviceID)
	if !ok {
		return 0, fmt.Errorf("device %q in study %s: %w", deviceID, studyID, ErrUnknownDatasource)
	}
	participantsSet, err := s.d.Reg.RequireSetID(edm.Participants)
	if err != nil {
		return 0, err
	}

	s.mapUsage(ctx, deviceKey, participantsSet, participantKey, participantID, deviceID, records)

	if err := s.writeRawBatch(ctx, deviceKey, participantsSet, participantKey, records); err != nil {
		return 0, err
	}
	if err := s.d.Meta.Update(ctx, participantsSet, participantKey, records); err != nil {
		return 0, err
	}

	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	metrics.RecordsIngested.WithLabelValues("raw").Add(float64(len(records)))
	return len(records), nil
}

// mapUsage builds the curated app-usage subgraph: one app entity per package
// name, linked to the device it was recorded by and the participant it was
// used by, one usage edge per app and day. A bad record is logged and
// skipped; it never fails the batch.
func (s *Service) mapUsage(ctx context.Context, deviceKey, participantsSet, participantKey uuid.UUID, participantID, deviceID string, records []store.Data) {
	sets, ok := s.usageSetIDs(participantsSet)
	if !ok {
		return
	}
	uploaded := 0
	for _, rec := range records {
		if err := s.mapOneUsage(ctx, rec, sets, deviceKey, participantKey, participantID, deviceID); err != nil {
			metrics.RecordsSkipped.WithLabelValues("malformed").Inc()
			s.d.Log.Error("usage record skipped", "participant", participantID, "err", err)
			continue
		}
		uploaded++
	}
	metrics.RecordsIngested.WithLabelValues("usage").Add(float64(uploaded))
	s.d.Log.Info("usage records mapped", "count", uploaded, "participant", participantID)
}

type usageSets struct {
	userApps, usedBy, recordedBy, devices, participants uuid.UUID
}

func (s *Service) usageSetIDs(participantsSet uuid.UUID) (usageSets, bool) {
	out := usageSets{participants: participantsSet}
	var ok bool
	if out.userApps, ok = s.d.Reg.SetID(edm.UserApps); !ok {
		return out, false
	}
	if out.usedBy, ok = s.d.Reg.SetID(edm.UsedBy); !ok {
		return out, false
	}
	if out.recordedBy, ok = s.d.Reg.SetID(edm.RecordedBy); !ok {
		return out, false
	}
	if out.devices, ok = s.d.Reg.SetID(edm.Devices); !ok {
		return out, false
	}
	return out, true
}

func (s *Service) mapOneUsage(ctx context.Context, rec store.Data, sets usageSets, deviceKey, participantKey uuid.UUID, participantID, deviceID string) error {
	pkg := firstString(rec[s.d.Cat.MustID(edm.FullName)])
	if pkg == "" {
		return errors.New("record has no package name")
	}
	if s.d.Apps.Contains(pkg) {
		metrics.RecordsSkipped.WithLabelValues("system_app").Inc()
		return nil
	}
	appName := pkg
	if t := firstString(rec[s.d.Cat.MustID(edm.Title)]); t != "" {
		appName = t
	}
	logged, ok := store.ParseTime(first(rec[s.d.Cat.MustID(edm.DateLogged)]))
	if !ok {
		return errors.New("record has no parseable logged date")
	}
	day := midnight(logged)

	appData := store.Data{
		s.d.Cat.MustID(edm.FullName): {pkg},
		s.d.Cat.MustID(edm.Title):    {appName},
	}
	appKey, err := s.d.Keys.UserApp(ctx, appData)
	if err != nil {
		return err
	}

	recordedByData := store.Data{
		s.d.Cat.MustID(edm.DateLogged): {day},
		s.d.Cat.MustID(edm.StringID):   {deviceID},
	}
	recordedByKey, err := s.d.Keys.RecordedBy(recordedByData, pkg)
	if err != nil {
		return err
	}

	usedByData := store.Data{s.d.Cat.MustID(edm.DateTime): {day}}
	usedByKey, err := s.d.Keys.UsedBy(usedByData, pkg, participantID)
	if err != nil {
		return err
	}

	g := store.DataGraph{
		Associations: map[uuid.UUID][]store.Association{
			sets.recordedBy: {{
				Key:    recordedByKey,
				SrcSet: sets.userApps, Src: store.KeyRef(appKey),
				DstSet: sets.devices, Dst: store.KeyRef(deviceKey),
				Data: recordedByData,
			}},
			sets.usedBy: {{
				Key:    usedByKey,
				SrcSet: sets.userApps, Src: store.KeyRef(appKey),
				DstSet: sets.participants, Dst: store.KeyRef(participantKey),
				Data: usedByData,
			}},
		},
	}
	return s.d.Client.CreateGraph(ctx, g)
}

// writeRawBatch lands the batch verbatim in one graph write, each record
// linked to its device and participant through positional refs.
func (s *Service) writeRawBatch(ctx context.Context, deviceKey, participantsSet, participantKey uuid.UUID, records []store.Data) error {
	if len(records) == 0 {
		return nil
	}
	appDataSet, err := s.d.Reg.RequireSetID(edm.AppData)
	if err != nil {
		return err
	}
	recordedBySet, err := s.d.Reg.RequireSetID(edm.RecordedBy)
	if err != nil {
		return err
	}
	devicesSet, err := s.d.Reg.RequireSetID(edm.Devices)
	if err != nil {
		return err
	}

	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	linkData := store.Data{s.d.Cat.MustID(edm.DateLogged): {stamp}}

	g := store.DataGraph{
		Entities:     map[uuid.UUID][]store.Data{appDataSet: records},
		Associations: map[uuid.UUID][]store.Association{},
	}
	for i := range records {
		g.Associations[recordedBySet] = append(g.Associations[recordedBySet],
			store.Association{
				SrcSet: appDataSet, Src: store.IndexRef(i),
				DstSet: devicesSet, Dst: store.KeyRef(deviceKey),
				Data: linkData,
			},
			store.Association{
				SrcSet: appDataSet, Src: store.IndexRef(i),
				DstSet: participantsSet, Dst: store.KeyRef(participantKey),
				Data: linkData,
			},
		)
	}
	if err := s.d.Client.CreateGraph(ctx, g); err != nil {
		return fmt.Errorf("write raw batch: %w", err)
	}
	return nil
}

// DecodeRecord translates one wire record (property name → values) into
// id-keyed entity data. Unknown property names fail the record.
func DecodeRecord(cat *edm.Catalog, raw map[string][]any) (store.Data, error) {
	out := make(store.Data, len(raw))
	for name, vals := range raw {
		id, ok := cat.ID(edm.ParseFQN(name))
		if !ok {
			return nil, fmt.Errorf("unknown property %q", name)
		}
		out[id] = vals
	}
	return out, nil
}

// pairKey derives a stable association key for a fixed src/dst pair.
func pairKey(src, dst uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(src, dst[:])
}

// midnight truncates a timestamp to the start of its day, keeping the
// stamp's own zone offset. Usage edges are per app and day; two events from
// the same app on the same day must produce the same rendering.
func midnight(ts time.Time) string {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location()).Format(time.RFC3339)
}

func first(vals []any) any {
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func firstString(vals []any) string {
	if len(vals) == 0 {
		return ""
	}
	return store.ValueString(vals[0])
}
