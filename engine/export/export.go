// Package export reads a participant's collected data back out of the graph
// as flat records suitable for file download. Graph identifiers never leave
// the system: entity keys, identity properties, and raw property names are
// all stripped or replaced with human-readable titles. Failure is always
// loud; an export that breaks halfway must not look like an empty dataset.
package export

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/pkg/metrics"
	"github.com/google/uuid"
)

// Prefixes distinguish source-entity columns from association columns in the
// flat record.
const (
	appPrefix  = "app_"
	userPrefix = "user_"
)

// DefaultTimezone applies when a record carries no timezone of its own.
const DefaultTimezone = "UTC"

// Record is one flat export row: column title → values.
type Record map[string][]any

// Reader produces participant exports.
type Reader struct {
	client store.Client
	dir    *directory.Directory
	reg    *edm.Registry
	cat    *edm.Catalog
	log    *slog.Logger
}

// NewReader builds a Reader.
func NewReader(client store.Client, dir *directory.Directory, reg *edm.Registry, cat *edm.Catalog, log *slog.Logger) *Reader {
	return &Reader{client: client, dir: dir, reg: reg, cat: cat, log: log}
}

// RawData exports the participant's raw telemetry records.
func (r *Reader) RawData(ctx context.Context, studyID uuid.UUID, participantID string) (iter.Seq[Record], error) {
	return r.participantData(ctx, studyID, participantID, edm.AppData, edm.RecordedBy)
}

// PreprocessedData exports the participant's preprocessed records.
func (r *Reader) PreprocessedData(ctx context.Context, studyID uuid.UUID, participantID string) (iter.Seq[Record], error) {
	return r.participantData(ctx, studyID, participantID, edm.PreprocessedData, edm.RecordedBy)
}

// AppUsage exports the participant's curated app-usage mapping.
func (r *Reader) AppUsage(ctx context.Context, studyID uuid.UUID, participantID string) (iter.Seq[Record], error) {
	return r.participantData(ctx, studyID, participantID, edm.UserApps, edm.UsedBy)
}

// participantData fetches and flattens every source entity reachable from
// the participant through the edge set. The fetch and the cleaning are eager
// so that any failure surfaces before the first row is handed out; the
// returned sequence just walks the finished rows.
func (r *Reader) participantData(ctx context.Context, studyID uuid.UUID, participantID string, source, edge edm.Template) (iter.Seq[Record], error) {
	participantKey, ok := r.dir.ParticipantKey(studyID, participantID)
	if !ok {
		return nil, fmt.Errorf("participant %q in study %s not found", participantID, studyID)
	}
	participantsSet, err := r.reg.RequireSetID(edm.Participants)
	if err != nil {
		return nil, err
	}
	sourceSet, err := r.reg.RequireSetID(source)
	if err != nil {
		return nil, err
	}
	edgeSet, err := r.reg.RequireSetID(edge)
	if err != nil {
		return nil, err
	}

	neighbors, err := r.client.NeighborSearch(ctx, participantsSet, []uuid.UUID{participantKey},
		store.NeighborFilter{
			Src:  []uuid.UUID{sourceSet},
			Dst:  []uuid.UUID{participantsSet},
			Edge: []uuid.UUID{edgeSet},
		})
	if err != nil {
		return nil, fmt.Errorf("export fetch failed: %w", err)
	}

	sourceKeys := fqnSet(edm.KeyProperties(source))
	edgeKeys := fqnSet(edm.KeyProperties(edge))

	rows := make([]Record, 0, len(neighbors[participantKey]))
	for _, n := range neighbors[participantKey] {
		row, err := r.flatten(n, sourceKeys, edgeKeys)
		if err != nil {
			return nil, fmt.Errorf("export of %s failed: %w", source, err)
		}
		rows = append(rows, row)
	}
	metrics.ExportRows.Add(float64(len(rows)))
	r.log.Info("participant data exported",
		"study", studyID, "participant", participantID, "source", source, "rows", len(rows))

	return func(yield func(Record) bool) {
		for _, row := range rows {
			if !yield(row) {
				return
			}
		}
	}, nil
}

// flatten turns one neighbor into a flat row: source properties under app_
// titles with timestamps rebased into the record's timezone, association
// properties under user_ titles, identity and identifier properties dropped.
func (r *Reader) flatten(n store.Neighbor, sourceKeys, edgeKeys map[edm.FQN]bool) (Record, error) {
	tz, err := recordZone(n.Details)
	if err != nil {
		return nil, err
	}
	row := make(Record)
	for f, vals := range n.Details {
		if f == edm.OLID || sourceKeys[f] {
			continue
		}
		pt, ok := r.cat.LookupFQN(f)
		if !ok {
			continue
		}
		if pt.Datatype == edm.TypeDateTimeOffset {
			row[appPrefix+pt.Title] = rezone(vals, tz)
		} else {
			row[appPrefix+pt.Title] = vals
		}
	}
	for f, vals := range n.Association {
		if f == edm.OLID || edgeKeys[f] {
			continue
		}
		pt, ok := r.cat.LookupFQN(f)
		if !ok {
			continue
		}
		row[userPrefix+pt.Title] = vals
	}
	return row, nil
}

// recordZone resolves the timezone a record's timestamps should be rendered
// in. An unknown zone name fails the export rather than silently shifting
// times into the wrong zone.
func recordZone(details store.Entity) (*time.Location, error) {
	name := details.FirstString(edm.Timezone)
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("bad timezone %q: %w", name, err)
	}
	return loc, nil
}

// rezone renders timestamp values in the target zone, dropping values that
// do not parse.
func rezone(vals []any, tz *time.Location) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		ts, ok := store.ParseTime(v)
		if !ok {
			continue
		}
		out = append(out, ts.In(tz).Format(time.RFC3339Nano))
	}
	return out
}

func fqnSet(fqns []edm.FQN) map[edm.FQN]bool {
	out := make(map[edm.FQN]bool, len(fqns))
	for _, f := range fqns {
		out[f] = true
	}
	return out
}
