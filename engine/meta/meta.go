// Package meta maintains one summary entity per participant describing their
// collection history: first record seen, last record seen, and the set of
// distinct days with data. Summaries are derived state; losing an update
// degrades statistics, never collected data.
package meta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/keys"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/google/uuid"
)

// MinimumDate rejects garbage timestamps. Devices with a dead clock report
// dates at the epoch; those must never become a participant's firstSeen.
var MinimumDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Aggregator folds record batches into participant summaries.
type Aggregator struct {
	client store.Client
	keys   *keys.Resolver
	reg    *edm.Registry
	cat    *edm.Catalog
	log    *slog.Logger
}

// New builds an Aggregator.
func New(client store.Client, kr *keys.Resolver, reg *edm.Registry, cat *edm.Catalog, log *slog.Logger) *Aggregator {
	return &Aggregator{client: client, keys: kr, reg: reg, cat: cat, log: log}
}

// Update folds a batch of records into the participant's summary:
//   - firstSeen is preserved once set, seeded with the batch minimum
//   - lastSeen is overwritten with the batch maximum
//   - the day set is unioned with the batch's distinct truncated days
//
// Batches with no plausible timestamps leave the summary untouched. The
// summary read and write are not transactional; concurrent batches may lose
// a day stamp, which the next batch for that day repairs.
func (a *Aggregator) Update(ctx context.Context, participantSetID, participantKey uuid.UUID, records []store.Data) error {
	stamps := a.collectStamps(records)
	if len(stamps) == 0 {
		return nil
	}

	first, last := stamps[0], stamps[0]
	days := make(map[string]struct{}, len(stamps))
	for _, ts := range stamps {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
		days[truncateToDay(ts)] = struct{}{}
	}

	metaSetID, err := a.reg.RequireSetID(edm.Metadata)
	if err != nil {
		return err
	}
	identity := store.Data{a.cat.MustID(edm.OLID): {participantKey.String()}}
	metaKey, err := a.keys.Metadata(ctx, identity)
	if err != nil {
		return fmt.Errorf("resolve metadata key: %w", err)
	}

	existing, found, err := a.client.Entity(ctx, metaSetID, metaKey)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	firstSeen := []any{first.Format(time.RFC3339Nano)}
	if found {
		if prev := existing[edm.StartDateTime]; len(prev) > 0 {
			firstSeen = prev
		}
		for _, d := range existing[edm.RecordedDate] {
			days[store.ValueString(d)] = struct{}{}
		}
	}
	dayList := make([]any, 0, len(days))
	for d := range days {
		dayList = append(dayList, d)
	}

	update := store.Data{
		a.cat.MustID(edm.OLID):          {participantKey.String()},
		a.cat.MustID(edm.StartDateTime): firstSeen,
		a.cat.MustID(edm.EndDateTime):   {last.Format(time.RFC3339Nano)},
		a.cat.MustID(edm.RecordedDate):  dayList,
	}
	if err := a.client.Upsert(ctx, metaSetID, map[uuid.UUID]store.Data{metaKey: update}, store.PartialReplace); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	return a.linkParticipant(ctx, participantSetID, participantKey, metaSetID, metaKey, firstSeen)
}

// linkParticipant connects participant to summary with a has edge whose key
// is derived from the participant, so repeated updates reuse the same edge.
func (a *Aggregator) linkParticipant(ctx context.Context, participantSetID, participantKey, metaSetID, metaKey uuid.UUID, firstSeen []any) error {
	hasSetID, err := a.reg.RequireSetID(edm.Has)
	if err != nil {
		return err
	}
	hasData := store.Data{a.cat.MustID(edm.OLID): {participantKey.String()}}
	hasKey, err := a.keys.Has(hasData)
	if err != nil {
		return fmt.Errorf("resolve has key: %w", err)
	}
	g := store.DataGraph{
		Associations: map[uuid.UUID][]store.Association{
			hasSetID: {{
				Key:    hasKey,
				SrcSet: participantSetID,
				Src:    store.KeyRef(participantKey),
				DstSet: metaSetID,
				Dst:    store.KeyRef(metaKey),
				Data:   store.Data{a.cat.MustID(edm.OLID): firstSeen},
			}},
		},
	}
	if err := a.client.CreateGraph(ctx, g); err != nil {
		return fmt.Errorf("link metadata: %w", err)
	}
	return nil
}

// collectStamps pulls every plausible logged timestamp out of a batch.
func (a *Aggregator) collectStamps(records []store.Data) []time.Time {
	dateLoggedID := a.cat.MustID(edm.DateLogged)
	var out []time.Time
	for _, rec := range records {
		for _, v := range rec[dateLoggedID] {
			ts, ok := store.ParseTime(v)
			if !ok {
				a.log.Debug("unparseable logged date", "value", v)
				continue
			}
			if ts.After(MinimumDate) {
				out = append(out, ts)
			}
		}
	}
	return out
}

// truncateToDay drops the time of day, keeping the stamp's own zone offset.
func truncateToDay(ts time.Time) string {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location()).Format(time.RFC3339)
}
