// Package keys derives stable graph keys for logical objects. A key is a
// pure function of the entity's canonical identity properties, so repeated
// submissions of the same object upsert instead of duplicating it.
package keys

import (
	"context"
	"fmt"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/google/uuid"
)

// Resolver reserves deterministic entity keys and merges the accompanying
// property data into the entity in the same step.
type Resolver struct {
	client store.Client
	reg    *edm.Registry
	cat    *edm.Catalog
}

// New builds a Resolver.
func New(client store.Client, reg *edm.Registry, cat *edm.Catalog) *Resolver {
	return &Resolver{client: client, reg: reg, cat: cat}
}

// Resolve reserves the key defined by the template's identity properties and
// merges data into the entity. Identical identity values always yield the
// same key, regardless of the non-key payload.
func (r *Resolver) Resolve(ctx context.Context, t edm.Template, data store.Data) (uuid.UUID, error) {
	setID, err := r.reg.RequireSetID(t)
	if err != nil {
		return uuid.Nil, err
	}
	keyProps := edm.KeyProperties(t)
	if len(keyProps) == 0 {
		return uuid.Nil, fmt.Errorf("no identity properties defined for %q", t)
	}
	ids, err := r.cat.IDs(keyProps...)
	if err != nil {
		return uuid.Nil, err
	}
	key, err := r.client.ReserveKey(ctx, setID, ids, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("reserve %s key: %w", t, err)
	}
	if err := r.client.Upsert(ctx, setID, map[uuid.UUID]store.Data{key: data}, store.Merge); err != nil {
		return uuid.Nil, fmt.Errorf("merge %s entity: %w", t, err)
	}
	return key, nil
}

// Device resolves a device by its string id.
func (r *Resolver) Device(ctx context.Context, data store.Data) (uuid.UUID, error) {
	return r.Resolve(ctx, edm.Devices, data)
}

// UserApp resolves an app dictionary entry by package name.
func (r *Resolver) UserApp(ctx context.Context, data store.Data) (uuid.UUID, error) {
	return r.Resolve(ctx, edm.UserApps, data)
}

// Derive computes the key for a template's identity properties without
// touching the store. Association keys use this: the edge itself is written
// by a graph batch carrying the key, so there is nothing to reserve.
func (r *Resolver) Derive(t edm.Template, data store.Data) (uuid.UUID, error) {
	setID, err := r.reg.RequireSetID(t)
	if err != nil {
		return uuid.Nil, err
	}
	ids, err := r.cat.IDs(edm.KeyProperties(t)...)
	if err != nil {
		return uuid.Nil, err
	}
	return store.DeriveKey(setID, ids, data), nil
}

// UsedBy derives a usage association key, unique per app, participant, and
// day.
func (r *Resolver) UsedBy(data store.Data, packageName, participantID string) (uuid.UUID, error) {
	augmented := withProps(data, map[edm.FQN]any{
		edm.FullName: packageName,
		edm.PersonID: participantID,
	}, r.cat)
	return r.Derive(edm.UsedBy, augmented)
}

// RecordedBy derives a recording association key, unique per app, device,
// and day.
func (r *Resolver) RecordedBy(data store.Data, packageName string) (uuid.UUID, error) {
	augmented := withProps(data, map[edm.FQN]any{
		edm.FullName: packageName,
	}, r.cat)
	return r.Derive(edm.RecordedBy, augmented)
}

// Metadata resolves a participant's metadata summary, keyed by the
// participant's entity key.
func (r *Resolver) Metadata(ctx context.Context, data store.Data) (uuid.UUID, error) {
	return r.Resolve(ctx, edm.Metadata, data)
}

// Has derives the has-association key linking a participant to their
// metadata summary.
func (r *Resolver) Has(data store.Data) (uuid.UUID, error) {
	return r.Derive(edm.Has, data)
}

// withProps copies data and sets single-valued properties on the copy.
func withProps(data store.Data, extra map[edm.FQN]any, cat *edm.Catalog) store.Data {
	out := make(store.Data, len(data)+len(extra))
	for pid, vals := range data {
		out[pid] = vals
	}
	for f, v := range extra {
		if id, ok := cat.ID(f); ok {
			out[id] = []any{v}
		}
	}
	return out
}
