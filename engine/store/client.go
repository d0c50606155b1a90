package store

import (
	"context"
	"sort"
	"strings"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/google/uuid"
)

// Client is the full graph store contract. Reads that can legitimately come
// up empty return an explicit found flag; an error always means the store
// itself failed.
type Client interface {
	// PropertyTypes lists every property type definition the store knows.
	PropertyTypes(ctx context.Context) ([]edm.PropertyType, error)

	// EntitySetID resolves an entity set name to its id.
	EntitySetID(ctx context.Context, name string) (uuid.UUID, bool, error)

	// ReserveKey derives and reserves the deterministic key for the entity
	// identified by the given key-property values. Identical key-property
	// values always resolve to the same key.
	ReserveKey(ctx context.Context, setID uuid.UUID, keyPropertyIDs []uuid.UUID, data Data) (uuid.UUID, error)

	// Upsert writes entity data under already-reserved keys.
	Upsert(ctx context.Context, setID uuid.UUID, entities map[uuid.UUID]Data, mode UpdateMode) error

	// UpsertAssociations rewrites the property data on existing
	// associations, addressed by association key within an edge set.
	UpsertAssociations(ctx context.Context, edgeSetID uuid.UUID, edges map[uuid.UUID]Data, mode UpdateMode) error

	// Entity reads one entity; found=false is not an error.
	Entity(ctx context.Context, setID, key uuid.UUID) (Entity, bool, error)

	// LoadEntitySet reads every live entity in a set, keyed by entity key.
	LoadEntitySet(ctx context.Context, setID uuid.UUID) (map[uuid.UUID]Entity, error)

	// CreateGraph commits a batch of new entities and associations in one
	// write. Positional refs are resolved against the batch.
	CreateGraph(ctx context.Context, g DataGraph) error

	// NeighborSearch returns, for each searched key, the entities adjacent
	// to it through associations matching the filter.
	NeighborSearch(ctx context.Context, setID uuid.UUID, keys []uuid.UUID, f NeighborFilter) (map[uuid.UUID][]Neighbor, error)

	// DeleteEntities removes entities by key and returns how many went away.
	DeleteEntities(ctx context.Context, setID uuid.UUID, keys []uuid.UUID, dt DeleteType) (int, error)
}

// DeriveKey computes the deterministic entity key for a set of key-property
// values: a SHA1 UUID in the entity set's namespace over the canonical,
// ordered rendering of the designated key properties. Non-key properties in
// data never influence the key.
func DeriveKey(setID uuid.UUID, keyPropertyIDs []uuid.UUID, data Data) uuid.UUID {
	var b strings.Builder
	for _, pid := range keyPropertyIDs {
		vals := make([]string, 0, len(data[pid]))
		for _, v := range data[pid] {
			vals = append(vals, ValueString(v))
		}
		sort.Strings(vals)
		b.WriteString(pid.String())
		b.WriteByte(0x1f)
		for _, v := range vals {
			b.WriteString(v)
			b.WriteByte(0x1f)
		}
		b.WriteByte(0x1e)
	}
	return uuid.NewSHA1(setID, []byte(b.String()))
}
