// Package store defines the graph store contract the engine runs against:
// property-type lookup, deterministic entity-key reservation, batched
// entity/edge creation, neighbor search, and bulk deletion. The engine treats
// the store as a black box behind the Client interface; a Neo4j-backed
// implementation lives in graphstore.go.
package store

import (
	"fmt"
	"time"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/google/uuid"
)

// Data is write-side entity data: property id → values.
type Data map[uuid.UUID][]any

// Entity is read-side entity data: property name → values.
type Entity map[edm.FQN][]any

// First returns the first value for a property, if any.
func (e Entity) First(f edm.FQN) (any, bool) {
	vs := e[f]
	if len(vs) == 0 {
		return nil, false
	}
	return vs[0], true
}

// FirstString returns the first value for a property rendered as a string,
// or "" when absent.
func (e Entity) FirstString(f edm.FQN) string {
	v, ok := e.First(f)
	if !ok {
		return ""
	}
	return ValueString(v)
}

// ParseTime interprets a property value as a timestamp. Strings must be
// RFC 3339; anything else fails.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, t)
		}
		return ts, err == nil
	}
	return time.Time{}, false
}

// ValueString renders a property value the way the store canonicalizes it.
func ValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// UpdateMode selects upsert semantics.
type UpdateMode int

const (
	// Merge unions incoming values with those already present.
	Merge UpdateMode = iota
	// Replace discards every stored property before writing.
	Replace
	// PartialReplace overwrites only the provided properties.
	PartialReplace
)

// DeleteType selects delete semantics; the engine passes it through
// uninterpreted.
type DeleteType int

const (
	Soft DeleteType = iota
	Hard
)

// ParseDeleteType maps the wire form ("soft"/"hard") to a DeleteType.
func ParseDeleteType(s string) (DeleteType, error) {
	switch s {
	case "soft", "Soft", "":
		return Soft, nil
	case "hard", "Hard":
		return Hard, nil
	}
	return Soft, fmt.Errorf("unknown delete type %q", s)
}

// Ref identifies one endpoint of an association: either an already-known
// entity key, or a positional index into the same batch's entities for that
// entity set (keys are not known before the write commits).
type Ref struct {
	key     uuid.UUID
	index   int
	byIndex bool
}

// KeyRef references an existing entity by key.
func KeyRef(key uuid.UUID) Ref { return Ref{key: key} }

// IndexRef references the i-th entity submitted for the endpoint's entity
// set within the same CreateGraph call.
func IndexRef(i int) Ref { return Ref{index: i, byIndex: true} }

// Key returns the referenced key and whether the ref is key-based.
func (r Ref) Key() (uuid.UUID, bool) { return r.key, !r.byIndex }

// Index returns the referenced batch index and whether the ref is positional.
func (r Ref) Index() (int, bool) { return r.index, r.byIndex }

// Association is one edge to create: src and dst endpoints with their entity
// sets, plus the edge's own property data. A non-nil Key pins the edge to an
// already-reserved key, making resubmission idempotent; the zero Key gets a
// fresh one.
type Association struct {
	Key    uuid.UUID
	SrcSet uuid.UUID
	Src    Ref
	DstSet uuid.UUID
	Dst    Ref
	Data   Data
}

// DataGraph is a batched multi-entity, multi-edge write submitted atomically.
// Entities are grouped per entity set; positional refs in Associations index
// into those groups.
type DataGraph struct {
	Entities     map[uuid.UUID][]Data        // entity set id → entities
	Associations map[uuid.UUID][]Association // edge entity set id → edges
}

// NeighborFilter restricts a neighbor search. A nil slice leaves that side
// unrestricted. Src/Dst constrain the entity sets of the association's source
// and destination endpoints; Edge constrains the association's own set.
type NeighborFilter struct {
	Src  []uuid.UUID
	Dst  []uuid.UUID
	Edge []uuid.UUID
}

// Neighbor is one entity adjacent to a searched key, together with the
// association that links them.
type Neighbor struct {
	Key         uuid.UUID
	SetID       uuid.UUID
	Details     Entity
	EdgeKey     uuid.UUID
	EdgeSetID   uuid.UUID
	Association Entity
}
