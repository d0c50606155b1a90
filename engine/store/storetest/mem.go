// Package storetest provides a full in-memory implementation of the graph
// store contract for tests: deterministic key reservation, batched graph
// writes, filtered neighbor search, and soft/hard deletion, all backed by
// plain maps.
package storetest

import (
	"context"
	"sync"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/google/uuid"
)

type edge struct {
	Set     uuid.UUID
	Key     uuid.UUID
	SrcSet  uuid.UUID
	SrcKey  uuid.UUID
	DstSet  uuid.UUID
	DstKey  uuid.UUID
	Data    store.Data
	deleted bool
}

// Mem is an in-memory store.Client. The zero value is not usable; construct
// with New.
type Mem struct {
	mu      sync.RWMutex
	types   []edm.PropertyType
	byID    map[uuid.UUID]edm.FQN
	sets    map[string]uuid.UUID
	data    map[uuid.UUID]map[uuid.UUID]store.Data
	deleted map[uuid.UUID]map[uuid.UUID]bool
	edges   []*edge
	failErr error
}

// New builds a Mem with the default property types and every entity set
// template installed.
func New() *Mem {
	m := &Mem{
		byID:    make(map[uuid.UUID]edm.FQN),
		sets:    make(map[string]uuid.UUID),
		data:    make(map[uuid.UUID]map[uuid.UUID]store.Data),
		deleted: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
	m.types = edm.DefaultPropertyTypes()
	for _, pt := range m.types {
		m.byID[pt.ID] = pt.Type
	}
	for _, t := range edm.AllTemplates {
		m.sets[t.SetName()] = uuid.New()
	}
	return m
}

var _ store.Client = (*Mem)(nil)

// Uninstall removes an entity set, simulating a module the organization does
// not have.
func (m *Mem) Uninstall(t edm.Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, t.SetName())
}

// SetID returns the id assigned to a template's entity set.
func (m *Mem) SetID(t edm.Template) uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets[t.SetName()]
}

// FailWith makes every subsequent operation fail with err until reset with
// FailWith(nil). Used to exercise transient-failure paths.
func (m *Mem) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *Mem) fail(op string) error {
	if m.failErr == nil {
		return nil
	}
	return store.Transient(op, m.failErr)
}

// PutEntity seeds an entity directly, bypassing key reservation.
func (m *Mem) PutEntity(setID, key uuid.UUID, data store.Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(setID, key, data)
}

func (m *Mem) put(setID, key uuid.UUID, data store.Data) {
	if m.data[setID] == nil {
		m.data[setID] = make(map[uuid.UUID]store.Data)
	}
	m.data[setID][key] = cloneData(data)
	if m.deleted[setID] != nil {
		delete(m.deleted[setID], key)
	}
}

// Link seeds an association directly and returns its key.
func (m *Mem) Link(edgeSet, srcSet, srcKey, dstSet, dstKey uuid.UUID, data store.Data) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := uuid.New()
	m.edges = append(m.edges, &edge{
		Set: edgeSet, Key: key,
		SrcSet: srcSet, SrcKey: srcKey,
		DstSet: dstSet, DstKey: dstKey,
		Data: cloneData(data),
	})
	return key
}

// HasEntity reports whether an entity exists and is not deleted.
func (m *Mem) HasEntity(setID, key uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[setID][key]
	return ok && !m.deleted[setID][key]
}

// CountEntities counts live entities in a set.
func (m *Mem) CountEntities(setID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for key := range m.data[setID] {
		if !m.deleted[setID][key] {
			n++
		}
	}
	return n
}

// CountEdges counts live associations in an edge set.
func (m *Mem) CountEdges(edgeSet uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.edges {
		if e.Set == edgeSet && !e.deleted {
			n++
		}
	}
	return n
}

// EntityData returns the raw stored data for an entity.
func (m *Mem) EntityData(setID, key uuid.UUID) (store.Data, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[setID][key]
	if !ok || m.deleted[setID][key] {
		return nil, false
	}
	return cloneData(d), true
}

// --- store.Client ---

func (m *Mem) PropertyTypes(ctx context.Context) ([]edm.PropertyType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("property types"); err != nil {
		return nil, err
	}
	out := make([]edm.PropertyType, len(m.types))
	copy(out, m.types)
	return out, nil
}

func (m *Mem) EntitySetID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("entity set id"); err != nil {
		return uuid.Nil, false, err
	}
	id, ok := m.sets[name]
	return id, ok, nil
}

func (m *Mem) ReserveKey(ctx context.Context, setID uuid.UUID, keyPropertyIDs []uuid.UUID, data store.Data) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("reserve key"); err != nil {
		return uuid.Nil, err
	}
	key := store.DeriveKey(setID, keyPropertyIDs, data)
	if _, ok := m.data[setID][key]; !ok {
		m.put(setID, key, store.Data{})
	}
	return key, nil
}

func (m *Mem) Upsert(ctx context.Context, setID uuid.UUID, entities map[uuid.UUID]store.Data, mode store.UpdateMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert"); err != nil {
		return err
	}
	for key, data := range entities {
		existing, ok := m.data[setID][key]
		if !ok || mode == store.Replace {
			m.put(setID, key, data)
			continue
		}
		next := cloneData(existing)
		for pid, vals := range data {
			if mode == store.PartialReplace {
				next[pid] = append([]any(nil), vals...)
			} else {
				next[pid] = union(next[pid], vals)
			}
		}
		m.put(setID, key, next)
	}
	return nil
}

func (m *Mem) UpsertAssociations(ctx context.Context, edgeSetID uuid.UUID, edges map[uuid.UUID]store.Data, mode store.UpdateMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert associations"); err != nil {
		return err
	}
	for key, data := range edges {
		e := m.findEdge(edgeSetID, key)
		if e == nil {
			continue
		}
		if mode == store.Replace {
			e.Data = cloneData(data)
			continue
		}
		next := cloneData(e.Data)
		for pid, vals := range data {
			if mode == store.Merge {
				next[pid] = union(next[pid], vals)
			} else {
				next[pid] = append([]any(nil), vals...)
			}
		}
		e.Data = next
	}
	return nil
}

func (m *Mem) Entity(ctx context.Context, setID, key uuid.UUID) (store.Entity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("get entity"); err != nil {
		return nil, false, err
	}
	d, ok := m.data[setID][key]
	if !ok || m.deleted[setID][key] {
		return nil, false, nil
	}
	return m.toEntity(d), true, nil
}

func (m *Mem) LoadEntitySet(ctx context.Context, setID uuid.UUID) (map[uuid.UUID]store.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("load entity set"); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]store.Entity)
	for key, d := range m.data[setID] {
		if m.deleted[setID][key] {
			continue
		}
		out[key] = m.toEntity(d)
	}
	return out, nil
}

func (m *Mem) CreateGraph(ctx context.Context, g store.DataGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create graph"); err != nil {
		return err
	}
	created := make(map[uuid.UUID][]uuid.UUID)
	for setID, datas := range g.Entities {
		for _, d := range datas {
			key := uuid.New()
			m.put(setID, key, d)
			created[setID] = append(created[setID], key)
		}
	}
	for edgeSet, assocs := range g.Associations {
		for _, a := range assocs {
			srcKey, err := resolve(a.Src, a.SrcSet, created)
			if err != nil {
				return store.Malformed("create graph", err)
			}
			dstKey, err := resolve(a.Dst, a.DstSet, created)
			if err != nil {
				return store.Malformed("create graph", err)
			}
			key := a.Key
			if key == uuid.Nil {
				key = uuid.New()
			}
			if prev := m.findEdge(edgeSet, key); prev != nil {
				prev.SrcSet, prev.SrcKey = a.SrcSet, srcKey
				prev.DstSet, prev.DstKey = a.DstSet, dstKey
				prev.Data = cloneData(a.Data)
				continue
			}
			m.edges = append(m.edges, &edge{
				Set: edgeSet, Key: key,
				SrcSet: a.SrcSet, SrcKey: srcKey,
				DstSet: a.DstSet, DstKey: dstKey,
				Data: cloneData(a.Data),
			})
		}
	}
	return nil
}

func (m *Mem) NeighborSearch(ctx context.Context, setID uuid.UUID, keys []uuid.UUID, f store.NeighborFilter) (map[uuid.UUID][]store.Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("neighbor search"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make(map[uuid.UUID][]store.Neighbor)
	for _, e := range m.edges {
		if e.deleted || !inFilter(e.Set, f.Edge) || !inFilter(e.SrcSet, f.Src) || !inFilter(e.DstSet, f.Dst) {
			continue
		}
		var origin, nKey, nSet uuid.UUID
		switch {
		case e.SrcSet == setID && want[e.SrcKey]:
			origin, nKey, nSet = e.SrcKey, e.DstKey, e.DstSet
		case e.DstSet == setID && want[e.DstKey]:
			origin, nKey, nSet = e.DstKey, e.SrcKey, e.SrcSet
		default:
			continue
		}
		if m.deleted[nSet][nKey] || m.deleted[setID][origin] {
			continue
		}
		d, ok := m.data[nSet][nKey]
		if !ok {
			continue
		}
		out[origin] = append(out[origin], store.Neighbor{
			Key:         nKey,
			SetID:       nSet,
			Details:     m.toEntity(d),
			EdgeKey:     e.Key,
			EdgeSetID:   e.Set,
			Association: m.toEntity(e.Data),
		})
	}
	return out, nil
}

func (m *Mem) DeleteEntities(ctx context.Context, setID uuid.UUID, keys []uuid.UUID, dt store.DeleteType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete entities"); err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		if _, ok := m.data[setID][key]; !ok || m.deleted[setID][key] {
			continue
		}
		n++
		if dt == store.Hard {
			delete(m.data[setID], key)
			kept := m.edges[:0]
			for _, e := range m.edges {
				if (e.SrcSet == setID && e.SrcKey == key) || (e.DstSet == setID && e.DstKey == key) {
					continue
				}
				kept = append(kept, e)
			}
			m.edges = kept
		} else {
			if m.deleted[setID] == nil {
				m.deleted[setID] = make(map[uuid.UUID]bool)
			}
			m.deleted[setID][key] = true
		}
	}
	return n, nil
}

// --- helpers ---

func (m *Mem) findEdge(edgeSet, key uuid.UUID) *edge {
	for _, e := range m.edges {
		if e.Set == edgeSet && e.Key == key {
			return e
		}
	}
	return nil
}

func (m *Mem) toEntity(d store.Data) store.Entity {
	e := make(store.Entity, len(d))
	for pid, vals := range d {
		fqn, ok := m.byID[pid]
		if !ok {
			continue
		}
		e[fqn] = append([]any(nil), vals...)
	}
	return e
}

func resolve(r store.Ref, setID uuid.UUID, created map[uuid.UUID][]uuid.UUID) (uuid.UUID, error) {
	if key, ok := r.Key(); ok {
		return key, nil
	}
	i, _ := r.Index()
	keys := created[setID]
	if i < 0 || i >= len(keys) {
		return uuid.Nil, errIndexOutOfRange
	}
	return keys[i], nil
}

var errIndexOutOfRange = errorString("association index out of range")

type errorString string

func (e errorString) Error() string { return string(e) }

func inFilter(id uuid.UUID, filter []uuid.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == id {
			return true
		}
	}
	return false
}

func union(old, add []any) []any {
	out := append([]any(nil), old...)
	seen := make(map[string]struct{}, len(old))
	for _, v := range old {
		seen[store.ValueString(v)] = struct{}{}
	}
	for _, v := range add {
		s := store.ValueString(v)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, v)
	}
	return out
}

func cloneData(d store.Data) store.Data {
	out := make(store.Data, len(d))
	for pid, vals := range d {
		out[pid] = append([]any(nil), vals...)
	}
	return out
}
