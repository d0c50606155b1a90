package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// propPrefix namespaces entity property keys on Neo4j nodes so they cannot
// collide with the bookkeeping properties (key, set, deleted).
const propPrefix = "p_"

// setNamespace seeds deterministic entity set ids during provisioning.
var setNamespace = uuid.MustParse("e1d3f1f6-9c27-4be4-86be-95a1f4a9ba11")

// GraphStore is the Neo4j-backed implementation of Client. Entities are
// (:Entity {key, set}) nodes carrying their property data; associations are
// [:ASSOC {key, set}] relationships carrying theirs. Soft-deleted objects
// stay in place with a deleted mark and drop out of every read.
type GraphStore struct {
	driver neo4j.DriverWithContext

	mu    sync.RWMutex
	byFQN map[string]uuid.UUID // property index, loaded on demand
}

// NewGraphStore wraps a Neo4j driver.
func NewGraphStore(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{driver: driver, byFQN: nil}
}

var _ Client = (*GraphStore)(nil)

func (g *GraphStore) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{})
}

// Provision installs property type definitions and the engine's entity sets
// into an empty store. Reprovisioning is a no-op for existing objects.
func (g *GraphStore) Provision(ctx context.Context, types []edm.PropertyType) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, pt := range types {
			_, err := tx.Run(ctx,
				`MERGE (p:PropertyType {id: $id})
				 SET p.namespace = $ns, p.name = $name, p.title = $title, p.datatype = $dt`,
				map[string]any{
					"id":    pt.ID.String(),
					"ns":    pt.Type.Namespace,
					"name":  pt.Type.Name,
					"title": pt.Title,
					"dt":    int64(pt.Datatype),
				})
			if err != nil {
				return nil, err
			}
		}
		for _, t := range edm.AllTemplates {
			name := t.SetName()
			_, err := tx.Run(ctx,
				`MERGE (s:EntitySet {name: $name}) SET s.id = coalesce(s.id, $id)`,
				map[string]any{
					"name": name,
					"id":   uuid.NewSHA1(setNamespace, []byte(name)).String(),
				})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return Transient("provision", err)
	}
	g.mu.Lock()
	g.byFQN = nil // force index reload
	g.mu.Unlock()
	return nil
}

func (g *GraphStore) PropertyTypes(ctx context.Context) ([]edm.PropertyType, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (p:PropertyType) RETURN p.id AS id, p.namespace AS ns, p.name AS name,
		        p.title AS title, p.datatype AS dt`, nil)
	if err != nil {
		return nil, Transient("property types", err)
	}
	var out []edm.PropertyType
	for res.Next(ctx) {
		rec := res.Record()
		id, err := uuid.Parse(stringAt(rec, "id"))
		if err != nil {
			continue
		}
		dt, _ := rec.Get("dt")
		n, _ := dt.(int64)
		out = append(out, edm.PropertyType{
			ID:       id,
			Type:     edm.FQN{Namespace: stringAt(rec, "ns"), Name: stringAt(rec, "name")},
			Title:    stringAt(rec, "title"),
			Datatype: edm.Datatype(n),
		})
	}
	if err := res.Err(); err != nil {
		return nil, Transient("property types", err)
	}
	return out, nil
}

func (g *GraphStore) EntitySetID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (s:EntitySet {name: $name}) RETURN s.id AS id`,
		map[string]any{"name": name})
	if err != nil {
		return uuid.Nil, false, Transient("entity set id", err)
	}
	if !res.Next(ctx) {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(stringAt(res.Record(), "id"))
	if err != nil {
		return uuid.Nil, false, Transient("entity set id", err)
	}
	return id, true, nil
}

func (g *GraphStore) ReserveKey(ctx context.Context, setID uuid.UUID, keyPropertyIDs []uuid.UUID, data Data) (uuid.UUID, error) {
	key := DeriveKey(setID, keyPropertyIDs, data)

	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx,
		`MERGE (n:Entity {key: $key, set: $set})`,
		map[string]any{"key": key.String(), "set": setID.String()})
	if err != nil {
		return uuid.Nil, Transient("reserve key", err)
	}
	return key, nil
}

func (g *GraphStore) Upsert(ctx context.Context, setID uuid.UUID, entities map[uuid.UUID]Data, mode UpdateMode) error {
	idx, err := g.propertyIndex(ctx)
	if err != nil {
		return err
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for key, data := range entities {
			props, err := idx.nodeProps(data)
			if err != nil {
				return nil, err
			}
			params := map[string]any{
				"key":   key.String(),
				"set":   setID.String(),
				"props": props,
			}
			switch mode {
			case Replace:
				if _, err := tx.Run(ctx,
					`MERGE (n:Entity {key: $key, set: $set})
					 SET n = {key: $key, set: $set} SET n += $props`, params); err != nil {
					return nil, err
				}
			case PartialReplace:
				if _, err := tx.Run(ctx,
					`MERGE (n:Entity {key: $key, set: $set}) SET n += $props`, params); err != nil {
					return nil, err
				}
			default: // Merge: union incoming values with stored ones
				merged, err := mergeNodeProps(ctx, tx, params, props)
				if err != nil {
					return nil, err
				}
				params["props"] = merged
				if _, err := tx.Run(ctx,
					`MERGE (n:Entity {key: $key, set: $set}) SET n += $props`, params); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return Transient("upsert", err)
	}
	return nil
}

func (g *GraphStore) UpsertAssociations(ctx context.Context, edgeSetID uuid.UUID, edges map[uuid.UUID]Data, mode UpdateMode) error {
	idx, err := g.propertyIndex(ctx)
	if err != nil {
		return err
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for key, data := range edges {
			props, err := idx.nodeProps(data)
			if err != nil {
				return nil, err
			}
			params := map[string]any{
				"key":   key.String(),
				"set":   edgeSetID.String(),
				"props": props,
			}
			var q string
			if mode == Replace {
				q = `MATCH ()-[r:ASSOC {key: $key, set: $set}]->()
				     SET r = {key: $key, set: $set} SET r += $props`
			} else {
				q = `MATCH ()-[r:ASSOC {key: $key, set: $set}]->() SET r += $props`
			}
			if _, err := tx.Run(ctx, q, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return Transient("upsert associations", err)
	}
	return nil
}

// mergeNodeProps reads the stored values for the properties being written and
// unions them with the incoming ones, preserving first-seen order.
func mergeNodeProps(ctx context.Context, tx neo4j.ManagedTransaction, params map[string]any, props map[string]any) (map[string]any, error) {
	res, err := tx.Run(ctx,
		`MATCH (n:Entity {key: $key, set: $set}) RETURN properties(n) AS props`, params)
	if err != nil {
		return nil, err
	}
	existing := map[string]any{}
	if res.Next(ctx) {
		if v, ok := res.Record().Get("props"); ok {
			if m, ok := v.(map[string]any); ok {
				existing = m
			}
		}
	}
	merged := make(map[string]any, len(props))
	for k, v := range props {
		merged[k] = unionValues(asList(existing[k]), asList(v))
	}
	return merged, nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func unionValues(old, add []any) []any {
	out := make([]any, 0, len(old)+len(add))
	seen := make(map[string]struct{}, len(old)+len(add))
	for _, v := range append(old, add...) {
		s := ValueString(v)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (g *GraphStore) Entity(ctx context.Context, setID, key uuid.UUID) (Entity, bool, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (n:Entity {key: $key, set: $set})
		 WHERE NOT coalesce(n.deleted, false)
		 RETURN properties(n) AS props`,
		map[string]any{"key": key.String(), "set": setID.String()})
	if err != nil {
		return nil, false, Transient("get entity", err)
	}
	if !res.Next(ctx) {
		return nil, false, nil
	}
	v, _ := res.Record().Get("props")
	m, _ := v.(map[string]any)
	return entityFromProps(m), true, nil
}

func (g *GraphStore) LoadEntitySet(ctx context.Context, setID uuid.UUID) (map[uuid.UUID]Entity, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		`MATCH (n:Entity {set: $set})
		 WHERE NOT coalesce(n.deleted, false)
		 RETURN n.key AS key, properties(n) AS props`,
		map[string]any{"set": setID.String()})
	if err != nil {
		return nil, Transient("load entity set", err)
	}
	out := make(map[uuid.UUID]Entity)
	for res.Next(ctx) {
		rec := res.Record()
		key, err := uuid.Parse(stringAt(rec, "key"))
		if err != nil {
			continue
		}
		v, _ := rec.Get("props")
		m, _ := v.(map[string]any)
		out[key] = entityFromProps(m)
	}
	if err := res.Err(); err != nil {
		return nil, Transient("load entity set", err)
	}
	return out, nil
}

func (g *GraphStore) CreateGraph(ctx context.Context, graph DataGraph) error {
	idx, err := g.propertyIndex(ctx)
	if err != nil {
		return err
	}
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Create entities first, remembering their keys per set so that
		// positional refs can be resolved.
		created := make(map[uuid.UUID][]uuid.UUID, len(graph.Entities))
		for setID, datas := range graph.Entities {
			for _, data := range datas {
				key := uuid.New()
				props, err := idx.nodeProps(data)
				if err != nil {
					return nil, err
				}
				if _, err := tx.Run(ctx,
					`CREATE (n:Entity {key: $key, set: $set}) SET n += $props`,
					map[string]any{"key": key.String(), "set": setID.String(), "props": props}); err != nil {
					return nil, err
				}
				created[setID] = append(created[setID], key)
			}
		}
		for edgeSetID, assocs := range graph.Associations {
			for _, a := range assocs {
				srcKey, err := resolveRef(a.Src, a.SrcSet, created)
				if err != nil {
					return nil, err
				}
				dstKey, err := resolveRef(a.Dst, a.DstSet, created)
				if err != nil {
					return nil, err
				}
				props, err := idx.nodeProps(a.Data)
				if err != nil {
					return nil, err
				}
				edgeKey := a.Key
				if edgeKey == uuid.Nil {
					edgeKey = uuid.New()
				}
				if _, err := tx.Run(ctx,
					`MATCH (s:Entity {key: $src, set: $srcSet}), (d:Entity {key: $dst, set: $dstSet})
					 MERGE (s)-[r:ASSOC {key: $key, set: $edgeSet}]->(d)
					 SET r += $props`,
					map[string]any{
						"src": srcKey.String(), "srcSet": a.SrcSet.String(),
						"dst": dstKey.String(), "dstSet": a.DstSet.String(),
						"key": edgeKey.String(), "edgeSet": edgeSetID.String(),
						"props": props,
					}); err != nil {
					return nil, err
				}
			}
		}
		return nil, nil
	})
	if err != nil {
		return Transient("create graph", err)
	}
	return nil
}

func resolveRef(r Ref, setID uuid.UUID, created map[uuid.UUID][]uuid.UUID) (uuid.UUID, error) {
	if key, ok := r.Key(); ok {
		return key, nil
	}
	i, _ := r.Index()
	keys := created[setID]
	if i < 0 || i >= len(keys) {
		return uuid.Nil, fmt.Errorf("association index %d out of range for set %s", i, setID)
	}
	return keys[i], nil
}

func (g *GraphStore) NeighborSearch(ctx context.Context, setID uuid.UUID, keys []uuid.UUID, f NeighborFilter) (map[uuid.UUID][]Neighbor, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	keyStrs := make([]string, len(keys))
	for i, k := range keys {
		keyStrs[i] = k.String()
	}
	params := map[string]any{
		"set":   setID.String(),
		"keys":  keyStrs,
		"src":   setStrings(f.Src),
		"dst":   setStrings(f.Dst),
		"edges": setStrings(f.Edge),
	}

	out := make(map[uuid.UUID][]Neighbor)
	// Two passes: searched node as association source, then as destination.
	queries := []string{
		`MATCH (a:Entity {set: $set})-[r:ASSOC]->(n:Entity)
		 WHERE a.key IN $keys
		   AND NOT coalesce(n.deleted, false) AND NOT coalesce(a.deleted, false)
		   AND (size($edges) = 0 OR r.set IN $edges)
		   AND (size($src) = 0 OR a.set IN $src)
		   AND (size($dst) = 0 OR n.set IN $dst)
		 RETURN a.key AS origin, n.key AS nkey, n.set AS nset, properties(n) AS nprops,
		        r.key AS ekey, r.set AS eset, properties(r) AS eprops`,
		`MATCH (n:Entity)-[r:ASSOC]->(a:Entity {set: $set})
		 WHERE a.key IN $keys
		   AND NOT coalesce(n.deleted, false) AND NOT coalesce(a.deleted, false)
		   AND (size($edges) = 0 OR r.set IN $edges)
		   AND (size($src) = 0 OR n.set IN $src)
		   AND (size($dst) = 0 OR a.set IN $dst)
		 RETURN a.key AS origin, n.key AS nkey, n.set AS nset, properties(n) AS nprops,
		        r.key AS ekey, r.set AS eset, properties(r) AS eprops`,
	}
	for _, q := range queries {
		res, err := sess.Run(ctx, q, params)
		if err != nil {
			return nil, Transient("neighbor search", err)
		}
		for res.Next(ctx) {
			rec := res.Record()
			origin, err := uuid.Parse(stringAt(rec, "origin"))
			if err != nil {
				continue
			}
			nkey, _ := uuid.Parse(stringAt(rec, "nkey"))
			nset, _ := uuid.Parse(stringAt(rec, "nset"))
			ekey, _ := uuid.Parse(stringAt(rec, "ekey"))
			eset, _ := uuid.Parse(stringAt(rec, "eset"))
			np, _ := rec.Get("nprops")
			ep, _ := rec.Get("eprops")
			npm, _ := np.(map[string]any)
			epm, _ := ep.(map[string]any)
			out[origin] = append(out[origin], Neighbor{
				Key:         nkey,
				SetID:       nset,
				Details:     entityFromProps(npm),
				EdgeKey:     ekey,
				EdgeSetID:   eset,
				Association: entityFromProps(epm),
			})
		}
		if err := res.Err(); err != nil {
			return nil, Transient("neighbor search", err)
		}
	}
	return out, nil
}

func (g *GraphStore) DeleteEntities(ctx context.Context, setID uuid.UUID, keys []uuid.UUID, dt DeleteType) (int, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	keyStrs := make([]string, len(keys))
	for i, k := range keys {
		keyStrs[i] = k.String()
	}
	params := map[string]any{"set": setID.String(), "keys": keyStrs}

	var q string
	if dt == Hard {
		q = `MATCH (n:Entity {set: $set}) WHERE n.key IN $keys
		     WITH collect(n) AS nodes, count(n) AS deleted
		     FOREACH (x IN nodes | DETACH DELETE x)
		     RETURN deleted`
	} else {
		q = `MATCH (n:Entity {set: $set})
		     WHERE n.key IN $keys AND NOT coalesce(n.deleted, false)
		     SET n.deleted = true RETURN count(n) AS deleted`
	}
	res, err := sess.Run(ctx, q, params)
	if err != nil {
		return 0, Transient("delete entities", err)
	}
	if !res.Next(ctx) {
		return 0, nil
	}
	v, _ := res.Record().Get("deleted")
	n, _ := v.(int64)
	return int(n), nil
}

// --- property index ---

// propIndex maps property ids to FQN strings for node property naming.
type propIndex struct {
	byID map[uuid.UUID]string
}

func (p *propIndex) nodeProps(data Data) (map[string]any, error) {
	props := make(map[string]any, len(data))
	for pid, vals := range data {
		fqn, ok := p.byID[pid]
		if !ok {
			return nil, fmt.Errorf("unknown property type id %s", pid)
		}
		list := make([]any, 0, len(vals))
		for _, v := range vals {
			list = append(list, nodeValue(v))
		}
		props[propPrefix+fqn] = list
	}
	return props, nil
}

// nodeValue converts a property value to a type the driver can store.
func nodeValue(v any) any {
	switch t := v.(type) {
	case string, bool, int, int64, float64:
		return t
	case time.Time:
		return t
	default:
		return ValueString(v)
	}
}

func (g *GraphStore) propertyIndex(ctx context.Context) (*propIndex, error) {
	g.mu.RLock()
	cached := g.byFQN
	g.mu.RUnlock()
	if cached == nil {
		types, err := g.PropertyTypes(ctx)
		if err != nil {
			return nil, err
		}
		m := make(map[string]uuid.UUID, len(types))
		for _, pt := range types {
			m[pt.Type.String()] = pt.ID
		}
		g.mu.Lock()
		g.byFQN = m
		cached = m
		g.mu.Unlock()
	}
	byID := make(map[uuid.UUID]string, len(cached))
	for fqn, id := range cached {
		byID[id] = fqn
	}
	return &propIndex{byID: byID}, nil
}

// entityFromProps converts stored node properties back into an Entity.
func entityFromProps(props map[string]any) Entity {
	e := make(Entity)
	for k, v := range props {
		if !strings.HasPrefix(k, propPrefix) {
			continue
		}
		e[edm.ParseFQN(k[len(propPrefix):])] = asList(v)
	}
	return e
}

func setStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func stringAt(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}
