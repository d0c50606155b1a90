package edm

import (
	"fmt"

	"github.com/google/uuid"
)

// Catalog indexes the property types known to the store for lookup by id and
// by fully-qualified name. It is built once at startup and read-only after.
type Catalog struct {
	byID  map[uuid.UUID]PropertyType
	byFQN map[FQN]uuid.UUID
}

// NewCatalog builds a catalog from property type definitions.
func NewCatalog(types []PropertyType) *Catalog {
	c := &Catalog{
		byID:  make(map[uuid.UUID]PropertyType, len(types)),
		byFQN: make(map[FQN]uuid.UUID, len(types)),
	}
	for _, pt := range types {
		c.byID[pt.ID] = pt
		c.byFQN[pt.Type] = pt.ID
	}
	return c
}

// ID resolves a property name to its store id.
func (c *Catalog) ID(f FQN) (uuid.UUID, bool) {
	id, ok := c.byFQN[f]
	return id, ok
}

// MustID resolves a property name or panics. Reserved for wiring code where
// an absent property means the store was never provisioned.
func (c *Catalog) MustID(f FQN) uuid.UUID {
	id, ok := c.byFQN[f]
	if !ok {
		panic(fmt.Sprintf("edm: unknown property type %s", f))
	}
	return id
}

// Lookup returns the property type definition for a store id.
func (c *Catalog) Lookup(id uuid.UUID) (PropertyType, bool) {
	pt, ok := c.byID[id]
	return pt, ok
}

// LookupFQN returns the property type definition by name.
func (c *Catalog) LookupFQN(f FQN) (PropertyType, bool) {
	id, ok := c.byFQN[f]
	if !ok {
		return PropertyType{}, false
	}
	return c.byID[id], true
}

// IDs resolves a list of property names, failing on the first unknown one.
func (c *Catalog) IDs(fqns ...FQN) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(fqns))
	for i, f := range fqns {
		id, ok := c.byFQN[f]
		if !ok {
			return nil, fmt.Errorf("edm: unknown property type %s", f)
		}
		out[i] = id
	}
	return out, nil
}
