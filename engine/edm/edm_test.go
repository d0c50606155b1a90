package edm

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestParseFQN(t *testing.T) {
	cases := []struct {
		in   string
		want FQN
	}{
		{"ol.datelogged", FQN{"ol", "datelogged"}},
		{"nc.SubjectIdentification", FQN{"nc", "SubjectIdentification"}},
		{"noseparator", FQN{"", "noseparator"}},
		{"a.b.c", FQN{"a", "b.c"}},
	}
	for _, c := range cases {
		if got := ParseFQN(c.in); got != c.want {
			t.Fatalf("ParseFQN(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFQNRoundTrip(t *testing.T) {
	for _, f := range []FQN{StringID, PersonID, DateLogged, OLID} {
		if ParseFQN(f.String()) != f {
			t.Fatalf("round trip failed for %s", f)
		}
	}
}

func TestPropertyIDStable(t *testing.T) {
	if PropertyID(StringID) != PropertyID(StringID) {
		t.Fatal("property ids must be deterministic")
	}
	if PropertyID(StringID) == PropertyID(FullName) {
		t.Fatal("distinct properties must get distinct ids")
	}
}

func TestDefaultPropertyTypesComplete(t *testing.T) {
	types := DefaultPropertyTypes()
	seen := make(map[FQN]bool, len(types))
	for _, pt := range types {
		if pt.ID == uuid.Nil {
			t.Fatalf("%s has no id", pt.Type)
		}
		seen[pt.Type] = true
	}
	// Every key property of every template must be defined.
	for _, tmpl := range AllTemplates {
		for _, f := range KeyProperties(tmpl) {
			if !seen[f] {
				t.Fatalf("template %s key property %s undefined", tmpl, f)
			}
		}
	}
}

func TestCatalogLookups(t *testing.T) {
	cat := NewCatalog(DefaultPropertyTypes())

	id, ok := cat.ID(DateLogged)
	if !ok {
		t.Fatal("DateLogged should resolve")
	}
	pt, ok := cat.Lookup(id)
	if !ok || pt.Type != DateLogged {
		t.Fatal("id lookup should return the same property")
	}
	if pt.Datatype != TypeDateTimeOffset {
		t.Fatal("DateLogged should be a datetime property")
	}
	if _, ok := cat.ID(FQN{"nope", "nothing"}); ok {
		t.Fatal("unknown property should not resolve")
	}
	if _, err := cat.IDs(StringID, FQN{"nope", "nothing"}); err == nil {
		t.Fatal("IDs should fail on unknown property")
	}
}

func TestCatalogMustIDPanics(t *testing.T) {
	cat := NewCatalog(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("MustID should panic on unknown property")
		}
	}()
	cat.MustID(StringID)
}

type fakeResolver struct {
	sets map[string]uuid.UUID
}

func (f *fakeResolver) EntitySetID(_ context.Context, name string) (uuid.UUID, bool, error) {
	id, ok := f.sets[name]
	return id, ok, nil
}

func TestLoadRegistrySkipsMissing(t *testing.T) {
	devID := uuid.New()
	r := &fakeResolver{sets: map[string]uuid.UUID{
		Devices.SetName(): devID,
		Studies.SetName(): uuid.New(),
	}}
	reg, err := LoadRegistry(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := reg.SetID(Devices); !ok || id != devID {
		t.Fatal("installed template should resolve")
	}
	if reg.Installed(Answers) {
		t.Fatal("missing template should not be installed")
	}
	if _, err := reg.RequireSetID(Answers); err == nil {
		t.Fatal("RequireSetID should fail for missing template")
	}
}

func TestSetName(t *testing.T) {
	if Studies.SetName() != "cohort_studies" {
		t.Fatalf("unexpected set name %q", Studies.SetName())
	}
}
