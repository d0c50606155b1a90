// Package edm describes the entity data model the engine operates on:
// fully-qualified property type names, per-entity-set templates with their
// canonical identity-key subsets, and the catalog/registry machinery that
// resolves names to store-assigned ids.
package edm

import (
	"github.com/google/uuid"
)

// FQN is a fully-qualified property type name, e.g. "ol.datelogged".
type FQN struct {
	Namespace string
	Name      string
}

func (f FQN) String() string { return f.Namespace + "." + f.Name }

// ParseFQN splits "namespace.name" at the first dot.
func ParseFQN(s string) FQN {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return FQN{Namespace: s[:i], Name: s[i+1:]}
		}
	}
	return FQN{Name: s}
}

// Property types used across the data model.
var (
	StringID          = FQN{"general", "stringid"}
	FullName          = FQN{"general", "fullname"}
	PersonID          = FQN{"nc", "SubjectIdentification"}
	DateLogged        = FQN{"ol", "datelogged"}
	DateTime          = FQN{"ol", "datetime"}
	StartDateTime     = FQN{"ol", "datetimestart"}
	EndDateTime       = FQN{"ol", "datetimeend"}
	RecordedDate      = FQN{"ol", "recordeddate"}
	CompletedDateTime = FQN{"ol", "datetimecompleted"}
	Status            = FQN{"ol", "status"}
	Title             = FQN{"ol", "title"}
	RecordType        = FQN{"ol", "recordtype"}
	OLID              = FQN{"ol", "id"}
	Timezone          = FQN{"ol", "timezone"}
	Values            = FQN{"ol", "values"}
	Model             = FQN{"vehicle", "model"}
	Version           = FQN{"ol", "version"}
	Duration          = FQN{"general", "Duration"}
)

// Datatype classifies a property's value type. The export path needs to know
// which properties carry zone-aware timestamps.
type Datatype int

const (
	TypeString Datatype = iota
	TypeDateTimeOffset
	TypeInt64
	TypeGUID
)

// PropertyType is one property definition known to the store.
type PropertyType struct {
	ID       uuid.UUID
	Type     FQN
	Title    string
	Datatype Datatype
}

// propertyNamespace seeds deterministic property ids so that provisioning a
// fresh store is idempotent.
var propertyNamespace = uuid.MustParse("8c5f1e52-6ad0-43a7-a9a9-bfdd0f0b79a3")

// PropertyID derives the stable id for a property type name.
func PropertyID(f FQN) uuid.UUID {
	return uuid.NewSHA1(propertyNamespace, []byte(f.String()))
}

// DefaultPropertyTypes returns the property type definitions the engine
// provisions into an empty store.
func DefaultPropertyTypes() []PropertyType {
	def := func(f FQN, title string, dt Datatype) PropertyType {
		return PropertyType{ID: PropertyID(f), Type: f, Title: title, Datatype: dt}
	}
	return []PropertyType{
		def(StringID, "String Id", TypeString),
		def(FullName, "Full Name", TypeString),
		def(PersonID, "Person Id", TypeString),
		def(DateLogged, "Date Logged", TypeDateTimeOffset),
		def(DateTime, "Date Time", TypeDateTimeOffset),
		def(StartDateTime, "Start Date Time", TypeDateTimeOffset),
		def(EndDateTime, "End Date Time", TypeDateTimeOffset),
		def(RecordedDate, "Recorded Date", TypeDateTimeOffset),
		def(CompletedDateTime, "Completed Date Time", TypeDateTimeOffset),
		def(Status, "Status", TypeString),
		def(Title, "Title", TypeString),
		def(RecordType, "Record Type", TypeString),
		def(OLID, "Id", TypeString),
		def(Timezone, "Timezone", TypeString),
		def(Values, "Values", TypeString),
		def(Model, "Model", TypeString),
		def(Version, "OS Version", TypeString),
		def(Duration, "Duration", TypeInt64),
	}
}
