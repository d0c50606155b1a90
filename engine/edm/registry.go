package edm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Template names one entity set in the data model. The store assigns each
// installed template an opaque entity set id; templates that an organization
// has not installed simply have no id.
type Template string

const (
	Studies          Template = "studies"
	Participants     Template = "participants"
	Devices          Template = "devices"
	AppData          Template = "appdata"
	PreprocessedData Template = "preprocessed_appdata"
	UserApps         Template = "userapps"
	AppsDictionary   Template = "apps_dictionary"
	UsedBy           Template = "usedby"
	RecordedBy       Template = "recordedby"
	ParticipatedIn   Template = "participatedin"
	Metadata         Template = "metadata"
	Has              Template = "has"
	Notifications    Template = "notifications"
	PartOf           Template = "partof"
	Surveys          Template = "surveys"
	Questions        Template = "questions"
	Answers          Template = "answers"
	RespondsWith     Template = "respondswith"
	Addresses        Template = "addresses"
)

// AllTemplates lists every entity set the engine knows about.
var AllTemplates = []Template{
	Studies, Participants, Devices, AppData, PreprocessedData, UserApps,
	AppsDictionary, UsedBy, RecordedBy, ParticipatedIn, Metadata, Has,
	Notifications, PartOf, Surveys, Questions, Answers, RespondsWith,
	Addresses,
}

// SetName is the entity set name a template resolves against in the store.
func (t Template) SetName() string { return "cohort_" + string(t) }

// keyProperties is the canonical, ordered identity-key subset per template.
// Deterministic entity keys are derived from exactly these properties.
var keyProperties = map[Template][]FQN{
	Studies:        {StringID},
	Participants:   {PersonID},
	Devices:        {StringID},
	AppData:        {OLID},
	UserApps:       {FullName},
	UsedBy:         {FullName, DateTime, PersonID},
	RecordedBy:     {DateLogged, StringID, FullName},
	ParticipatedIn: {OLID},
	Metadata:       {OLID},
	Has:            {OLID},
	AppsDictionary: {FullName},
	Surveys:        {OLID},
	Questions:      {OLID},
	Answers:        {OLID},
	RespondsWith:   {DateTime},
	Addresses:      {CompletedDateTime},
	Notifications:  {OLID},
	PartOf:         {OLID},
}

// KeyProperties returns the identity-key property names for a template.
func KeyProperties(t Template) []FQN {
	return keyProperties[t]
}

// SetResolver is the piece of the store contract the registry needs.
type SetResolver interface {
	EntitySetID(ctx context.Context, name string) (uuid.UUID, bool, error)
}

// Registry maps templates to the entity set ids the store assigned them.
// Templates absent from the registry are not installed; callers treat that
// as "nothing there", never as an error.
type Registry struct {
	ids map[Template]uuid.UUID
}

// NewRegistry builds a registry from an explicit template→id mapping.
func NewRegistry(ids map[Template]uuid.UUID) *Registry {
	m := make(map[Template]uuid.UUID, len(ids))
	for t, id := range ids {
		m[t] = id
	}
	return &Registry{ids: m}
}

// LoadRegistry resolves every known template against the store. Missing
// templates are skipped; store failures abort the load.
func LoadRegistry(ctx context.Context, r SetResolver) (*Registry, error) {
	ids := make(map[Template]uuid.UUID)
	for _, t := range AllTemplates {
		id, ok, err := r.EntitySetID(ctx, t.SetName())
		if err != nil {
			return nil, fmt.Errorf("resolve entity set %q: %w", t.SetName(), err)
		}
		if ok {
			ids[t] = id
		}
	}
	return &Registry{ids: ids}, nil
}

// SetID returns the entity set id for a template, if installed.
func (r *Registry) SetID(t Template) (uuid.UUID, bool) {
	id, ok := r.ids[t]
	return id, ok
}

// RequireSetID returns the entity set id or an error naming the template.
func (r *Registry) RequireSetID(t Template) (uuid.UUID, error) {
	id, ok := r.ids[t]
	if !ok {
		return uuid.Nil, fmt.Errorf("entity set %q is not installed", t.SetName())
	}
	return id, nil
}

// Installed reports whether a template resolved to an entity set.
func (r *Registry) Installed(t Template) bool {
	_, ok := r.ids[t]
	return ok
}
