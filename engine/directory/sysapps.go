package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/store"
)

const systemRecordType = "SYSTEM"

// SystemApps is the set of package names classified as operating-system
// apps. Usage records for these packages carry no behavioral signal and are
// dropped during ingestion. Like the directory, the set is rebuilt on a
// timer and swapped atomically.
type SystemApps struct {
	client store.Client
	reg    *edm.Registry
	log    *slog.Logger
	set    atomic.Pointer[map[string]struct{}]
}

// NewSystemApps builds an empty system-app filter.
func NewSystemApps(client store.Client, reg *edm.Registry, log *slog.Logger) *SystemApps {
	s := &SystemApps{client: client, reg: reg, log: log}
	empty := map[string]struct{}{}
	s.set.Store(&empty)
	return s
}

// Contains reports whether a package name is a known system app.
func (s *SystemApps) Contains(packageName string) bool {
	_, ok := (*s.set.Load())[packageName]
	return ok
}

// Len reports the current filter size.
func (s *SystemApps) Len() int {
	return len(*s.set.Load())
}

// Refresh reloads the filter from the app dictionary. When the dictionary
// set is not installed the filter stays empty and nothing is dropped.
func (s *SystemApps) Refresh(ctx context.Context) error {
	setID, ok := s.reg.SetID(edm.AppsDictionary)
	if !ok {
		return nil
	}
	entries, err := s.client.LoadEntitySet(ctx, setID)
	if err != nil {
		return fmt.Errorf("load app dictionary: %w", err)
	}
	next := make(map[string]struct{})
	for _, ent := range entries {
		if ent.FirstString(edm.RecordType) != systemRecordType {
			continue
		}
		if pkg := ent.FirstString(edm.FullName); pkg != "" {
			next[pkg] = struct{}{}
		}
	}
	s.set.Store(&next)
	s.log.Debug("system app filter refreshed", "apps", len(next))
	return nil
}
