package ir

import "fmt"

// State is the persisted last-applied view of every managed resource. The
// serial is a generation counter advanced on every store commit; it backs
// the store's optimistic concurrency check.
type State struct {
	Version   int              `pkl:"version"`
	Serial    int              `pkl:"serial"`
	Lineage   string           `pkl:"lineage"`
	Resources []*ResourceState `pkl:"resources"`
	Outputs   map[string]any   `pkl:"outputs"`
}

// ResourceState is the record for one applied resource. Created on first
// successful apply, rewritten on each subsequent apply, removed when the
// resource's delete succeeds. Only the executor writes these.
type ResourceState struct {
	Type         string         `pkl:"type"`
	Name         string         `pkl:"name"`
	Provider     string         `pkl:"provider"`
	ID           string         `pkl:"id"` // backend-assigned identifier
	Inputs       map[string]any `pkl:"inputs"`
	Outputs      map[string]any `pkl:"outputs"`
	Dependencies []string       `pkl:"dependencies"`
	AppliedAt    string         `pkl:"appliedAt"` // RFC3339
}

// Addr returns the record's resource address, "type.name".
func (r *ResourceState) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}

// Resource looks up a record by address, or nil.
func (s *State) Resource(addr string) *ResourceState {
	for _, r := range s.Resources {
		if r.Addr() == addr {
			return r
		}
	}
	return nil
}
