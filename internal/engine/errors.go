package engine

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle in the resource graph or in module
// composition. Members holds every participating address.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Members, ", "))
}

// UnresolvedReferenceError reports a reference to a resource, variable, or
// module output that does not exist.
type UnresolvedReferenceError struct {
	Path         string // the missing path, e.g. "out://etl/dataset_id"
	ReferencedBy string // the declaration holding the reference
}

func (e *UnresolvedReferenceError) Error() string {
	if e.ReferencedBy == "" {
		return fmt.Sprintf("unresolved reference: %s", e.Path)
	}
	return fmt.Sprintf("unresolved reference in %s: %s", e.ReferencedBy, e.Path)
}

// DiffError reports that the planner could not diff a resource, typically
// because its type has no schema entry in the provider.
type DiffError struct {
	Address string
	Reason  string
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("cannot plan %s: %s", e.Address, e.Reason)
}

// BackendError wraps a failure from a provider backend, classified as
// transient (retryable) or permanent.
type BackendError struct {
	Address   string
	Op        string // "create", "read", "update", "delete"
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s failed for %s (%s): %v", e.Op, e.Address, kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
