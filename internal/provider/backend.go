package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read when the backend reports that the
// identified resource no longer exists.
var ErrNotFound = errors.New("resource not found")

// Schema describes the planner-relevant behavior of one resource type.
type Schema struct {
	// Immutable lists top-level property names that cannot change in place.
	// A diff touching one of them forces replacement.
	Immutable []string

	// CreateBeforeDelete marks replacement as safe to create the successor
	// before destroying the old object.
	CreateBeforeDelete bool
}

// Backend translates abstract resource operations into calls against one
// external system. It is the only seam between the engine and any concrete
// provider; the engine never interprets properties itself.
type Backend interface {
	// Schema returns the type's schema, or an error for unknown types.
	Schema(resourceType string) (*Schema, error)

	// Create provisions a new resource and returns its backend-assigned
	// identifier plus the final attribute set.
	Create(ctx context.Context, resourceType string, props map[string]any) (string, map[string]any, error)

	// Read returns the current remote attributes, or ErrNotFound.
	Read(ctx context.Context, resourceType, id string, current map[string]any) (map[string]any, error)

	// Update changes the resource in place and returns the final attributes.
	Update(ctx context.Context, resourceType, id string, props map[string]any) (map[string]any, error)

	// Delete removes the resource. inputs carries the last-applied inputs
	// recorded in state, for properties that shape deletion (forceDestroy).
	// Deleting an already-absent resource is not an error.
	Delete(ctx context.Context, resourceType, id string, inputs map[string]any) error
}

// UnknownTypeError is returned by Schema for resource types the backend
// does not manage.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown resource type: %s", e.Type)
}
