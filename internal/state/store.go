package state

import (
	"context"
	"errors"

	"github.com/loom-iac/loom/internal/ir"
)

// ErrStaleState is returned by a commit when the durable state's generation
// no longer matches the one the caller loaded. The caller must reload and
// re-plan.
var ErrStaleState = errors.New("state has been modified by another process")

// Store is a durable state backend. Commit and Remove apply one resource
// mutation, advance the state's generation, and persist atomically with an
// optimistic concurrency check against the generation loaded by Load.
type Store interface {
	// Load reads the full state. A missing state yields an empty state at
	// generation zero.
	Load(ctx context.Context) (*ir.State, error)

	// Commit upserts one resource record and persists the state.
	Commit(ctx context.Context, state *ir.State, rec *ir.ResourceState) error

	// Remove drops one resource record by address and persists the state.
	Remove(ctx context.Context, state *ir.State, addr string) error

	// WriteOutputs replaces the root outputs and persists the state.
	WriteOutputs(ctx context.Context, state *ir.State, outputs map[string]any) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error
}

// upsertRecord replaces the record at rec's address or appends it.
func upsertRecord(state *ir.State, rec *ir.ResourceState) {
	for i, existing := range state.Resources {
		if existing.Addr() == rec.Addr() {
			state.Resources[i] = rec
			return
		}
	}
	state.Resources = append(state.Resources, rec)
}

// removeRecord drops the record at addr. Removing an absent address is a
// no-op.
func removeRecord(state *ir.State, addr string) {
	for i, existing := range state.Resources {
		if existing.Addr() == addr {
			state.Resources = append(state.Resources[:i], state.Resources[i+1:]...)
			return
		}
	}
}
