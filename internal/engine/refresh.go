package engine

import (
	"context"
	"errors"
	"time"

	"github.com/loom-iac/loom/internal/ir"
	"github.com/loom-iac/loom/internal/logging"
	"github.com/loom-iac/loom/internal/provider"
)

// RefreshResult reports what changed out of band.
type RefreshResult struct {
	Drifted []string // addresses whose live attributes differ from state
	Removed []string // addresses whose backing object no longer exists
}

// Refresh reads every tracked resource from its backend and reconciles the
// state: drifted attributes are re-recorded, objects deleted out of band are
// dropped. Each reconciliation is committed individually.
func (e *Engine) Refresh(ctx context.Context, state *ir.State, store StateStore) (*RefreshResult, error) {
	if err := e.loadProviders(nil, state.Resources); err != nil {
		return nil, err
	}

	result := &RefreshResult{}

	// Iterate over a snapshot; Remove mutates state.Resources.
	records := append([]*ir.ResourceState{}, state.Resources...)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		addr := rec.Addr()

		backend, err := e.registry.Get(rec.Provider)
		if err != nil {
			return result, err
		}

		var live map[string]any
		err = RetryWithBackoff(ctx, nil, func() error {
			var readErr error
			live, readErr = backend.Read(ctx, rec.Type, rec.ID, rec.Outputs)
			return readErr
		}, func(err error) bool {
			return !errors.Is(err, provider.ErrNotFound) && IsTransientError(err)
		})

		if errors.Is(err, provider.ErrNotFound) {
			logging.Info("resource gone, removing from state", "address", addr)
			if err := store.Remove(ctx, state, addr); err != nil {
				return result, err
			}
			result.Removed = append(result.Removed, addr)
			continue
		}
		if err != nil {
			return result, &BackendError{Address: addr, Op: "read", Transient: IsTransientError(err), Err: err}
		}

		if attrsEqual(rec.Outputs, live) {
			continue
		}

		logging.Debug("resource drifted", "address", addr)
		updated := &ir.ResourceState{
			Type:         rec.Type,
			Name:         rec.Name,
			Provider:     rec.Provider,
			ID:           rec.ID,
			Inputs:       rec.Inputs,
			Outputs:      live,
			Dependencies: rec.Dependencies,
			AppliedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := store.Commit(ctx, state, updated); err != nil {
			return result, err
		}
		result.Drifted = append(result.Drifted, addr)
	}

	return result, nil
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || stringify(av) != stringify(bv) {
			return false
		}
	}
	return true
}
