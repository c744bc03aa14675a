// Package null implements a provider whose resources exist only in state.
// Useful for wiring dependencies, testing plans, and triggering downstream
// replacements via the triggers property.
package null

import (
	"context"
	"fmt"
	"sync"

	"github.com/loom-iac/loom/internal/provider"
)

const TypeResource = "null:Resource"

// Provider manages null:Resource objects. Objects live in process memory;
// the backend identifier is stable per resource name so state survives
// across runs even though the objects do not.
type Provider struct {
	mu      sync.Mutex
	serial  int
	objects map[string]map[string]any
}

func New() (provider.Backend, error) {
	return &Provider{objects: make(map[string]map[string]any)}, nil
}

func (p *Provider) Schema(resourceType string) (*provider.Schema, error) {
	if resourceType != TypeResource {
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}
	// Changing a trigger tears the resource down and recreates it.
	return &provider.Schema{Immutable: []string{"triggers"}}, nil
}

func (p *Provider) Create(ctx context.Context, resourceType string, props map[string]any) (string, map[string]any, error) {
	if resourceType != TypeResource {
		return "", nil, &provider.UnknownTypeError{Type: resourceType}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.serial++
	id := fmt.Sprintf("null-%d", p.serial)

	outputs := map[string]any{"id": id}
	if triggers, ok := props["triggers"]; ok {
		outputs["triggers"] = triggers
	}
	p.objects[id] = outputs
	return id, outputs, nil
}

func (p *Provider) Read(ctx context.Context, resourceType, id string, current map[string]any) (map[string]any, error) {
	if resourceType != TypeResource {
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if outputs, ok := p.objects[id]; ok {
		return outputs, nil
	}
	// Objects are process-local; a record from a previous run still counts
	// as existing.
	if current != nil {
		return current, nil
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) Update(ctx context.Context, resourceType, id string, props map[string]any) (map[string]any, error) {
	if resourceType != TypeResource {
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	outputs := map[string]any{"id": id}
	if triggers, ok := props["triggers"]; ok {
		outputs["triggers"] = triggers
	}
	p.objects[id] = outputs
	return outputs, nil
}

func (p *Provider) Delete(ctx context.Context, resourceType, id string, inputs map[string]any) error {
	if resourceType != TypeResource {
		return &provider.UnknownTypeError{Type: resourceType}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, id)
	return nil
}
