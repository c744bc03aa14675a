package google

import (
	"context"
	"fmt"

	serviceusage "google.golang.org/api/serviceusage/v1"

	"github.com/loom-iac/loom/internal/provider"
)

func (p *Provider) serviceUsage(ctx context.Context) (*serviceusage.Service, error) {
	p.serviceOnce.Do(func() {
		p.services, p.serviceErr = serviceusage.NewService(ctx)
	})
	if p.serviceErr != nil {
		return nil, fmt.Errorf("failed to create serviceusage client: %w", p.serviceErr)
	}
	return p.services, nil
}

// enableService turns on an API for the project, e.g.
// "bigquery.googleapis.com". Enabling is idempotent on the Google side.
func (p *Provider) enableService(ctx context.Context, props map[string]any) (string, map[string]any, error) {
	svc, err := p.serviceUsage(ctx)
	if err != nil {
		return "", nil, err
	}
	service, err := stringProp(props, "service")
	if err != nil {
		return "", nil, err
	}
	project, err := p.projectFor(props)
	if err != nil {
		return "", nil, err
	}

	name := fmt.Sprintf("projects/%s/services/%s", project, service)
	if _, err := svc.Services.Enable(name, &serviceusage.EnableServiceRequest{}).Context(ctx).Do(); err != nil {
		return "", nil, fmt.Errorf("failed to enable service %s: %w", name, err)
	}
	return name, map[string]any{"service": service, "state": "ENABLED"}, nil
}

func (p *Provider) readService(ctx context.Context, id string) (map[string]any, error) {
	svc, err := p.serviceUsage(ctx)
	if err != nil {
		return nil, err
	}
	got, err := svc.Services.Get(id).Context(ctx).Do()
	if isNotFound(err) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read service %s: %w", id, err)
	}
	if got.State != "ENABLED" {
		return nil, provider.ErrNotFound
	}
	outputs := map[string]any{"state": got.State}
	if got.Config != nil {
		outputs["service"] = got.Config.Name
	}
	return outputs, nil
}

func (p *Provider) disableService(ctx context.Context, id string) error {
	svc, err := p.serviceUsage(ctx)
	if err != nil {
		return err
	}
	_, err = svc.Services.Disable(id, &serviceusage.DisableServiceRequest{}).Context(ctx).Do()
	if isNotFound(err) {
		return provider.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to disable service %s: %w", id, err)
	}
	return nil
}
