// Package google implements a provider for Google Cloud resources: storage
// buckets, Pub/Sub topics, BigQuery datasets and DDL jobs, and project
// service enablement.
package google

import (
	"context"
	"fmt"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	bigquery "google.golang.org/api/bigquery/v2"
	pubsub "google.golang.org/api/pubsub/v1"
	serviceusage "google.golang.org/api/serviceusage/v1"

	"github.com/loom-iac/loom/internal/provider"
)

// Resource types managed by this provider.
const (
	TypeStorageBucket   = "google:Storage.Bucket"
	TypePubSubTopic     = "google:PubSub.Topic"
	TypeBigQueryDataset = "google:BigQuery.Dataset"
	TypeBigQueryJob     = "google:BigQuery.Job"
	TypeProjectService  = "google:Project.Service"
)

// schemas holds the replacement policy per resource type. Buckets, topics,
// and datasets are identified by name, so renaming or relocating one means
// replacing it. A DDL job is immutable once run.
var schemas = map[string]*provider.Schema{
	TypeStorageBucket:   {Immutable: []string{"name", "location"}},
	TypePubSubTopic:     {Immutable: []string{"name"}},
	TypeBigQueryDataset: {Immutable: []string{"datasetId", "location"}},
	TypeBigQueryJob:     {Immutable: []string{"query", "location"}},
	TypeProjectService:  {Immutable: []string{"service"}},
}

// Provider talks to Google Cloud APIs. Clients are created lazily on first
// use so plans that never touch a service need no credentials for it.
type Provider struct {
	project string

	storageOnce  sync.Once
	storageErr   error
	storage      *storage.Client
	pubsubOnce   sync.Once
	pubsubErr    error
	pubsub       *pubsub.Service
	bigqueryOnce sync.Once
	bigqueryErr  error
	bigquery     *bigquery.Service
	serviceOnce  sync.Once
	serviceErr   error
	services     *serviceusage.Service
}

func New() (provider.Backend, error) {
	project := os.Getenv("GOOGLE_PROJECT")
	if project == "" {
		project = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	return &Provider{project: project}, nil
}

func (p *Provider) Schema(resourceType string) (*provider.Schema, error) {
	schema, ok := schemas[resourceType]
	if !ok {
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}
	return schema, nil
}

func (p *Provider) Create(ctx context.Context, resourceType string, props map[string]any) (string, map[string]any, error) {
	switch resourceType {
	case TypeStorageBucket:
		return p.createBucket(ctx, props)
	case TypePubSubTopic:
		return p.createTopic(ctx, props)
	case TypeBigQueryDataset:
		return p.createDataset(ctx, props)
	case TypeBigQueryJob:
		return p.runJob(ctx, props)
	case TypeProjectService:
		return p.enableService(ctx, props)
	default:
		return "", nil, &provider.UnknownTypeError{Type: resourceType}
	}
}

func (p *Provider) Read(ctx context.Context, resourceType, id string, current map[string]any) (map[string]any, error) {
	switch resourceType {
	case TypeStorageBucket:
		return p.readBucket(ctx, id)
	case TypePubSubTopic:
		return p.readTopic(ctx, id)
	case TypeBigQueryDataset:
		return p.readDataset(ctx, id)
	case TypeBigQueryJob:
		return p.readJob(ctx, id, current)
	case TypeProjectService:
		return p.readService(ctx, id)
	default:
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}
}

func (p *Provider) Update(ctx context.Context, resourceType, id string, props map[string]any) (map[string]any, error) {
	switch resourceType {
	case TypeStorageBucket:
		return p.updateBucket(ctx, id, props)
	case TypePubSubTopic:
		return p.updateTopic(ctx, id, props)
	case TypeBigQueryDataset:
		return p.updateDataset(ctx, id, props)
	case TypeBigQueryJob:
		// Every mutable-looking job property is declared immutable, so the
		// planner never routes an update here.
		return nil, fmt.Errorf("BigQuery jobs cannot be updated")
	case TypeProjectService:
		return p.readService(ctx, id)
	default:
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}
}

func (p *Provider) Delete(ctx context.Context, resourceType, id string, inputs map[string]any) error {
	switch resourceType {
	case TypeStorageBucket:
		return p.deleteBucket(ctx, id, inputs)
	case TypePubSubTopic:
		return p.deleteTopic(ctx, id)
	case TypeBigQueryDataset:
		return p.deleteDataset(ctx, id)
	case TypeBigQueryJob:
		// Finished jobs are just history; nothing to tear down.
		return nil
	case TypeProjectService:
		return p.disableService(ctx, id)
	default:
		return &provider.UnknownTypeError{Type: resourceType}
	}
}

// stringProp fetches a required string property.
func stringProp(props map[string]any, key string) (string, error) {
	v, ok := props[key]
	if !ok {
		return "", fmt.Errorf("missing required property %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("property %q must be a string, got %T", key, v)
	}
	return s, nil
}

func optionalString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func optionalBool(props map[string]any, key string) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return false
}

// optionalInt reads a numeric property. pkl integers may surface as any of
// the common numeric types depending on the decode path.
func optionalInt(props map[string]any, key string) (int64, bool) {
	switch v := props[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func stringMap(props map[string]any, key string) map[string]string {
	raw, ok := props[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// projectFor resolves the project from properties or the provider default.
func (p *Provider) projectFor(props map[string]any) (string, error) {
	if project := optionalString(props, "project"); project != "" {
		return project, nil
	}
	if p.project != "" {
		return p.project, nil
	}
	return "", fmt.Errorf("no project configured: set the 'project' property or GOOGLE_PROJECT")
}
