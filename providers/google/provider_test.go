package google

import (
	"errors"
	"fmt"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/loom-iac/loom/internal/provider"
)

func TestSchemas(t *testing.T) {
	p := &Provider{}

	cases := map[string][]string{
		TypeStorageBucket:   {"name", "location"},
		TypePubSubTopic:     {"name"},
		TypeBigQueryDataset: {"datasetId", "location"},
		TypeBigQueryJob:     {"query", "location"},
		TypeProjectService:  {"service"},
	}
	for resourceType, immutable := range cases {
		schema, err := p.Schema(resourceType)
		require.NoError(t, err, resourceType)
		assert.Equal(t, immutable, schema.Immutable, resourceType)
	}

	_, err := p.Schema("google:Compute.Instance")
	var unknown *provider.UnknownTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "google:Compute.Instance", unknown.Type)
}

func TestStringProp(t *testing.T) {
	props := map[string]any{"name": "raw-papers", "count": 3}

	v, err := stringProp(props, "name")
	require.NoError(t, err)
	assert.Equal(t, "raw-papers", v)

	_, err = stringProp(props, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required property "missing"`)

	_, err = stringProp(props, "count")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a string")
}

func TestOptionalHelpers(t *testing.T) {
	props := map[string]any{
		"location": "EU",
		"force":    true,
		"labels":   map[string]any{"env": "prod", "replicas": 3},
	}

	assert.Equal(t, "EU", optionalString(props, "location"))
	assert.Equal(t, "", optionalString(props, "missing"))
	assert.True(t, optionalBool(props, "force"))
	assert.False(t, optionalBool(props, "missing"))

	labels := stringMap(props, "labels")
	assert.Equal(t, map[string]string{"env": "prod", "replicas": "3"}, labels)
	assert.Nil(t, stringMap(props, "missing"))
}

func TestOptionalInt(t *testing.T) {
	props := map[string]any{
		"int":     30,
		"int64":   int64(31),
		"float64": float64(32),
		"string":  "33",
	}

	for key, want := range map[string]int64{"int": 30, "int64": 31, "float64": 32} {
		got, ok := optionalInt(props, key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	_, ok := optionalInt(props, "string")
	assert.False(t, ok)
	_, ok = optionalInt(props, "missing")
	assert.False(t, ok)
}

func TestBucketAttrs_LifecycleAge(t *testing.T) {
	attrs := bucketAttrs(map[string]any{
		"location":     "US",
		"storageClass": "STANDARD",
		"lifecycleAge": 30,
	})
	assert.Equal(t, "US", attrs.Location)
	require.Len(t, attrs.Lifecycle.Rules, 1)
	rule := attrs.Lifecycle.Rules[0]
	assert.Equal(t, storage.DeleteAction, rule.Action.Type)
	assert.Equal(t, int64(30), rule.Condition.AgeInDays)

	plain := bucketAttrs(map[string]any{"location": "US"})
	assert.Empty(t, plain.Lifecycle.Rules, "no lifecycleAge, no rule")
}

func TestProjectFor(t *testing.T) {
	p := &Provider{project: "default-project"}

	project, err := p.projectFor(map[string]any{"project": "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", project)

	project, err = p.projectFor(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "default-project", project)

	empty := &Provider{}
	_, err = empty.projectFor(map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project configured")
}

func TestNew_ReadsProjectFromEnvironment(t *testing.T) {
	t.Setenv("GOOGLE_PROJECT", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "fallback-project")

	backend, err := New()
	require.NoError(t, err)

	p, ok := backend.(*Provider)
	require.True(t, ok)
	assert.Equal(t, "fallback-project", p.project)
}

func TestSplitDatasetID(t *testing.T) {
	project, dataset, err := splitDatasetID("my-project:warehouse")
	require.NoError(t, err)
	assert.Equal(t, "my-project", project)
	assert.Equal(t, "warehouse", dataset)

	_, _, err = splitDatasetID("warehouse")
	assert.Error(t, err)
	_, _, err = splitDatasetID(":warehouse")
	assert.Error(t, err)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: 404}))
	assert.True(t, isNotFound(fmt.Errorf("read topic: %w", &googleapi.Error{Code: 404})))
	assert.False(t, isNotFound(&googleapi.Error{Code: 403}))
	assert.False(t, isNotFound(errors.New("not found")))
}

func TestBucketOutputs(t *testing.T) {
	outputs := bucketOutputs("raw-papers", "US", "STANDARD")
	assert.Equal(t, "gs://raw-papers", outputs["url"])
	assert.Equal(t, "raw-papers", outputs["name"])
	assert.Equal(t, "US", outputs["location"])
}
