package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-iac/loom/internal/ir"
)

func bucketModule() *ir.ModuleDef {
	return &ir.ModuleDef{
		Name: "bucket",
		Variables: map[string]*ir.Variable{
			"name":     {Required: true},
			"location": {Default: "US"},
		},
		Resources: []*ir.Resource{
			{
				Type:     "google:Storage.Bucket",
				Name:     "this",
				Provider: "google",
				Properties: map[string]any{
					"name":     "var://name",
					"location": "var://location",
				},
			},
		},
		Outputs: map[string]any{
			"bucket_name": "var://name",
		},
	}
}

func TestFlatten_NamespacesModuleResources(t *testing.T) {
	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{"name": "raw-papers"}},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	require.Len(t, flat.Resources, 1)

	res := flat.Resources[0]
	assert.Equal(t, "google:Storage.Bucket.raw.this", res.Addr())
	assert.Equal(t, "raw-papers", res.Properties["name"])
	assert.Equal(t, "US", res.Properties["location"], "default should bind when no input given")
}

func TestFlatten_MissingRequiredInput(t *testing.T) {
	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{}},
		},
	}

	_, err := Flatten(cfg)
	require.Error(t, err)

	var unresolved *UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
	assert.Contains(t, unresolved.Path, "module.raw.var.name")
}

func TestFlatten_UndeclaredInputRejected(t *testing.T) {
	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{
				"name": "raw-papers",
				"typo": "oops",
			}},
		},
	}

	_, err := Flatten(cfg)
	require.Error(t, err)

	var unresolved *UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
	assert.Contains(t, unresolved.Path, "module.raw.inputs.typo")
}

func TestFlatten_OutputBindingOrdersInstances(t *testing.T) {
	consumer := &ir.ModuleDef{
		Name: "topic",
		Variables: map[string]*ir.Variable{
			"bucket": {Required: true},
		},
		Resources: []*ir.Resource{
			{
				Type:     "google:PubSub.Topic",
				Name:     "this",
				Provider: "google",
				Properties: map[string]any{
					"name": "var://bucket",
				},
			},
		},
	}

	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			// Declared before its producer on purpose.
			{Name: "events", Module: consumer, Inputs: map[string]any{
				"bucket": "out://raw/bucket_name",
			}},
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{"name": "raw-papers"}},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	require.Len(t, flat.Resources, 2)

	topic := flat.Resources[1]
	assert.Equal(t, "google:PubSub.Topic.events.this", topic.Addr())
	assert.Equal(t, "raw-papers", topic.Properties["name"])
}

func TestFlatten_OutputBindingCycle(t *testing.T) {
	defA := &ir.ModuleDef{
		Name:      "a",
		Variables: map[string]*ir.Variable{"in": {Required: true}},
		Outputs:   map[string]any{"out": "var://in"},
	}
	defB := &ir.ModuleDef{
		Name:      "b",
		Variables: map[string]*ir.Variable{"in": {Required: true}},
		Outputs:   map[string]any{"out": "var://in"},
	}

	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "first", Module: defA, Inputs: map[string]any{"in": "out://second/out"}},
			{Name: "second", Module: defB, Inputs: map[string]any{"in": "out://first/out"}},
		},
	}

	_, err := Flatten(cfg)
	require.Error(t, err)

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.ElementsMatch(t, []string{"module.first", "module.second"}, cycle.Members)
}

func TestFlatten_UnknownOutputReference(t *testing.T) {
	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{
				"name": "out://nowhere/bucket_name",
			}},
		},
	}

	_, err := Flatten(cfg)
	require.Error(t, err)

	var unresolved *UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "out://nowhere/bucket_name", unresolved.Path)
}

func TestFlatten_RewritesLocalRefsAndDependsOn(t *testing.T) {
	def := &ir.ModuleDef{
		Name:      "etl",
		Variables: map[string]*ir.Variable{},
		Resources: []*ir.Resource{
			{Type: "google:Storage.Bucket", Name: "staging", Provider: "google"},
			{
				Type:      "google:BigQuery.Dataset",
				Name:      "warehouse",
				Provider:  "google",
				DependsOn: []string{"google:Storage.Bucket.staging"},
				Properties: map[string]any{
					"label": "ref://google:Storage.Bucket/staging/name",
				},
			},
		},
	}

	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "pipeline", Module: def, Inputs: map[string]any{}},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	require.Len(t, flat.Resources, 2)

	dataset := flat.Resources[1]
	assert.Equal(t, []string{"google:Storage.Bucket.pipeline.staging"}, dataset.DependsOn)
	assert.Equal(t, "ref://google:Storage.Bucket/pipeline.staging/name", dataset.Properties["label"])

	// The namespaced graph must wire up.
	_, err = BuildDAG(flat.Resources)
	require.NoError(t, err)
}

func TestFlatten_EmbeddedVariableTokens(t *testing.T) {
	def := &ir.ModuleDef{
		Name: "svc",
		Variables: map[string]*ir.Variable{
			"env": {Required: true},
		},
		Resources: []*ir.Resource{
			{
				Type:     "null:Resource",
				Name:     "this",
				Provider: "null",
				Properties: map[string]any{
					"label": "app-var://env-primary",
				},
			},
		},
	}

	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "web", Module: def, Inputs: map[string]any{"env": "prod"}},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	assert.Equal(t, "app-prod-primary", flat.Resources[0].Properties["label"])
}

func TestFlatten_WholeValueVariableKeepsType(t *testing.T) {
	def := &ir.ModuleDef{
		Name: "svc",
		Variables: map[string]*ir.Variable{
			"replicas": {Required: true},
		},
		Resources: []*ir.Resource{
			{
				Type:     "null:Resource",
				Name:     "this",
				Provider: "null",
				Properties: map[string]any{
					"replicas": "var://replicas",
				},
			},
		},
	}

	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "web", Module: def, Inputs: map[string]any{"replicas": 3}},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, flat.Resources[0].Properties["replicas"])
}

func TestFlatten_DuplicateAddressRejected(t *testing.T) {
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null:Resource", Name: "a", Provider: "null"},
			{Type: "null:Resource", Name: "a", Provider: "null"},
		},
	}

	_, err := Flatten(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate resource address")
}

func TestFlatten_RootOutputsResolve(t *testing.T) {
	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{"name": "raw-papers"}},
		},
		Outputs: map[string]any{
			"bucket": "out://raw/bucket_name",
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	assert.Equal(t, "raw-papers", flat.Outputs["bucket"])
}

func TestFlatten_NoDeclaredOutputsStaysNil(t *testing.T) {
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null:Resource", Name: "a", Provider: "null"},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	assert.Nil(t, flat.Outputs, "no declared outputs must not become an empty map")
}

func TestFlatten_TwoInstancesOfSameModule(t *testing.T) {
	cfg := &ir.Config{
		Modules: []*ir.ModuleCall{
			{Name: "raw", Module: bucketModule(), Inputs: map[string]any{"name": "raw-papers"}},
			{Name: "curated", Module: bucketModule(), Inputs: map[string]any{"name": "curated-papers"}},
		},
	}

	flat, err := Flatten(cfg)
	require.NoError(t, err)
	require.Len(t, flat.Resources, 2)

	addrs := []string{flat.Resources[0].Addr(), flat.Resources[1].Addr()}
	assert.ElementsMatch(t, []string{
		"google:Storage.Bucket.raw.this",
		"google:Storage.Bucket.curated.this",
	}, addrs)

	// Expansion must not share property maps between instances.
	flat.Resources[0].Properties["name"] = "mutated"
	assert.NotEqual(t, "mutated", flat.Resources[1].Properties["name"])
}
