package ir

import "fmt"

// Resource is a single declared resource. Identity is (Type, Name), unique
// within the flattened configuration.
type Resource struct {
	Type       string         `pkl:"type"` // e.g. "google:Storage.Bucket"
	Name       string         `pkl:"name"`
	Provider   string         `pkl:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle"`
	DependsOn  []string       `pkl:"dependsOn"`
	Timeout    string         `pkl:"timeout"` // per-operation timeout, Go duration syntax
	Properties map[string]any `pkl:"properties"`
}

// Lifecycle tunes plan and apply behavior for one resource.
type Lifecycle struct {
	CreateBeforeDestroy bool     `pkl:"createBeforeDestroy"`
	PreventDestroy      bool     `pkl:"preventDestroy"`
	IgnoreChanges       []string `pkl:"ignoreChanges"`
}

// Addr returns the resource address, "type.name".
func (r *Resource) Addr() string {
	return fmt.Sprintf("%s.%s", r.Type, r.Name)
}
