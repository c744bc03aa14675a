package ir

// Config is the top-level configuration: root resources, module
// instantiations, and declared root outputs.
type Config struct {
	Resources []*Resource    `pkl:"resources"`
	Modules   []*ModuleCall  `pkl:"modules"`
	Outputs   map[string]any `pkl:"outputs"`
}
