package ir

// ModuleDef is a reusable, parameterized bundle of resource declarations.
// Resource properties and output values inside the body may reference
// declared variables as "var://<name>"; those are resolved by substitution
// when the module is instantiated.
type ModuleDef struct {
	Name      string               `pkl:"name"`
	Variables map[string]*Variable `pkl:"variables"`
	Resources []*Resource          `pkl:"resources"`
	Outputs   map[string]any       `pkl:"outputs"`
}

// Variable declares a module input.
type Variable struct {
	Default  any  `pkl:"default"`
	Required bool `pkl:"required"`
}

// ModuleCall instantiates a ModuleDef under an instance name, binding its
// variables. Input values may be literals or "out://<instance>/<output>"
// references to another instance's output.
type ModuleCall struct {
	Name   string         `pkl:"name"`
	Module *ModuleDef     `pkl:"module"`
	Inputs map[string]any `pkl:"inputs"`
}
