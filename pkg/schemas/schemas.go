// Package schemas ships the pkl modules that loom-written files amend.
// They are embedded so stores and scaffolding can materialize them next to
// the files that amend them, keeping the relative amends lines resolvable
// offline.
package schemas

import _ "embed"

// StatePkl is the module state files amend.
//
//go:embed State.pkl
var StatePkl string

// ConfigPkl is the module project configurations amend.
//
//go:embed Config.pkl
var ConfigPkl string
