package ir

// Action kinds recorded in a plan. Replacement is expressed as an explicit
// DELETE followed by a CREATE of the same address, so executors never see a
// compound action.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionNoOp   = "NOOP"
)

// Plan is an ordered list of pending actions computed by diffing desired
// configuration against the last-known state. Deletes come first in reverse
// dependency order, then creates and updates in dependency order.
type Plan struct {
	Metadata *PlanMetadata     `pkl:"metadata"`
	Changes  []*ResourceChange `pkl:"changes"`
	Summary  *PlanSummary      `pkl:"summary"`
	Outputs  map[string]any    `pkl:"outputs"`
}

type PlanMetadata struct {
	Timestamp string `pkl:"timestamp"`
	Lineage   string `pkl:"lineage"`
	Serial    int    `pkl:"serial"`
}

// ResourceChange is one planned action for one resource address.
type ResourceChange struct {
	Address string `pkl:"address"`
	Action  string `pkl:"action"`
	Reason  string `pkl:"reason"`

	// Deposed marks the delete half of a create-before-destroy replacement:
	// the old remote object (PriorID) is destroyed without touching the
	// state record, which already describes its successor.
	Deposed bool   `pkl:"deposed"`
	PriorID string `pkl:"priorId"`

	// Dependencies are the addresses this resource depends on in the
	// combined configuration + state graph.
	Dependencies []string `pkl:"dependencies"`

	Desired *Resource                `pkl:"resource"`
	Prior   *Resource                `pkl:"prior"`
	Diff    map[string]*PropertyDiff `pkl:"diff"`
}

type PropertyDiff struct {
	Before            any    `pkl:"before"`
	After             any    `pkl:"after"`
	ForcesReplacement bool   `pkl:"forcesReplacement"`
	Action            string `pkl:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create  int `pkl:"create"`
	Update  int `pkl:"update"`
	Delete  int `pkl:"delete"`
	Replace int `pkl:"replace"`
	NoOp    int `pkl:"noop"`
}
