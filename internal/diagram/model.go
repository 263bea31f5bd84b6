package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindGated NodeKind = "gated" // step with its own approval rule
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
// Workflows are linear, so Nodes are in execution order.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID      string
	Label   string
	Agent   string
	Kind    NodeKind
	Current bool // the instance's next step to execute
	Status  *StatusOverlay
}

// StatusOverlay carries runtime state for a node, taken from the latest
// step history record.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge connects two consecutive nodes. Label is "handoff" when the agent changes.
type Edge struct {
	From  string
	To    string
	Label string
}

// statusStyle is the rendering of one step status, shared by the mermaid and
// graphviz renderers.
type statusStyle struct {
	class  string // mermaid class name
	fill   string
	stroke string
}

// statusStyles lists styled statuses in a stable order. Unlisted statuses
// render unstyled.
var statusStyles = []struct {
	status string
	style  statusStyle
}{
	{"completed", statusStyle{"completed", "#2d6a2d", "#1a4a1a"}},
	{"failed", statusStyle{"failed", "#8b1a1a", "#5c0e0e"}},
	{"running", statusStyle{"running", "#1a5276", "#0e3a52"}},
	{"awaiting_approval", statusStyle{"approval", "#b7791a", "#8a5c14"}},
}

// currentColor outlines the step an instance executes next.
const currentColor = "#f1c40f"

func styleFor(status string) (statusStyle, bool) {
	for _, s := range statusStyles {
		if s.status == status {
			return s.style, true
		}
	}
	return statusStyle{}, false
}
