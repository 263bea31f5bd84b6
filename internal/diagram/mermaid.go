package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders the model as a top-down Mermaid flowchart. Gated steps
// are hexagons, start and end are circles.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("    ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("graph TD\n")
	if model.Title != "" {
		line("%%%% %s", model.Title)
	}

	for _, n := range model.Nodes {
		line("%s", mermaidNode(n))
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		line("%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	for _, s := range statusStyles {
		line("classDef %s fill:%s,stroke:%s,color:#fff", s.style.class, s.style.fill, s.style.stroke)
	}
	line("classDef current stroke:%s,stroke-width:4px", currentColor)

	for _, n := range model.Nodes {
		id := mermaidSafeID(n.ID)
		if n.Status != nil {
			if st, ok := styleFor(n.Status.Status); ok {
				line("class %s %s", id, st.class)
			}
		}
		if n.Current {
			line("class %s current", id)
		}
	}
	return b.String()
}

func mermaidNode(n *Node) string {
	label := firstLine(n.Label)
	if n.Agent != "" {
		label = fmt.Sprintf("%s (%s)", label, n.Agent)
	}
	open, closing := "[", "]"
	switch n.Kind {
	case NodeKindGated:
		open, closing = "{{", "}}"
	case NodeKindStart, NodeKindEnd:
		open, closing = "((", "))"
	}
	return fmt.Sprintf("%s%s%q%s", mermaidSafeID(n.ID), open, label, closing)
}

func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
