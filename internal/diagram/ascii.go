package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "awaiting_approval":
		return "[APPROVAL]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for i, node := range model.Nodes {
		box := makeBox(node)
		for _, line := range box.lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Edges) {
			renderConnector(&b, model.Edges[i], box.width)
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	label := firstLine(node.Label)
	if node.Current {
		label = "> " + label
	}
	contentLines := []string{label}
	if node.Agent != "" {
		contentLines = append(contentLines, "agent: "+node.Agent)
	}
	if node.Kind == NodeKindGated {
		contentLines = append(contentLines, "approval gate")
	}

	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if node.Status.Attempts > 1 {
			tag = strings.TrimSpace(fmt.Sprintf("%s x%d", tag, node.Status.Attempts))
		}
		if tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderConnector draws a vertical connector under a box of the given width.
func renderConnector(b *strings.Builder, edge Edge, width int) {
	pad := strings.Repeat(" ", width/2)
	b.WriteString(pad + "│")
	if edge.Label != "" {
		b.WriteString(" " + edge.Label)
	}
	b.WriteByte('\n')
	b.WriteString(pad + "▼\n")
}
