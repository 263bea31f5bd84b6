package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats accepted by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

var imageFormats = map[string]graphviz.Format{
	FormatPNG: graphviz.PNG,
	FormatSVG: graphviz.SVG,
}

// RenderImage lays the model out top-down with graphviz (dot) and encodes it
// as PNG or SVG.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	gvFormat, ok := imageFormats[format]
	if !ok {
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: graph: %w", err)
	}
	defer g.Close()
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		label := firstLine(n.Label)
		if n.Agent != "" {
			label += "\n" + n.Agent
		}
		gn.SetLabel(label)
		styleNode(gn, n)
		byID[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: edge %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindGated:
		gn.SetShape(cgraph.HexagonShape)
	case NodeKindStart, NodeKindEnd:
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.5)
		gn.SetHeight(0.5)
	default:
		gn.SetShape(cgraph.BoxShape)
	}

	if n.Status != nil {
		if st, ok := styleFor(n.Status.Status); ok {
			gn.SetStyle(cgraph.FilledNodeStyle)
			gn.SetFillColor(st.fill)
			gn.SetFontColor("white")
		}
	}
	if n.Current {
		gn.SetPenWidth(3)
		gn.SetColor(currentColor)
	}
}
