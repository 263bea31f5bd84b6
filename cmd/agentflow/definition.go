package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/diagram"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

var (
	diagramInstance string
	diagramFormat   string
	diagramOut      string
)

var definitionCmd = &cobra.Command{
	Use:     "definition",
	Aliases: []string{"def"},
	Short:   "Inspect registered workflow definitions",
}

var definitionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the definitions loaded from the definitions directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			type row struct {
				ID      string `json:"id"`
				Name    string `json:"name,omitempty"`
				Version string `json:"version,omitempty"`
				Steps   int    `json:"steps"`
			}
			defs := a.defs.List()
			rows := make([]row, 0, len(defs))
			for _, d := range defs {
				rows = append(rows, row{ID: d.ID, Name: d.Name, Version: d.Version, Steps: len(d.Steps)})
			}
			return printJSON(cmd.OutOrStdout(), rows)
		})
	},
}

var definitionShowCmd = &cobra.Command{
	Use:   "show <definition-id>",
	Short: "Print a definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			def, err := a.defs.GetDefinition(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		})
	},
}

var definitionDiagramCmd = &cobra.Command{
	Use:   "diagram [definition-id]",
	Short: "Render a definition, optionally overlaid with an instance's progress",
	Long: `Render a workflow definition as ascii, mermaid, png or svg.

With --instance the definition is taken from the instance and each step shows
its latest status. The definition id argument may then be omitted.`,
	Args: cobra.RangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && diagramInstance == "" {
			return schema.NewError(schema.ErrCodeValidation, "definition id or --instance is required")
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				inst    *store.Instance
				history []*store.StepHistory
				defID   string
			)
			if len(args) == 1 {
				defID = args[0]
			}
			if diagramInstance != "" {
				rep, err := a.engine.Status(ctx, diagramInstance)
				if err != nil {
					return err
				}
				inst, history = rep.Instance, rep.History
				if defID != "" && defID != inst.DefinitionID {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"instance %s belongs to definition %s, not %s", inst.ID, inst.DefinitionID, defID)
				}
				defID = inst.DefinitionID
			}

			def, err := a.defs.GetDefinition(ctx, defID)
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, inst, history)
			if err != nil {
				return err
			}
			out, err := renderDiagram(ctx, model, diagramFormat)
			if err != nil {
				return err
			}
			if diagramOut != "" {
				return os.WriteFile(diagramOut, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		})
	},
}

func renderDiagram(ctx context.Context, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch format {
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case diagram.FormatPNG, diagram.FormatSVG:
		return diagram.RenderImage(ctx, model, format)
	default:
		return nil, fmt.Errorf("unknown diagram format %q (want ascii, mermaid, png or svg)", format)
	}
}

func init() {
	definitionDiagramCmd.Flags().StringVar(&diagramInstance, "instance", "", "overlay the progress of this instance")
	definitionDiagramCmd.Flags().StringVarP(&diagramFormat, "format", "f", "ascii", "ascii, mermaid, png or svg")
	definitionDiagramCmd.Flags().StringVarP(&diagramOut, "out", "o", "", "write to a file instead of stdout")

	definitionCmd.AddCommand(definitionListCmd, definitionShowCmd, definitionDiagramCmd)
	rootCmd.AddCommand(definitionCmd)
}
