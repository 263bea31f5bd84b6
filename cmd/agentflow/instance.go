package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

var (
	instOwner      string
	instListOwner  string
	instContext    string
	instInput      string
	instStream     bool
	instActor      string
	instStatus     string
	instDefinition string
	instLimit      int
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"inst"},
	Short:   "Create, run and control workflow instances",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create <definition-id>",
	Short: "Create an instance of a workflow definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			req := engine.CreateRequest{DefinitionID: args[0], OwnerID: instOwner}
			if instContext != "" {
				req.WorkflowContext = json.RawMessage(instContext)
			}
			inst, err := a.engine.CreateInstance(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst)
		})
	},
}

var instanceStepCmd = &cobra.Command{
	Use:   "step <instance-id>",
	Short: "Execute the current step of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := parseObject("input", instInput)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var res *engine.StepResult
			if instStream {
				res, err = a.engine.ExecuteStepStreaming(ctx, args[0], input, func(p agents.Progress) {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%3.0f%%] %s\n", p.PercentComplete, p.Message)
				})
			} else {
				res, err = a.engine.ExecuteStep(ctx, args[0], input)
			}
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var instanceStatusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show an instance with its history, approvals and handoffs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rep, err := a.engine.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := store.InstanceFilter{OwnerID: instListOwner, DefinitionID: instDefinition, Limit: instLimit}
		if instStatus != "" {
			st := schema.InstanceStatus(instStatus)
			filter.Status = &st
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.engine.ListInstances(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		})
	},
}

var instanceAuditCmd = &cobra.Command{
	Use:   "audit <instance-id>",
	Short: "Print the full event trail of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			replay, err := a.engine.Audit(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), replay)
		})
	},
}

// lifecycleCmd builds pause, resume and cancel.
func lifecycleCmd(use, short string, op func(*engine.Engine) func(context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := op(a.engine)(ctx, args[0], instActor); err != nil {
					return err
				}
				inst, err := a.engine.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", inst.ID, inst.Status)
				return nil
			})
		},
	}
}

func init() {
	instanceCreateCmd.Flags().StringVar(&instOwner, "owner", defaultActor(), "owner of the instance")
	instanceCreateCmd.Flags().StringVar(&instContext, "context", "", "initial workflow context as a JSON object")

	instanceStepCmd.Flags().StringVar(&instInput, "input", "", "user input for the step as a JSON object")
	instanceStepCmd.Flags().BoolVar(&instStream, "stream", false, "print agent progress to stderr")

	instanceListCmd.Flags().StringVar(&instListOwner, "owner", "", "filter by owner")
	instanceListCmd.Flags().StringVar(&instDefinition, "definition", "", "filter by definition id")
	instanceListCmd.Flags().StringVar(&instStatus, "status", "", "filter by status")
	instanceListCmd.Flags().IntVar(&instLimit, "limit", 50, "maximum number of instances")

	pause := lifecycleCmd("pause", "Pause a running or waiting instance",
		func(e *engine.Engine) func(context.Context, string, string) error { return e.Pause })
	resume := lifecycleCmd("resume", "Resume a paused instance",
		func(e *engine.Engine) func(context.Context, string, string) error { return e.Resume })
	cancel := lifecycleCmd("cancel", "Cancel an instance",
		func(e *engine.Engine) func(context.Context, string, string) error { return e.Cancel })
	for _, c := range []*cobra.Command{pause, resume, cancel} {
		c.Flags().StringVar(&instActor, "actor", defaultActor(), "who requests the change")
	}

	instanceCmd.AddCommand(instanceCreateCmd, instanceStepCmd, instanceStatusCmd, instanceListCmd,
		instanceAuditCmd, pause, resume, cancel)
	rootCmd.AddCommand(instanceCmd)
}

// withApp opens the engine for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// parseObject decodes a JSON object flag. An empty value yields nil.
func parseObject(name, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	if m == nil {
		return nil, fmt.Errorf("--%s must be a JSON object, got null", name)
	}
	return m, nil
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
