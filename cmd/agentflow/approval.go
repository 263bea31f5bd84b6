package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

var (
	apprInstance string
	apprStatus   string
	apprActor    string
	apprOutput   string
	apprReason   string
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Review and resolve approval requests",
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := store.ApprovalFilter{InstanceID: apprInstance}
		if apprStatus != "all" {
			st := schema.ApprovalStatus(apprStatus)
			filter.Status = &st
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.engine.ListApprovals(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		})
	},
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Accept the agent response and complete the step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.ApproveStep(ctx, args[0], apprActor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var approvalModifyCmd = &cobra.Command{
	Use:   "modify <approval-id>",
	Short: "Replace the agent response and complete the step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := parseObject("output", apprOutput)
		if err != nil {
			return err
		}
		if out == nil {
			return schema.NewError(schema.ErrCodeValidation, "--output is required")
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.ModifyAndApproveStep(ctx, args[0], apprActor, raw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var approvalRejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject the agent response; the step runs again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			req, err := a.engine.RejectStep(ctx, args[0], apprActor, apprReason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), req)
		})
	},
}

func init() {
	approvalListCmd.Flags().StringVar(&apprInstance, "instance", "", "filter by instance id")
	approvalListCmd.Flags().StringVar(&apprStatus, "status", string(schema.ApprovalStatusPending), "filter by status (all for every status)")

	for _, c := range []*cobra.Command{approvalApproveCmd, approvalModifyCmd, approvalRejectCmd} {
		c.Flags().StringVar(&apprActor, "actor", defaultActor(), "who resolves the approval")
	}
	approvalModifyCmd.Flags().StringVar(&apprOutput, "output", "", "replacement response as a JSON object")
	approvalRejectCmd.Flags().StringVar(&apprReason, "reason", "", "why the response was rejected")

	approvalCmd.AddCommand(approvalListCmd, approvalApproveCmd, approvalModifyCmd, approvalRejectCmd)
	rootCmd.AddCommand(approvalCmd)
}
