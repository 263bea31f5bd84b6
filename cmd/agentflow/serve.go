package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentflow/internal/approval"
	"github.com/rendis/agentflow/internal/notify"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/mcp"
)

var serveNoMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP tools on stdio and run the approval sweeper",
	Long: `serve exposes the engine as MCP tools on stdin/stdout, pushes step,
handoff and approval notifications to connected clients, escalates stale
approvals on the configured schedule and reloads definition files when they
change. It stops on SIGINT, SIGTERM or when stdin closes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoMCP, "no-mcp", false, "run the sweeper and watcher only, without the stdio MCP server")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mcp.NewServer(version, logger)
	hub := streaming.NewMemoryHub(0)

	a, err := openApp(ctx, notify.Multi{srv.Bridge(), notify.NewHub(hub)})
	if err != nil {
		return err
	}
	defer a.Close()
	srv.Bind(a.engine)

	sweeper, err := approval.NewSweeper(a.engine.Approvals(), a.engine, a.notifier, approval.SweeperConfig{
		ReminderAfter: cfg.Approval.ReminderAfter,
		TimeoutAfter:  cfg.Approval.TimeoutAfter,
		Schedule:      cfg.Approval.SweepSchedule,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("agentflow serving",
		slog.String("version", version),
		slog.String("store", cfg.Store.Path),
		slog.String("definitions", cfg.Definitions.Dir),
		slog.Int("agents", a.router.Count()),
		slog.Int("loaded_definitions", len(a.defs.List())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return logNotifications(gctx, hub) })
	if cfg.Definitions.Watch {
		g.Go(func() error { return a.defs.Watch(gctx) })
	}
	if !serveNoMCP {
		g.Go(func() error {
			// stdin closing ends the whole process.
			defer stop()
			err := srv.Serve(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// logNotifications mirrors every notification into the debug log.
func logNotifications(ctx context.Context, hub streaming.EventHub) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logger.Debug("notification",
				slog.String("event_type", ev.EventType),
				slog.String("instance_id", ev.InstanceID),
				slog.String("step_id", ev.StepID))
		}
	}
}
