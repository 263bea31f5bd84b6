package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/agentflow/internal/config"
	"github.com/rendis/agentflow/internal/logging"
)

var (
	cfgFile string
	v       = viper.New()

	// Resolved by PersistentPreRunE.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Multi-agent workflow engine with human approval gates",
	Long: `agentflow runs workflow definitions step by step, handing each step to
an agent capability, keeping a shared context between agents and pausing for
human approval when an agent is not confident enough.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return initConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./agentflow.yaml or ~/.config/agentflow/config.yaml)")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("store", "", "libSQL database path, e.g. file:agentflow.db")
	pf.String("definitions", "", "directory of workflow definition files")

	// Bind flags to viper (errors are nil when flag exists)
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("store.path", pf.Lookup("store"))
	_ = v.BindPFlag("definitions.dir", pf.Lookup("definitions"))
}

func initConfig() error {
	loaded, err := config.NewLoaderWithViper(v).WithConfigFile(cfgFile).Load()
	if err != nil {
		return err
	}
	l, err := logging.New(loaded.Log.Level, loaded.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	cfg, logger = loaded, l
	slog.SetDefault(logger)
	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
