package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/config"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/notify"
	"github.com/rendis/agentflow/internal/registry"
	"github.com/rendis/agentflow/internal/sharedctx"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
)

// app is the wired process: store, definitions, agents and engine.
type app struct {
	store    *store.LibSQLStore
	defs     *registry.FileRegistry
	router   *agents.Router
	notifier *notify.Notifier
	engine   *engine.Engine
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Store.Path, err)
	}
	return st, nil
}

// openApp wires the engine. Notifications go to b; nil discards them.
func openApp(ctx context.Context, b notify.Broadcaster) (*app, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, st, b)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, st *store.LibSQLStore, b notify.Broadcaster) (*app, error) {
	router := agents.NewRouter(agents.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
	}, logger)
	caps, err := buildAgents(cfg.Agents, st)
	if err != nil {
		return nil, err
	}
	for _, c := range caps {
		if err := router.Register(c); err != nil {
			return nil, err
		}
	}

	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	dv, err := validation.NewDefinitionValidator(jsv, router, exprs)
	if err != nil {
		return nil, err
	}
	defs := registry.NewFileRegistry(cfg.Definitions.Dir, dv, logger)
	if err := defs.Load(ctx); err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}

	notifier := notify.NewNotifier(b, logger)
	eng, err := engine.New(engine.Config{
		HistoryWindow:            cfg.Executor.HistoryWindow,
		TokenBudget:              cfg.Executor.TokenBudget,
		ProgressThreshold:        cfg.Executor.ProgressThreshold,
		DefaultApprovalThreshold: cfg.Executor.DefaultApprovalThreshold,
	}, engine.Deps{
		Store:       st,
		Definitions: defs,
		Agents:      router,
		Shared: sharedctx.NewService(st, sharedctx.Options{
			MaxAttempts: cfg.SharedContext.MaxAttempts,
			Backoff:     cfg.SharedContext.Backoff,
		}, logger),
		Validator:   jsv,
		Expressions: exprs,
		Notifier:    notifier,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &app{store: st, defs: defs, router: router, notifier: notifier, engine: eng}, nil
}

func (a *app) Close() error { return a.store.Close() }

// buildAgents turns configured agents into capabilities.
func buildAgents(list []config.AgentConfig, history agents.StepHistoryReader) ([]agents.Capability, error) {
	caps := make([]agents.Capability, 0, len(list))
	for _, ac := range list {
		switch ac.Type {
		case config.AgentTypeCommand:
			c, err := agents.NewCommandAgent(ac.ID, ac.Command)
			if err != nil {
				return nil, err
			}
			c.Dir = ac.Dir
			if len(ac.Env) > 0 {
				// viper lowercases map keys.
				c.Env = make(map[string]string, len(ac.Env))
				for k, val := range ac.Env {
					c.Env[strings.ToUpper(k)] = val
				}
			}
			caps = append(caps, c)
		case config.AgentTypeMock:
			var out any
			if len(ac.Output) > 0 {
				out = ac.Output
			}
			m := agents.NewMockAgent(ac.ID, out)
			if ac.Confidence > 0 {
				m.Then(agents.Succeed(out, ac.Confidence))
			}
			caps = append(caps, m)
		case config.AgentTypeReplay:
			caps = append(caps, agents.NewReplayAgent(ac.ID, ac.SourceInstance, history))
		default:
			return nil, fmt.Errorf("agent %q: unknown type %q", ac.ID, ac.Type)
		}
	}
	return caps, nil
}
