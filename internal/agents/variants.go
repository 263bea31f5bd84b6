package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// --- FuncAgent ---

// FuncAgent adapts plain functions to the Capability interface.
// When Stream is nil, ExecuteStreaming runs Fn without progress.
type FuncAgent struct {
	AgentID string
	Fn      func(ctx context.Context, ac *AgentContext) (*Result, error)
	Stream  func(ctx context.Context, ac *AgentContext, emit func(Progress)) (*Result, error)
}

var _ Capability = (*FuncAgent)(nil)

// NewFuncAgent returns a FuncAgent for fn.
func NewFuncAgent(id string, fn func(ctx context.Context, ac *AgentContext) (*Result, error)) *FuncAgent {
	return &FuncAgent{AgentID: id, Fn: fn}
}

func (f *FuncAgent) ID() string { return f.AgentID }

func (f *FuncAgent) Execute(ctx context.Context, ac *AgentContext) (*Result, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("agent %q has no function", f.AgentID)
	}
	return f.Fn(ctx, ac)
}

func (f *FuncAgent) ExecuteStreaming(ctx context.Context, ac *AgentContext, emit func(Progress)) (*Result, error) {
	if f.Stream != nil {
		return f.Stream(ctx, ac, emit)
	}
	return f.Execute(ctx, ac)
}

// --- MockAgent ---

// MockAgent replays a script of results. Each call consumes the next scripted
// result; the last one repeats once the script is exhausted. Progress updates
// are emitted in order, separated by Delay.
type MockAgent struct {
	AgentID  string
	Progress []Progress
	Delay    time.Duration

	mu      sync.Mutex
	script  []mockStep
	calls   []AgentContext
	current int
}

type mockStep struct {
	res *Result
	err error
}

var _ Capability = (*MockAgent)(nil)

// NewMockAgent creates a MockAgent that succeeds with output and full confidence
// until scripted otherwise.
func NewMockAgent(id string, output any) *MockAgent {
	m := &MockAgent{AgentID: id}
	m.Then(Succeed(output, 1))
	return m
}

// Succeed builds a successful result with the JSON encoding of output.
func Succeed(output any, confidence float64) *Result {
	var raw json.RawMessage
	switch v := output.(type) {
	case json.RawMessage:
		raw = v
	case nil:
		raw = json.RawMessage(`{}`)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Sprintf("agents.Succeed: %v", err))
		}
		raw = b
	}
	return &Result{Success: true, Output: raw, ConfidenceScore: confidence}
}

// Fail builds a failed result.
func Fail(message string, retryable bool) *Result {
	return &Result{Success: false, ErrorMessage: message, Retryable: retryable}
}

// Then replaces the script with the given results.
func (m *MockAgent) Then(results ...*Result) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = m.script[:0]
	for _, r := range results {
		m.script = append(m.script, mockStep{res: r})
	}
	m.current = 0
	return m
}

// ThenError scripts a single error return.
func (m *MockAgent) ThenError(err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = []mockStep{{err: err}}
	m.current = 0
	return m
}

func (m *MockAgent) ID() string { return m.AgentID }

func (m *MockAgent) Execute(ctx context.Context, ac *AgentContext) (*Result, error) {
	return m.ExecuteStreaming(ctx, ac, nil)
}

func (m *MockAgent) ExecuteStreaming(ctx context.Context, ac *AgentContext, emit func(Progress)) (*Result, error) {
	step := m.next(ac)

	for _, p := range m.Progress {
		if err := sleepCtx(ctx, m.Delay); err != nil {
			return nil, err
		}
		if emit != nil {
			emit(p)
		}
	}
	if len(m.Progress) == 0 {
		if err := sleepCtx(ctx, m.Delay); err != nil {
			return nil, err
		}
	}

	if step.err != nil {
		return nil, step.err
	}
	if step.res == nil {
		return nil, nil
	}
	cp := *step.res
	return &cp, nil
}

func (m *MockAgent) next(ac *AgentContext) mockStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac != nil {
		m.calls = append(m.calls, *ac)
	}
	if len(m.script) == 0 {
		return mockStep{res: Succeed(nil, 1)}
	}
	s := m.script[m.current]
	if m.current < len(m.script)-1 {
		m.current++
	}
	return s
}

// Calls returns the contexts of every call so far.
func (m *MockAgent) Calls() []AgentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentContext, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of calls so far.
func (m *MockAgent) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- ReplayAgent ---

// StepHistoryReader is the slice of the store a ReplayAgent needs.
type StepHistoryReader interface {
	ListStepHistory(ctx context.Context, instanceID string) ([]*store.StepHistory, error)
}

// ReplayAgent answers every step with the output recorded for the same step id
// in a previous instance's step history.
type ReplayAgent struct {
	AgentID          string
	SourceInstanceID string
	History          StepHistoryReader
}

var _ Capability = (*ReplayAgent)(nil)

// NewReplayAgent creates a ReplayAgent reading from sourceInstanceID.
func NewReplayAgent(id, sourceInstanceID string, history StepHistoryReader) *ReplayAgent {
	return &ReplayAgent{AgentID: id, SourceInstanceID: sourceInstanceID, History: history}
}

func (r *ReplayAgent) ID() string { return r.AgentID }

func (r *ReplayAgent) Execute(ctx context.Context, ac *AgentContext) (*Result, error) {
	records, err := r.History.ListStepHistory(ctx, r.SourceInstanceID)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", r.SourceInstanceID, err)
	}
	// Latest completed attempt wins.
	for i := len(records) - 1; i >= 0; i-- {
		h := records[i]
		if h.StepID != ac.StepID || h.Status != schema.StepStatusCompleted {
			continue
		}
		out := make(json.RawMessage, len(h.Output))
		copy(out, h.Output)
		return &Result{
			Success:         true,
			Output:          out,
			ConfidenceScore: 1,
			Reasoning:       fmt.Sprintf("replayed from instance %s", r.SourceInstanceID),
		}, nil
	}
	return Fail(fmt.Sprintf("no recorded output for step %q in instance %s", ac.StepID, r.SourceInstanceID), false), nil
}

func (r *ReplayAgent) ExecuteStreaming(ctx context.Context, ac *AgentContext, emit func(Progress)) (*Result, error) {
	res, err := r.Execute(ctx, ac)
	if err == nil && emit != nil {
		emit(Progress{Message: "replayed", PercentComplete: 100})
	}
	return res, err
}
