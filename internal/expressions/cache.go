package expressions

import (
	"sync"

	"github.com/rendis/agentflow/pkg/schema"
)

// programCache memoizes compiled programs by their source text. Compiled
// programs of every supported language are immutable and safe to share
// between goroutines, so one compilation serves all step executions.
type programCache[P any] struct {
	lang    string
	compile func(src string) (P, error)

	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any](lang string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{lang: lang, compile: compile, progs: make(map[string]P)}
}

// get returns the compiled program for src, compiling it on first use.
// Compile failures are not cached.
func (c *programCache[P]) get(src string) (P, error) {
	var zero P
	if src == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}

	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := c.compile(src)
	if err != nil {
		return zero, err
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// exprError wraps a compile or runtime failure of src.
func exprError(lang, phase, src string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s error in %q: %s", lang, phase, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "language": lang})
}
