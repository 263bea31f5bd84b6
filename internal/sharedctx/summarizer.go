package sharedctx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rendis/agentflow/internal/store"
)

const (
	// DefaultKeepRecent is the number of most recent step outputs kept verbatim.
	DefaultKeepRecent = 3
	// DefaultMaxStringLen is the rune length older string fields are cut to.
	DefaultMaxStringLen = 100

	summarizedKey = "_summarized"
	ellipsis      = "..."
)

var metaKeys = map[string]bool{"id": true, "type": true, "status": true, "name": true}

// EstimateTokens approximates the token count of content as length/4. It is a
// cheap heuristic, not a tokenizer.
func EstimateTokens(content string) int {
	return len(content) / 4
}

// EstimateContextTokens estimates the tokens of the serialized document.
func EstimateContextTokens(sc *store.SharedContext) int {
	if sc == nil {
		return 0
	}
	b, err := json.Marshal(sc)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(b))
}

// Summarizer shrinks a shared context to a token budget. Decisions and user
// preferences always pass through untouched.
type Summarizer struct {
	KeepRecent   int
	MaxStringLen int
}

// NewSummarizer returns a Summarizer with the default recency window.
func NewSummarizer() *Summarizer {
	return &Summarizer{KeepRecent: DefaultKeepRecent, MaxStringLen: DefaultMaxStringLen}
}

// SummarizeIfNeeded returns sc unchanged when it fits tokenLimit (a limit of
// zero or less means unlimited). Otherwise it returns a copy whose older step
// outputs are reduced: meta fields kept, strings truncated, arrays replaced by
// an item count, everything else stringified. Reduced outputs carry a
// "_summarized" marker and are never reduced twice, so the result is stable
// across repeated calls.
func (s *Summarizer) SummarizeIfNeeded(sc *store.SharedContext, tokenLimit int) *store.SharedContext {
	if sc == nil || tokenLimit <= 0 || EstimateContextTokens(sc) <= tokenLimit {
		return sc
	}

	out := sc.Clone()
	order := recencyOrder(out)
	keep := s.KeepRecent
	if keep < 0 {
		keep = 0
	}
	if len(order) <= keep {
		return out
	}
	for _, stepID := range order[:len(order)-keep] {
		out.StepOutputs[stepID] = s.reduce(out.StepOutputs[stepID])
	}
	return out
}

// recencyOrder lists step ids oldest first. Outputs missing from StepOrder are
// treated as older than every ordered one.
func recencyOrder(sc *store.SharedContext) []string {
	seen := make(map[string]bool, len(sc.StepOrder))
	var ordered []string
	for _, id := range sc.StepOrder {
		if _, ok := sc.StepOutputs[id]; ok && !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	var orphans []string
	for id := range sc.StepOutputs {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return append(orphans, ordered...)
}

func (s *Summarizer) reduce(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return s.wrap(s.truncate(string(raw)))
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return s.wrap(s.reduceValue(v))
	}
	if done, _ := obj[summarizedKey].(bool); done {
		return raw
	}

	reduced := make(map[string]any, len(obj)+1)
	for k, val := range obj {
		if isMetaKey(k) {
			reduced[k] = val
			continue
		}
		reduced[k] = s.reduceValue(val)
	}
	reduced[summarizedKey] = true
	b, err := json.Marshal(reduced)
	if err != nil {
		return raw
	}
	return b
}

func (s *Summarizer) reduceValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.truncate(t)
	case []any:
		return fmt.Sprintf("[%d items]", len(t))
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return s.truncate(string(b))
	}
}

func (s *Summarizer) wrap(v any) json.RawMessage {
	b, _ := json.Marshal(map[string]any{summarizedKey: true, "value": v})
	return b
}

func (s *Summarizer) truncate(str string) string {
	limit := s.MaxStringLen
	if limit <= 0 {
		limit = DefaultMaxStringLen
	}
	if utf8.RuneCountInString(str) <= limit {
		return str
	}
	runes := []rune(str)
	return string(runes[:limit]) + ellipsis
}

func isMetaKey(k string) bool {
	if metaKeys[k] || strings.HasPrefix(k, "_") {
		return true
	}
	return strings.HasSuffix(k, "_id") || strings.HasSuffix(k, "Id") || strings.HasSuffix(k, "ID")
}
