package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("inst-1", "session-abc")
	r.Register("inst-1", "session-def")
	r.Register("inst-1", "session-abc")

	assert.ElementsMatch(t, []string{"session-abc", "session-def"}, r.SessionsFor("inst-1"))
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()
	assert.Empty(t, r.SessionsFor("unknown"))
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("inst-1", "session-abc")
	r.Register("inst-2", "session-abc")
	r.Register("inst-2", "session-def")

	r.Remove("session-abc")

	assert.Empty(t, r.SessionsFor("inst-1"))
	assert.Equal(t, []string{"session-def"}, r.SessionsFor("inst-2"))
	assert.NotContains(t, r.sessions, "inst-1")
}
