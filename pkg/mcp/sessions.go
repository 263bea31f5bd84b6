package mcp

import "sync"

// SessionRegistry maps instance IDs to the MCP sessions driving them.
// Populated when a client calls a tool that touches an instance.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // instanceID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]struct{})}
}

// Register subscribes a session to an instance.
func (r *SessionRegistry) Register(instanceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[instanceID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[instanceID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions subscribed to an instance.
func (r *SessionRegistry) SessionsFor(instanceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[instanceID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Remove drops a session from every instance.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iid, set := range r.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, iid)
		}
	}
}
