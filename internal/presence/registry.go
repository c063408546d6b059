// Package presence tracks which users hold a live connection on this node.
package presence

import (
	"sync"
	"time"
)

// Entry describes one user's live presence.
type Entry struct {
	UserID      string    `json:"user_id"`
	Online      bool      `json:"online"`
	OnlineSinceMs int64 `json:"online_since_ms,omitempty"`
	LastSeenAtMs  int64 `json:"last_seen_at_ms,omitempty"`
	Connections   int   `json:"-"`
}

// Registry counts live connections per user. It is volatile and rebuilt on restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	clock   func() time.Time
	closed  bool
}

func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		entries: make(map[string]*Entry),
		clock:   clock,
	}
}

// Connect records a new connection and reports whether the user just came online.
func (r *Registry) Connect(userID string) bool {
	if userID == "" {
		return false
	}
	now := r.clock().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	entry, ok := r.entries[userID]
	if !ok {
		entry = &Entry{UserID: userID}
		r.entries[userID] = entry
	}
	entry.Connections++
	entry.LastSeenAtMs = now
	if entry.Connections == 1 {
		entry.Online = true
		entry.OnlineSinceMs = now
		return true
	}
	return false
}

// Disconnect releases a connection and reports whether the user just went offline.
func (r *Registry) Disconnect(userID string) bool {
	now := r.clock().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[userID]
	if !ok || entry.Connections == 0 {
		return false
	}
	entry.Connections--
	entry.LastSeenAtMs = now
	if entry.Connections > 0 {
		return false
	}
	entry.Online = false
	entry.OnlineSinceMs = 0
	return true
}

// Touch refreshes LastSeenAtMs for an online user.
func (r *Registry) Touch(userID string) {
	now := r.clock().UnixMilli()
	r.mu.Lock()
	if entry, ok := r.entries[userID]; ok && entry.Online {
		entry.LastSeenAtMs = now
	}
	r.mu.Unlock()
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	return ok && entry.Online
}

// Entry returns the user's presence; unknown users are offline.
func (r *Registry) Entry(userID string) Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[userID]; ok {
		return *entry
	}
	return Entry{UserID: userID}
}

// Snapshot returns presence for each requested user.
func (r *Registry) Snapshot(userIDs []string) map[string]Entry {
	result := make(map[string]Entry, len(userIDs))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, userID := range userIDs {
		if entry, ok := r.entries[userID]; ok {
			result[userID] = *entry
			continue
		}
		result[userID] = Entry{UserID: userID}
	}
	return result
}

// OnlineUsers lists users with at least one live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.entries))
	for userID, entry := range r.entries {
		if entry.Online {
			users = append(users, userID)
		}
	}
	return users
}

// Close clears all entries and rejects further connections.
func (r *Registry) Close() {
	r.mu.Lock()
	r.entries = make(map[string]*Entry)
	r.closed = true
	r.mu.Unlock()
}
