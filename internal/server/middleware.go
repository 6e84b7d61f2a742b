package server

import (
	"sync"
	"time"
)

// RateLimiter caps inbound frames per connection over a sliding window
// Why per-connection: one flooding player must not starve the other
type RateLimiter struct {
	maxFrames int                    // frames allowed per window
	window    time.Duration          // length of the sliding window
	frames    map[string][]time.Time // connectionID → recent frame times, oldest first
	mu        sync.Mutex
}

// NewRateLimiter allows maxFrames frames per window for each connection
func NewRateLimiter(maxFrames int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxFrames: maxFrames,
		window:    window,
		frames:    make(map[string][]time.Time),
	}
}

// Allow records a frame for connectionID and reports whether it fits in the
// window. Refused frames are not recorded.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := pruneBefore(r.frames[connectionID], now.Add(-r.window))

	if len(recent) >= r.maxFrames {
		r.frames[connectionID] = recent
		return false
	}

	r.frames[connectionID] = append(recent, now)
	return true
}

// Cleanup forgets connections with no frames inside the window
// Called from the server sweep; closed connections are dropped by
// RemoveConnection right away
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	for connID, times := range r.frames {
		if len(pruneBefore(times, cutoff)) == 0 {
			delete(r.frames, connID)
		}
	}
}

// RemoveConnection drops the window for a connection that disconnected
func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frames, connectionID)
}

// pruneBefore drops the leading timestamps not after cutoff. Timestamps are
// appended in order, so the rest are all newer.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// ConnectionHealth remembers when each connection last sent a frame
// Used by the sweep to close sockets whose peer went away without a close
// frame
type ConnectionHealth struct {
	lastActivity map[string]time.Time // connectionID → last frame time
	mu           sync.RWMutex
}

// NewConnectionHealth creates an empty activity tracker
func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		lastActivity: make(map[string]time.Time),
	}
}

// UpdateActivity marks connectionID as active now
// Called for every frame read, including ones later rate limited
func (h *ConnectionHealth) UpdateActivity(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity[connectionID] = time.Now()
}

// IsInactive reports whether connectionID has been silent for longer than
// timeout. Untracked connections are never inactive.
func (h *ConnectionHealth) IsInactive(connectionID string, timeout time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	last, ok := h.lastActivity[connectionID]
	if !ok {
		return false
	}
	return time.Since(last) > timeout
}

// GetInactiveConnections returns every connection silent for longer than
// timeout, in no particular order
func (h *ConnectionHealth) GetInactiveConnections(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for connID, last := range h.lastActivity {
		if now.Sub(last) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

// RemoveConnection stops tracking connectionID
func (h *ConnectionHealth) RemoveConnection(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastActivity, connectionID)
}
