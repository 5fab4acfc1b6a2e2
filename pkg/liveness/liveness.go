// Package liveness tracks output activity per session to detect sessions
// that have gone unresponsive.
package liveness

import (
	"fmt"
	"sync"
	"time"
)

type entry struct {
	lastOutputAt  time.Time
	lastEventType string
	warningPosted bool
	channelID     string
	threadID      string
}

// StaleSession is returned by GetStale for a session needing a liveness
// warning.
type StaleSession struct {
	SessionID    string
	ChannelID    string
	ThreadID     string
	IdleDuration time.Duration
}

// Info is returned by GetInfo for the context/status command.
type Info struct {
	IdleDuration  time.Duration
	LastEventType string
	WarningPosted bool
}

// State tracks per-session output activity under a single RWMutex-guarded
// map.
type State struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty State.
func New() *State {
	return &State{entries: make(map[string]entry)}
}

// Register starts liveness tracking for a session. Called when a session
// starts.
func (s *State) Register(sessionID, channelID, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = entry{
		lastOutputAt:  time.Now(),
		lastEventType: "registered",
		channelID:     channelID,
		threadID:      threadID,
	}
}

// UpdateActivity records new output on a session, resetting its warning
// flag. A no-op for unregistered sessions.
func (s *State) UpdateActivity(sessionID, eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	e.lastOutputAt = time.Now()
	e.lastEventType = eventType
	e.warningPosted = false
	s.entries[sessionID] = e
}

// Remove stops liveness tracking for a session. Called on session cleanup.
func (s *State) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// GetStale returns sessions idle for at least timeout that have not yet
// had a warning posted.
func (s *State) GetStale(timeout time.Duration) []StaleSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var stale []StaleSession
	for id, e := range s.entries {
		idle := now.Sub(e.lastOutputAt)
		if idle >= timeout && !e.warningPosted {
			stale = append(stale, StaleSession{
				SessionID:    id,
				ChannelID:    e.channelID,
				ThreadID:     e.threadID,
				IdleDuration: idle,
			})
		}
	}
	return stale
}

// MarkWarned records that a liveness warning has been posted for a
// session. A no-op for unregistered sessions.
func (s *State) MarkWarned(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	e.warningPosted = true
	s.entries[sessionID] = e
}

// GetInfo returns liveness info for a session, used by the context/status
// command.
func (s *State) GetInfo(sessionID string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return Info{}, false
	}
	return Info{
		IdleDuration:  time.Since(e.lastOutputAt),
		LastEventType: e.lastEventType,
		WarningPosted: e.warningPosted,
	}, true
}

// FormatDurationShort renders d as a short human-readable string such as
// "5s", "2m 30s", or "1h 5m".
func FormatDurationShort(d time.Duration) string {
	total := int64(d.Seconds())
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
