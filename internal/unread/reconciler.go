// Package unread keeps one authoritative unread counter per room. The
// counter is seeded by a bulk load and then only moved by real-time deltas
// or an explicit mark-read.
package unread

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tullo/chatlink/internal/logger"
)

// Reason classifies a real-time delta.
type Reason string

const (
	// ReasonMessage is a new message; positive deltas are suppressed for the viewed room.
	ReasonMessage Reason = "MESSAGE"
	// ReasonRead is a read receipt from another device.
	ReasonRead Reason = "READ"
	// ReasonSnapshot carries an absolute count for the room.
	ReasonSnapshot Reason = "SNAPSHOT"
)

// Reconciler is safe for concurrent use.
type Reconciler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	counts map[string]int
	viewed string
}

// New creates an empty Reconciler.
func New(l *zap.Logger) *Reconciler {
	return &Reconciler{
		logger: logger.OrNop(l).Named("unread"),
		counts: make(map[string]int),
	}
}

// SyncFromBulkLoad replaces every counter with the bulk values. The viewed
// marker is kept.
func (r *Reconciler) SyncFromBulkLoad(rooms []Room) {
	counts := make(map[string]int, len(rooms))
	for _, room := range rooms {
		if room.ID == "" {
			continue
		}
		counts[room.ID] = max(room.UnreadCount, 0)
	}

	r.mu.Lock()
	r.counts = counts
	r.mu.Unlock()
	r.logger.Debug("unread counts synced", zap.Int("rooms", len(counts)))
}

// ApplyRealtimeDelta moves the counter of roomID. A snapshot reason sets
// delta as the absolute count. Counters never go below zero.
func (r *Reconciler) ApplyRealtimeDelta(roomID string, delta int, reason Reason) {
	if roomID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case reason == ReasonSnapshot:
		r.counts[roomID] = max(delta, 0)
	case roomID == r.viewed && delta > 0:
		// the user is looking at the room
		return
	default:
		r.counts[roomID] = max(r.counts[roomID]+delta, 0)
	}
}

// UnreadCount returns the counter of roomID, or 0 while it is viewed.
func (r *Reconciler) UnreadCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if roomID == r.viewed {
		return 0
	}
	return r.counts[roomID]
}

// Total sums the counters of every room not currently viewed.
func (r *Reconciler) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for id, n := range r.counts {
		if id != r.viewed {
			total += n
		}
	}
	return total
}

// MarkViewed marks roomID as the room on screen. It replaces any previous
// marker; callers navigating away must still call ClearViewed.
func (r *Reconciler) MarkViewed(roomID string) {
	r.mu.Lock()
	r.viewed = roomID
	r.mu.Unlock()
}

// ClearViewed removes the viewed marker.
func (r *Reconciler) ClearViewed() {
	r.mu.Lock()
	r.viewed = ""
	r.mu.Unlock()
}

// Viewed returns the room currently marked viewed, or "".
func (r *Reconciler) Viewed() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewed
}

// MarkRead zeroes the counter of roomID.
func (r *Reconciler) MarkRead(roomID string) {
	r.mu.Lock()
	r.counts[roomID] = 0
	r.mu.Unlock()
}

// Counts returns a copy of every counter, ignoring the viewed marker.
func (r *Reconciler) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.counts))
	for id, n := range r.counts {
		out[id] = n
	}
	return out
}
