package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/model"
)

// subscriberBuffer is the per-subscriber channel capacity. Publishing
// never blocks: a subscriber that falls this far behind loses updates
// rather than back-pressuring run execution. Backfill is served from
// the run store, not the hub.
const subscriberBuffer = 32

// Hub broadcasts progress snapshots for runs to zero or more
// subscribers. Publishing is decoupled from run execution: a run
// completes identically with no subscribers attached, and a
// late-joining subscriber sees only snapshots published after it
// subscribed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan model.ProgressSnapshot]struct{}
	log  *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[chan model.ProgressSnapshot]struct{}),
		log:  log,
	}
}

// Subscribe registers an observer for runID. The returned cancel
// function is idempotent and safe to call after the run finished; the
// channel is closed when the run reaches a terminal status or on cancel.
func (h *Hub) Subscribe(runID string) (<-chan model.ProgressSnapshot, func()) {
	ch := make(chan model.ProgressSnapshot, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[chan model.ProgressSnapshot]struct{})
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[runID]; ok {
				if _, still := set[ch]; still {
					delete(set, ch)
					close(ch)
					if len(set) == 0 {
						delete(h.subs, runID)
					}
				}
			}
		})
	}
	return ch, cancel
}

// Publish delivers snap to all current subscribers of its run.
// Fire-and-forget: a full subscriber buffer drops the snapshot for that
// subscriber only.
func (h *Hub) Publish(snap model.ProgressSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[snap.RunID] {
		select {
		case ch <- snap:
		default:
			h.log.Debug("progress: dropping snapshot for slow subscriber",
				zap.String("run_id", snap.RunID),
			)
		}
	}
}

// Finish publishes the terminal snapshot and closes every subscriber
// channel for the run. Subscribers observe the terminal event (buffer
// permitting) followed by channel close.
func (h *Hub) Finish(snap model.ProgressSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[snap.RunID]
	for ch := range set {
		select {
		case ch <- snap:
		default:
		}
		close(ch)
	}
	delete(h.subs, snap.RunID)
}
