package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/model"
)

func snap(runID string, status model.RunStatus, cycle int) model.ProgressSnapshot {
	return model.ProgressSnapshot{RunID: runID, Status: status, CurrentCycle: cycle}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())
	// Must not panic or block.
	h.Publish(snap("run-1", model.RunStatusAuditing, 1))
	h.Finish(snap("run-1", model.RunStatusCompleted, 1))
}

func TestHub_SubscriberReceivesOrderedUpdates(t *testing.T) {
	h := NewHub(zap.NewNop())
	ch, cancel := h.Subscribe("run-1")
	defer cancel()

	h.Publish(snap("run-1", model.RunStatusAuditing, 1))
	h.Publish(snap("run-1", model.RunStatusCorrecting, 1))

	first := <-ch
	second := <-ch
	assert.Equal(t, model.RunStatusAuditing, first.Status)
	assert.Equal(t, model.RunStatusCorrecting, second.Status)
}

func TestHub_SubscribersAreIsolatedByRun(t *testing.T) {
	h := NewHub(zap.NewNop())
	ch, cancel := h.Subscribe("run-1")
	defer cancel()

	h.Publish(snap("run-2", model.RunStatusAuditing, 1))

	select {
	case got := <-ch:
		t.Fatalf("unexpected snapshot for other run: %+v", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, cancel := h.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflow the buffer without anyone draining.
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Publish(snap("run-1", model.RunStatusAuditing, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHub_FinishDeliversTerminalEventThenCloses(t *testing.T) {
	h := NewHub(zap.NewNop())
	ch, cancel := h.Subscribe("run-1")
	defer cancel()

	h.Finish(snap("run-1", model.RunStatusCompleted, 2))

	got, open := <-ch
	require.True(t, open)
	assert.Equal(t, model.RunStatusCompleted, got.Status)

	_, open = <-ch
	assert.False(t, open, "channel closed after the terminal event")
}

func TestHub_LateJoinerSeesOnlyNewEvents(t *testing.T) {
	h := NewHub(zap.NewNop())
	h.Publish(snap("run-1", model.RunStatusAuditing, 1))

	ch, cancel := h.Subscribe("run-1")
	defer cancel()

	h.Publish(snap("run-1", model.RunStatusCorrecting, 1))
	got := <-ch
	assert.Equal(t, model.RunStatusCorrecting, got.Status, "no backfill of earlier snapshots")
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, cancel := h.Subscribe("run-1")
	cancel()
	cancel()

	// Publishing after cancel is a no-op for that subscriber.
	h.Publish(snap("run-1", model.RunStatusAuditing, 1))
}

func TestHub_CancelAfterFinish(t *testing.T) {
	h := NewHub(zap.NewNop())
	_, cancel := h.Subscribe("run-1")
	h.Finish(snap("run-1", model.RunStatusCancelled, 1))
	cancel() // already closed by Finish, must not panic
}
