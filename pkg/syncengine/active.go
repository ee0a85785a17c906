package syncengine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Tracker records which conversation is currently being viewed. It holds at
// most one id at a time and is owned by whoever coordinates the UI, not
// stored as a global. Transitioning to a new id clears that conversation's
// unread count; transitioning away never re-raises it.
type Tracker struct {
	mu      sync.Mutex
	current int64

	clearUnread func(ctx context.Context, conversationID int64) error
	log         zerolog.Logger
}

// NewTracker builds a tracker that calls clearUnread exactly once per
// activation transition.
func NewTracker(clearUnread func(ctx context.Context, conversationID int64) error, log zerolog.Logger) *Tracker {
	return &Tracker{
		clearUnread: clearUnread,
		log:         log.With().Str("component", "active_tracker").Logger(),
	}
}

// Activate marks conversationID as the active conversation. Re-activating
// the already-active conversation is a no-op and issues no read
// acknowledgement.
func (t *Tracker) Activate(ctx context.Context, conversationID int64) error {
	t.mu.Lock()
	if t.current == conversationID {
		t.mu.Unlock()
		return nil
	}
	t.current = conversationID
	t.mu.Unlock()

	if err := t.clearUnread(ctx, conversationID); err != nil {
		t.log.Warn().Err(err).
			Int64("conversation_id", conversationID).
			Msg("Failed to clear unread count on activation")
		return err
	}
	return nil
}

// Deactivate clears the active conversation without touching unread counts.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	t.current = 0
	t.mu.Unlock()
}

// Current returns the active conversation id, or 0 when none is active.
func (t *Tracker) Current() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
