// Package syncengine keeps the local store consistent with the remote
// message service: cursor-based incremental pulls, idempotent merges,
// unread-count reconciliation and per-user tombstoning. Nothing here retries
// internally; a failed pass is repaired by the next triggered sync.
package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chattypes"
	"github.com/lrhodin/chatsync/pkg/localstore"
	"github.com/lrhodin/chatsync/pkg/metrics"
	"github.com/lrhodin/chatsync/pkg/remote"
)

// DefaultPageLimit is the page size requested from the remote service when
// none is configured.
const DefaultPageLimit = 100

// RemoteService is the subset of the message service consumed by the engine.
// *remote.Client implements it; tests substitute fakes.
type RemoteService interface {
	ListMessages(ctx context.Context, params remote.ListMessagesParams) (*remote.MessagePage, error)
	ListConversationIDs(ctx context.Context, userID string) ([]int64, error)
	ListConversations(ctx context.Context, ids []int64, userID string) ([]*chattypes.Conversation, error)
	UnreadCount(ctx context.Context, userID string, conversationID int64) (int, error)
	SendMessage(ctx context.Context, req remote.SendMessageRequest) (*chattypes.Message, error)
	MarkRead(ctx context.Context, userID string, conversationID int64) error
	DeleteMessage(ctx context.Context, messageID int64, userID string) error
	ClearConversation(ctx context.Context, conversationID int64, userID string) error
	LeaveConversation(ctx context.Context, conversationID int64, userID string) error
}

var _ RemoteService = (*remote.Client)(nil)

type pullCounters struct {
	Conversations int
	Pages         int
	Merged        int
	Reconciled    int
}

func (c *pullCounters) add(other pullCounters) {
	c.Conversations += other.Conversations
	c.Pages += other.Pages
	c.Merged += other.Merged
	c.Reconciled += other.Reconciled
}

type Engine struct {
	store     *localstore.Store
	remote    RemoteService
	log       zerolog.Logger
	pageLimit int
}

func New(store *localstore.Store, svc RemoteService, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		remote:    svc,
		log:       log.With().Str("component", "sync").Logger(),
		pageLimit: DefaultPageLimit,
	}
}

// SetPageLimit overrides the requested page size. Values below 1 are ignored.
func (e *Engine) SetPageLimit(limit int) {
	if limit > 0 {
		e.pageLimit = limit
	}
}

// PullAll brings the whole cache up to date for userID: it fetches the full
// conversation-id list, pulls every conversation incrementally with that
// conversation's own cursor, refreshes conversation metadata (repairing
// avatars and names for conversations that only just received messages), and
// finally reconciles unread counts for every id.
//
// Each conversation carries its own cursor rather than one global cursor so a
// conversation that sat idle while others advanced is never under-fetched.
func (e *Engine) PullAll(ctx context.Context, userID string) error {
	metrics.SyncPasses.Inc()
	log := e.log.With().Str("user_id", userID).Logger()
	log.Debug().Msg("Sync pass start")

	ids, err := e.remote.ListConversationIDs(ctx, userID)
	if err != nil {
		metrics.SyncErrors.Inc()
		return fmt.Errorf("failed to fetch conversation id list: %w", err)
	}
	ids = dedupeIDs(ids)

	var counts pullCounters
	for _, conversationID := range ids {
		pageCounts, pullErr := e.pullConversation(ctx, conversationID)
		counts.add(pageCounts)
		if pullErr != nil {
			metrics.SyncErrors.Inc()
			return fmt.Errorf("failed to pull conversation %d: %w", conversationID, pullErr)
		}
	}

	if err = e.pullConversationRows(ctx, ids, userID); err != nil {
		metrics.SyncErrors.Inc()
		return err
	}
	counts.Conversations = len(ids)

	reconciled, err := e.reconcile(ctx, ids, userID)
	counts.Reconciled = reconciled
	if err != nil {
		metrics.SyncErrors.Inc()
		return err
	}

	log.Info().
		Int("conversations", counts.Conversations).
		Int("pages", counts.Pages).
		Int("merged", counts.Merged).
		Int("reconciled", counts.Reconciled).
		Msg("Sync pass end")
	return nil
}

// PullConversationMessages incrementally pulls one conversation, using that
// conversation's latest local send time as the cursor. Used when a
// conversation is opened directly rather than discovered via PullAll.
func (e *Engine) PullConversationMessages(ctx context.Context, conversationID int64) error {
	counts, err := e.pullConversation(ctx, conversationID)
	if err != nil {
		metrics.SyncErrors.Inc()
		return fmt.Errorf("failed to pull conversation %d: %w", conversationID, err)
	}
	e.log.Debug().
		Int64("conversation_id", conversationID).
		Int("pages", counts.Pages).
		Int("merged", counts.Merged).
		Msg("Conversation pull end")
	return nil
}

// pullConversation runs the incremental page loop for one conversation. The
// cursor starts at the conversation's latest locally known send time and
// advances to the last item of each consumed page; termination is driven by
// the server's has-next flag, not page size, so partial pages are fine. An
// empty page also terminates the loop since the cursor cannot advance.
func (e *Engine) pullConversation(ctx context.Context, conversationID int64) (pullCounters, error) {
	var counts pullCounters
	cursor, err := e.store.LatestSendTimeIn(ctx, conversationID)
	if err != nil {
		return counts, err
	}

	for {
		page, err := e.remote.ListMessages(ctx, remote.ListMessagesParams{
			ConversationID: conversationID,
			After:          cursor,
			Limit:          e.pageLimit,
		})
		if err != nil {
			return counts, err
		}
		counts.Pages++
		metrics.SyncPages.Inc()

		if len(page.Messages) == 0 {
			return counts, nil
		}
		if err = e.store.UpsertMessages(ctx, page.Messages); err != nil {
			return counts, err
		}
		counts.Merged += len(page.Messages)
		metrics.MessagesMerged.Add(float64(len(page.Messages)))

		if !page.HasNext {
			return counts, nil
		}
		cursor = page.Messages[len(page.Messages)-1].SendTime
	}
}

// pullConversationRows bulk-fetches and upserts the conversation rows for the
// given ids, refreshing member lists, avatars and group metadata.
func (e *Engine) pullConversationRows(ctx context.Context, ids []int64, userID string) error {
	if len(ids) == 0 {
		return nil
	}
	conversations, err := e.remote.ListConversations(ctx, ids, userID)
	if err != nil {
		return fmt.Errorf("failed to fetch conversations: %w", err)
	}
	if err = e.store.UpsertConversations(ctx, conversations); err != nil {
		return fmt.Errorf("failed to store conversations: %w", err)
	}
	return nil
}

// ReconcileUnreadCounts overwrites the local advisory unread count of each
// conversation with the server-authoritative value. The server always wins;
// there is no merge logic.
func (e *Engine) ReconcileUnreadCounts(ctx context.Context, ids []int64, userID string) error {
	_, err := e.reconcile(ctx, dedupeIDs(ids), userID)
	return err
}

func (e *Engine) reconcile(ctx context.Context, ids []int64, userID string) (int, error) {
	reconciled := 0
	for _, conversationID := range ids {
		count, err := e.remote.UnreadCount(ctx, userID, conversationID)
		if err != nil {
			return reconciled, fmt.Errorf("failed to fetch unread count for conversation %d: %w", conversationID, err)
		}
		err = e.store.SetUnreadCount(ctx, conversationID, count)
		if errors.Is(err, localstore.ErrNotFound) {
			// Conversation row not cached yet; the next pass repairs it.
			e.log.Warn().Int64("conversation_id", conversationID).Msg("Skipping unread count for unknown conversation")
			continue
		} else if err != nil {
			return reconciled, err
		}
		reconciled++
		metrics.UnreadReconciled.Inc()
	}
	return reconciled, nil
}

// TombstoneMessage hides the message from userID's view. The remote delete is
// advisory and best-effort; the local tombstone is the actual enforcement
// boundary, so it is appended regardless of whether the remote call
// succeeded. Returns localstore.ErrNotFound (non-fatal for callers) when the
// message has not been synced yet.
func (e *Engine) TombstoneMessage(ctx context.Context, messageID int64, userID string) error {
	if err := e.remote.DeleteMessage(ctx, messageID, userID); err != nil {
		e.log.Warn().Err(err).
			Int64("message_id", messageID).
			Msg("Remote delete failed, applying local tombstone anyway")
	}
	return e.store.AppendTombstone(ctx, messageID, userID)
}

// ClearUnread zeroes the conversation's local unread count and issues a
// single read acknowledgement to the remote service. A no-op when the count
// is already zero.
func (e *Engine) ClearUnread(ctx context.Context, conversationID int64, userID string) error {
	current, err := e.store.UnreadCount(ctx, conversationID)
	if err != nil {
		return err
	}
	if current != nil && *current == 0 {
		return nil
	}
	if err = e.store.SetUnreadCount(ctx, conversationID, 0); err != nil {
		return err
	}
	if err = e.remote.MarkRead(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("failed to acknowledge read state: %w", err)
	}
	return nil
}

// SendMessage posts a new message and echoes the created row into the local
// store so the conversation renders it without waiting for the next pull.
func (e *Engine) SendMessage(ctx context.Context, userID string, conversationID int64, content string) (*chattypes.Message, error) {
	return e.send(ctx, remote.SendMessageRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Content:        content,
	})
}

// SendReply posts a reply to an existing message.
func (e *Engine) SendReply(ctx context.Context, userID string, conversationID int64, content string, replyTo int64) (*chattypes.Message, error) {
	return e.send(ctx, remote.SendMessageRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Content:        content,
		ReplyID:        replyTo,
	})
}

func (e *Engine) send(ctx context.Context, req remote.SendMessageRequest) (*chattypes.Message, error) {
	msg, err := e.remote.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if err = e.store.UpsertMessages(ctx, []*chattypes.Message{msg}); err != nil {
		return nil, fmt.Errorf("failed to echo sent message: %w", err)
	}
	return msg, nil
}

// LeaveConversation exits the conversation on the server and drops the local
// row. This is the only path that removes a conversation from the cache.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID int64, userID string) error {
	if err := e.remote.LeaveConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	return e.store.RemoveConversations(ctx, []int64{conversationID})
}

// ClearHistory clears the conversation's history for userID on the server,
// then tombstones every cached message of the conversation for that user.
// Messages stay visible to everyone else.
func (e *Engine) ClearHistory(ctx context.Context, conversationID int64, userID string) error {
	if err := e.remote.ClearConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	messages, err := e.store.MessagesByConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if err = e.store.AppendTombstone(ctx, msg.ID, userID); err != nil {
			return err
		}
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
