package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatsync/pkg/chattypes"
)

const conversationColumns = `id, kind, members_json, unread_count, avatar_url,
	name, host_json, admins_json, notices_json`

func scanConversation(rows dbutil.Scannable) (*chattypes.Conversation, error) {
	var conv chattypes.Conversation
	var membersJSON, adminsJSON, noticesJSON string
	var hostJSON sql.NullString
	var unread sql.NullInt64
	err := rows.Scan(
		&conv.ID, &conv.Kind, &membersJSON, &unread, &conv.AvatarURL,
		&conv.Name, &hostJSON, &adminsJSON, &noticesJSON,
	)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(membersJSON), &conv.Members); err != nil {
		return nil, fmt.Errorf("failed to decode members for conversation %d: %w", conv.ID, err)
	}
	if err = json.Unmarshal([]byte(adminsJSON), &conv.Admins); err != nil {
		return nil, fmt.Errorf("failed to decode admins for conversation %d: %w", conv.ID, err)
	}
	if err = json.Unmarshal([]byte(noticesJSON), &conv.Notices); err != nil {
		return nil, fmt.Errorf("failed to decode notices for conversation %d: %w", conv.ID, err)
	}
	if hostJSON.Valid && hostJSON.String != "" {
		conv.Host = &chattypes.User{}
		if err = json.Unmarshal([]byte(hostJSON.String), conv.Host); err != nil {
			return nil, fmt.Errorf("failed to decode host for conversation %d: %w", conv.ID, err)
		}
	}
	if unread.Valid {
		count := int(unread.Int64)
		conv.UnreadCount = &count
	}
	return &conv, nil
}

// GetConversation returns a single conversation by id, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, conversationID int64) (*chattypes.Conversation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE id=$1`,
		conversationID,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, conversationID)
	}
	return conv, err
}

// Conversations returns every cached conversation.
func (s *Store) Conversations(ctx context.Context) ([]*chattypes.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversation ORDER BY id`)
}

// ConversationsByKind returns the cached conversations of one kind
// (chattypes.KindDirect or chattypes.KindGroup).
func (s *Store) ConversationsByKind(ctx context.Context, kind string) ([]*chattypes.Conversation, error) {
	return s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE kind=$1 ORDER BY id`, kind)
}

func (s *Store) queryConversations(ctx context.Context, query string, args ...any) ([]*chattypes.Conversation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chattypes.Conversation
	for rows.Next() {
		conv, scanErr := scanConversation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// SetUnreadCount overwrites the advisory unread count with the
// server-authoritative value. Returns ErrNotFound for an unknown
// conversation.
func (s *Store) SetUnreadCount(ctx context.Context, conversationID int64, count int) error {
	res, err := s.db.Exec(ctx,
		`UPDATE conversation SET unread_count=$1, updated_ts=$2 WHERE id=$3`,
		count, time.Now().UnixMilli(), conversationID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: conversation %d", ErrNotFound, conversationID)
	}
	return nil
}

// UnreadCount returns the cached advisory unread count, or nil when it has
// never been reconciled. ErrNotFound for an unknown conversation.
func (s *Store) UnreadCount(ctx context.Context, conversationID int64) (*int, error) {
	var unread sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT unread_count FROM conversation WHERE id=$1`,
		conversationID,
	).Scan(&unread)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation %d", ErrNotFound, conversationID)
		}
		return nil, err
	}
	if !unread.Valid {
		return nil, nil
	}
	count := int(unread.Int64)
	return &count, nil
}
