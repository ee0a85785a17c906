// Package localstore is the durable client-side cache of messages and
// conversations. Everything is keyed by the server-assigned id, so every
// write is an idempotent upsert and a re-delivered sync page is safe to
// re-apply.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatsync/pkg/chattypes"
)

// ErrNotFound is returned for point lookups against a missing key. Callers
// are expected to treat it as non-fatal (log and continue).
var ErrNotFound = errors.New("localstore: not found")

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the SQLite database at path and bootstraps the
// schema.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log)
	s := &Store{db: db, log: log}
	if err = s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Store, error) {
	s := &Store{db: db, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			id BIGINT NOT NULL PRIMARY KEY,
			conversation_id BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			sender_avatar TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			send_time BIGINT NOT NULL,
			read_by TEXT NOT NULL DEFAULT '[]',
			reply_to_id BIGINT NOT NULL DEFAULT 0,
			reply_count INTEGER NOT NULL DEFAULT 0,
			tombstones TEXT NOT NULL DEFAULT '[]',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			id BIGINT NOT NULL PRIMARY KEY,
			kind TEXT NOT NULL,
			members_json TEXT NOT NULL DEFAULT '[]',
			unread_count INTEGER,
			avatar_url TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			host_json TEXT,
			admins_json TEXT NOT NULL DEFAULT '[]',
			notices_json TEXT NOT NULL DEFAULT '[]',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_conversation_ts_idx
			ON message (conversation_id, send_time, id)`,
		`CREATE INDEX IF NOT EXISTS message_send_time_idx
			ON message (send_time)`,
		`CREATE INDEX IF NOT EXISTS conversation_kind_idx
			ON conversation (kind)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.RawDB.BeginTx(ctx, nil)
}

// UpsertMessages applies a batch of messages in a single transaction. The
// write is keyed by id; an already-stored message is overwritten with
// identical content, so re-applying a page has no observable effect. Local
// tombstones are unioned with the incoming set before the write because the
// tombstone set only grows.
func (s *Store) UpsertMessages(ctx context.Context, batch []*chattypes.Message) error {
	if len(batch) == 0 {
		return nil
	}

	ids := make([]int64, len(batch))
	for i, msg := range batch {
		ids[i] = msg.ID
	}
	existing, err := s.tombstonesForIDs(ctx, ids)
	if err != nil {
		return err
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message (
			id, conversation_id, sender_id, sender_name, sender_avatar,
			content, send_time, read_by, reply_to_id, reply_count,
			tombstones, created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			sender_id=excluded.sender_id,
			sender_name=excluded.sender_name,
			sender_avatar=excluded.sender_avatar,
			content=excluded.content,
			send_time=excluded.send_time,
			read_by=excluded.read_by,
			reply_to_id=excluded.reply_to_id,
			reply_count=excluded.reply_count,
			tombstones=excluded.tombstones,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, msg := range batch {
		tombstones := msg.Tombstones.Union(existing[msg.ID])
		tombstonesJSON, jsonErr := json.Marshal(tombstones)
		if jsonErr != nil {
			return jsonErr
		}
		readBy := msg.ReadBy
		if readBy == nil {
			readBy = []string{}
		}
		readByJSON, jsonErr := json.Marshal(readBy)
		if jsonErr != nil {
			return jsonErr
		}
		_, err = stmt.ExecContext(ctx,
			msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.SenderAvatar,
			msg.Content, msg.SendTime, string(readByJSON), msg.ReplyToID, msg.ReplyCount,
			string(tombstonesJSON), nowMS, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %d: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// tombstonesForIDs loads the stored tombstone sets for the given message ids.
// SQLite has a limit on the number of variables, so the lookup is chunked.
func (s *Store) tombstonesForIDs(ctx context.Context, ids []int64) (map[int64]chattypes.UserSet, error) {
	out := make(map[int64]chattypes.UserSet, len(ids))
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk))
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+1)
			args = append(args, id)
		}

		query := fmt.Sprintf(
			`SELECT id, tombstones FROM message WHERE id IN (%s)`,
			strings.Join(placeholders, ","),
		)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			var tombstonesJSON string
			if err = rows.Scan(&id, &tombstonesJSON); err != nil {
				rows.Close()
				return nil, err
			}
			var set chattypes.UserSet
			if err = json.Unmarshal([]byte(tombstonesJSON), &set); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = set
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpsertConversations applies a batch of conversation rows in a single
// transaction, keyed by id. The advisory unread count is NOT touched here:
// it is owned by the reconciliation path, and a metadata refresh must not
// clobber it.
func (s *Store) UpsertConversations(ctx context.Context, batch []*chattypes.Conversation) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation (
			id, kind, members_json, unread_count, avatar_url,
			name, host_json, admins_json, notices_json,
			created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind=excluded.kind,
			members_json=excluded.members_json,
			unread_count=COALESCE(excluded.unread_count, conversation.unread_count),
			avatar_url=excluded.avatar_url,
			name=excluded.name,
			host_json=excluded.host_json,
			admins_json=excluded.admins_json,
			notices_json=excluded.notices_json,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, conv := range batch {
		membersJSON, jsonErr := json.Marshal(conv.Members)
		if jsonErr != nil {
			return jsonErr
		}
		adminsJSON, jsonErr := json.Marshal(conv.Admins)
		if jsonErr != nil {
			return jsonErr
		}
		noticesJSON, jsonErr := json.Marshal(conv.Notices)
		if jsonErr != nil {
			return jsonErr
		}
		var hostJSON any
		if conv.Host != nil {
			encoded, hostErr := json.Marshal(conv.Host)
			if hostErr != nil {
				return hostErr
			}
			hostJSON = string(encoded)
		}
		var unread any
		if conv.UnreadCount != nil {
			unread = *conv.UnreadCount
		}
		_, err = stmt.ExecContext(ctx,
			conv.ID, conv.Kind, string(membersJSON), unread, conv.AvatarURL,
			conv.Name, hostJSON, string(adminsJSON), string(noticesJSON),
			nowMS, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert conversation %d: %w", conv.ID, err)
		}
	}

	return tx.Commit()
}

// RemoveConversations deletes the matching rows. Only used on an explicit
// left/exited event; sync passes never remove conversations.
func (s *Store) RemoveConversations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const chunkSize = 500
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk))
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+1)
			args = append(args, id)
		}

		query := fmt.Sprintf(
			`DELETE FROM conversation WHERE id IN (%s)`,
			strings.Join(placeholders, ","),
		)
		if _, err := s.db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete conversation batch: %w", err)
		}
	}
	return nil
}

// AppendTombstone adds userID to the message's tombstone set. Returns
// ErrNotFound if the message has not been synced yet.
func (s *Store) AppendTombstone(ctx context.Context, messageID int64, userID string) error {
	var tombstonesJSON string
	err := s.db.QueryRow(ctx,
		`SELECT tombstones FROM message WHERE id=$1`,
		messageID,
	).Scan(&tombstonesJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
		}
		return err
	}
	var set chattypes.UserSet
	if err = json.Unmarshal([]byte(tombstonesJSON), &set); err != nil {
		return fmt.Errorf("failed to decode tombstones for message %d: %w", messageID, err)
	}
	if set.Has(userID) {
		return nil
	}
	updated, err := json.Marshal(set.With(userID))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE message SET tombstones=$1, updated_ts=$2 WHERE id=$3`,
		string(updated), time.Now().UnixMilli(), messageID,
	)
	return err
}

const messageColumns = `id, conversation_id, sender_id, sender_name, sender_avatar,
	content, send_time, read_by, reply_to_id, reply_count, tombstones`

func scanMessage(rows dbutil.Scannable) (*chattypes.Message, error) {
	var msg chattypes.Message
	var readByJSON, tombstonesJSON string
	err := rows.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.SenderAvatar,
		&msg.Content, &msg.SendTime, &readByJSON, &msg.ReplyToID, &msg.ReplyCount,
		&tombstonesJSON,
	)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(readByJSON), &msg.ReadBy); err != nil {
		return nil, fmt.Errorf("failed to decode read list for message %d: %w", msg.ID, err)
	}
	if err = json.Unmarshal([]byte(tombstonesJSON), &msg.Tombstones); err != nil {
		return nil, fmt.Errorf("failed to decode tombstones for message %d: %w", msg.ID, err)
	}
	return &msg, nil
}

// GetMessage returns a single message by id, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, messageID int64) (*chattypes.Message, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id=$1`,
		messageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	return msg, err
}

// MessagesByConversation returns every cached message of the conversation
// ordered by send time, including tombstoned ones.
func (s *Store) MessagesByConversation(ctx context.Context, conversationID int64) ([]*chattypes.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageColumns+` FROM message
			WHERE conversation_id=$1 ORDER BY send_time, id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chattypes.Message
	for rows.Next() {
		msg, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// VisibleMessages returns the conversation's messages as seen by viewerID:
// ordered by send time, with the viewer's tombstoned messages filtered out.
func (s *Store) VisibleMessages(ctx context.Context, conversationID int64, viewerID string) ([]*chattypes.Message, error) {
	all, err := s.MessagesByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, msg := range all {
		if !msg.TombstonedFor(viewerID) {
			visible = append(visible, msg)
		}
	}
	return visible, nil
}

// LatestSendTime returns the maximum send time across all cached messages,
// or 0 when the store is empty.
func (s *Store) LatestSendTime(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(ctx, `SELECT MAX(send_time) FROM message`).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// LatestSendTimeIn returns the maximum send time within one conversation,
// or 0 when none is cached. This is the pull cursor for that conversation.
func (s *Store) LatestSendTimeIn(ctx context.Context, conversationID int64) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(send_time) FROM message WHERE conversation_id=$1`,
		conversationID,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// HasAnyMessages reports whether the store holds at least one message. Used
// to detect a fresh database at startup.
func (s *Store) HasAnyMessages(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM message`).Scan(&count)
	return count > 0, err
}
