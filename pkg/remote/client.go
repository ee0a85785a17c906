// Package remote is the REST client for the message service. It only shapes
// requests and decodes responses; retry policy belongs to the sync engine's
// callers (the next triggered sync), not to this layer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chattypes"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a client for the service at baseURL. The token is sent
// verbatim in the Authorization header on every request.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    http.DefaultClient,
		log:     log.With().Str("component", "remote").Logger(),
	}
}

// SetHTTPClient overrides the underlying HTTP client. Used by tests.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.http = client
}

// MessagePage is one page of the messages listing.
type MessagePage struct {
	Messages []*chattypes.Message `json:"messages"`
	HasNext  bool                 `json:"hasNext"`
}

// ListMessagesParams scopes a messages listing either to a user (all their
// conversations) or to a single conversation. After is the pull cursor: only
// messages with a strictly newer send time are returned.
type ListMessagesParams struct {
	UserID         string
	ConversationID int64
	After          int64
	Limit          int
}

func (c *Client) ListMessages(ctx context.Context, params ListMessagesParams) (*MessagePage, error) {
	query := url.Values{}
	if params.UserID != "" {
		query.Set("userId", params.UserID)
	}
	if params.ConversationID != 0 {
		query.Set("conversationId", strconv.FormatInt(params.ConversationID, 10))
	}
	query.Set("after", strconv.FormatInt(params.After, 10))
	query.Set("limit", strconv.Itoa(params.Limit))

	var page MessagePage
	if err := c.getJSON(ctx, "messages", query, &page); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return &page, nil
}

func (c *Client) ListConversationIDs(ctx context.Context, userID string) ([]int64, error) {
	query := url.Values{}
	query.Set("userId", userID)

	var resp struct {
		ConversationIDs []int64 `json:"conversationIds"`
	}
	if err := c.getJSON(ctx, "get_conversation_ids", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to list conversation ids: %w", err)
	}
	return resp.ConversationIDs, nil
}

func (c *Client) ListConversations(ctx context.Context, ids []int64, userID string) ([]*chattypes.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{}
	for _, id := range ids {
		query.Add("id", strconv.FormatInt(id, 10))
	}
	query.Set("userId", userID)

	var resp struct {
		Conversations []*chattypes.Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, "conversations", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return resp.Conversations, nil
}

func (c *Client) UnreadCount(ctx context.Context, userID string, conversationID int64) (int, error) {
	query := url.Values{}
	query.Set("userId", userID)
	query.Set("conversationId", strconv.FormatInt(conversationID, 10))

	var resp struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, "get_unread_count", query, &resp); err != nil {
		return 0, fmt.Errorf("failed to get unread count: %w", err)
	}
	return resp.Count, nil
}

// SendMessageRequest creates a message; ReplyID is the replied-to message
// when non-zero.
type SendMessageRequest struct {
	UserID         string `json:"userId"`
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
	ReplyID        int64  `json:"replyId,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*chattypes.Message, error) {
	var msg chattypes.Message
	if err := c.postJSON(ctx, "messages", req, &msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &msg, nil
}

func (c *Client) MarkRead(ctx context.Context, userID string, conversationID int64) error {
	body := map[string]any{
		"userId":         userID,
		"conversationId": conversationID,
	}
	if err := c.postJSON(ctx, "read_message", body, nil); err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64, userID string) error {
	body := map[string]any{
		"messageId": messageID,
		"userId":    userID,
	}
	if err := c.postJSON(ctx, "delete_message", body, nil); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (c *Client) ClearConversation(ctx context.Context, conversationID int64, userID string) error {
	body := map[string]any{
		"conversationId": conversationID,
		"userId":         userID,
	}
	if err := c.postJSON(ctx, "clear_conversation", body, nil); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

func (c *Client) LeaveConversation(ctx context.Context, conversationID int64, userID string) error {
	body := map[string]any{
		"username": userID,
	}
	path := fmt.Sprintf("conversations/%d/leave", conversationID)
	if err := c.postJSON(ctx, path, body, nil); err != nil {
		return fmt.Errorf("failed to leave conversation: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + "/" + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
