// Package chattypes holds the wire and domain model shared by the local
// store, the sync engine and the remote service client. Field names in the
// JSON tags match the remote service's wire format.
package chattypes

import (
	"encoding/json"
	"sort"
)

// Conversation kinds as sent by the remote service.
const (
	KindDirect = "private_chat"
	KindGroup  = "group_chat"
)

// Message is a single chat message. The id is server-assigned and immutable;
// content never changes after creation. The only field this engine ever
// mutates is the tombstone set, and that set only grows.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"sender"`
	Content        string `json:"content"`
	// SendTime is the server-authoritative ordering key in milliseconds.
	SendTime     int64    `json:"timestamp"`
	SenderAvatar string   `json:"avatar"`
	ReadBy       []string `json:"readList"`
	ReplyToID    int64    `json:"replyId,omitempty"`
	ReplyCount   int      `json:"replyCount"`
	Tombstones   UserSet  `json:"deleteList"`
}

// TombstonedFor reports whether the message is hidden from the given user.
func (m *Message) TombstonedFor(userID string) bool {
	return m.Tombstones.Has(userID)
}

// User is a conversation member as resolved by the remote service. Members
// are the sole source for display names and avatars.
type User struct {
	ID               string `json:"userId"`
	Name             string `json:"userName"`
	AvatarURL        string `json:"avatarUrl"`
	IsDeletedAccount bool   `json:"isDeleted"`
}

// Notice is a group announcement entry.
type Notice struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	AvatarURL string `json:"avatarUrl"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is a direct or group chat. UnreadCount is an advisory local
// cache of the server-side value; it is nil until the first reconciliation.
type Conversation struct {
	ID          int64  `json:"id"`
	Kind        string `json:"type"`
	Members     []User `json:"members"`
	UnreadCount *int   `json:"unreadCount,omitempty"`
	AvatarURL   string `json:"avatarUrl"`

	// Group-only attributes.
	Name    string   `json:"groupName,omitempty"`
	Host    *User    `json:"host,omitempty"`
	Admins  []User   `json:"adminList,omitempty"`
	Notices []Notice `json:"groupNotificationList,omitempty"`
}

// Member returns the member with the given user id, or nil.
func (c *Conversation) Member(userID string) *User {
	for i := range c.Members {
		if c.Members[i].ID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// DisplayName resolves a user id to its display name via the member list,
// falling back to the raw id for users no longer in the conversation.
func (c *Conversation) DisplayName(userID string) string {
	if m := c.Member(userID); m != nil && m.Name != "" {
		return m.Name
	}
	return userID
}

// UserSet is an append-only set of user ids with O(1) membership. The zero
// value is an empty set. Mutating operations return a new set rather than
// changing the receiver, so a set embedded in a shared entity can be handed
// out without aliasing hazards.
type UserSet struct {
	members map[string]struct{}
}

// NewUserSet builds a set from the given ids.
func NewUserSet(ids ...string) UserSet {
	if len(ids) == 0 {
		return UserSet{}
	}
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return UserSet{members: m}
}

// Has reports whether id is in the set.
func (s UserSet) Has(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the number of ids in the set.
func (s UserSet) Len() int {
	return len(s.members)
}

// With returns a copy of the set that also contains id.
func (s UserSet) With(id string) UserSet {
	if s.Has(id) {
		return s
	}
	m := make(map[string]struct{}, len(s.members)+1)
	for k := range s.members {
		m[k] = struct{}{}
	}
	m[id] = struct{}{}
	return UserSet{members: m}
}

// Union returns a set containing every id from both sets.
func (s UserSet) Union(other UserSet) UserSet {
	if other.Len() == 0 {
		return s
	}
	if s.Len() == 0 {
		return other
	}
	m := make(map[string]struct{}, len(s.members)+len(other.members))
	for k := range s.members {
		m[k] = struct{}{}
	}
	for k := range other.members {
		m[k] = struct{}{}
	}
	return UserSet{members: m}
}

// Slice returns the ids in sorted order.
func (s UserSet) Slice() []string {
	if len(s.members) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.members))
	for k := range s.members {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted JSON array, matching the wire
// format's plain list.
func (s UserSet) MarshalJSON() ([]byte, error) {
	ids := s.Slice()
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

// UnmarshalJSON decodes a JSON array of user ids. null decodes to the empty set.
func (s *UserSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}
