package model

import "time"

// Direction selects how a history sync extends the store relative to an
// anchor message id.
type Direction int

const (
	DirInitial Direction = iota
	DirBefore
	DirAfter
)

func (d Direction) String() string {
	switch d {
	case DirInitial:
		return "INITIAL"
	case DirBefore:
		return "BEFORE"
	case DirAfter:
		return "AFTER"
	}

	return "INITIAL"
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"BEFORE"`:
		*d = DirBefore
	case `"AFTER"`:
		*d = DirAfter
	default:
		*d = DirInitial
	}

	return nil
}

// StatusUpdate is a server-pushed status transition for one message,
// addressed by temp id (pre-persistence) or server id. ID carries the
// server-assigned id the first time the message is persisted. Message is an
// optional full payload for the case where the client never saw the message
// it refers to.
type StatusUpdate struct {
	TempID    string     `json:"tempId,omitempty"`
	ID        string     `json:"id,omitempty"`
	Status    Status     `json:"status"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Message   *Message   `json:"message,omitempty"`
}

// MessageEdit rewrites the content of a persisted message.
type MessageEdit struct {
	ID       string     `json:"id"`
	Content  string     `json:"content"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
}

// ReadSingle flags one message as read by one user.
type ReadSingle struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ReadBulk flags a list of messages as read by one user. Ids not present
// locally are skipped, never an error.
type ReadBulk struct {
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// ReactionUpdate replaces the full reaction set of one message. The server
// is authoritative for reactions; the client never merges partially.
type ReactionUpdate struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

// PinUpdate sets the pinned flag of one message.
type PinUpdate struct {
	MessageID string `json:"messageId"`
	Pinned    bool   `json:"pinned"`
}

// TypingEvent is an inbound typing indicator for one user.
type TypingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// SyncResponse answers one SyncRequest on the per-user queue.
type SyncResponse struct {
	RequestID string    `json:"requestId"`
	Messages  []Message `json:"messages"`
	HasMore   bool      `json:"hasMore,omitempty"`
}

// SendMessage is the outbound send payload. The temp id is echoed back by
// the server in the first StatusUpdate so the optimistic entry can be
// reconciled.
type SendMessage struct {
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TypingPublish is the outbound typing indicator.
type TypingPublish struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ActivePublish is the outbound active/inactive presence signal.
type ActivePublish struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Active         bool   `json:"active"`
}

// SyncRequest asks for a bounded window of history.
type SyncRequest struct {
	RequestID      string    `json:"requestId"`
	ConversationID string    `json:"conversationId"`
	LastMessageID  *string   `json:"lastMessageId,omitempty"`
	Direction      Direction `json:"direction"`
	Limit          int       `json:"limit"`
}

// DeliveredNotice tells the server one message reached this client and is
// read-relevant. Emitted at most once per message.
type DeliveredNotice struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// ReadBulkPublish is the outbound counterpart of ReadBulk, emitted by
// mark-all-as-read.
type ReadBulkPublish struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId"`
}

// PinToggle is the outbound pin/unpin request.
type PinToggle struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Pinned    bool   `json:"pinned"`
}

// ReactionSend is the outbound add/remove-reaction request.
type ReactionSend struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Reaction  string `json:"reaction"`
	Remove    bool   `json:"remove,omitempty"`
}
