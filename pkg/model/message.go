// Package model defines the domain types shared by every engine component:
// the message record, its delivery-status state machine, and the typed
// payloads carried on the wire.
package model

import "time"

// Message is the central entity of a conversation. Exactly one of ID and
// TempID is set at creation time; TempID is assigned by the client and stays
// stable for the message's whole local lifetime, ID is assigned by the server
// once persisted and never changes afterwards.
type Message struct {
	ID             string              `json:"id,omitempty"`
	TempID         string              `json:"tempId,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	SenderID       string              `json:"senderId"`
	Content        string              `json:"content"`
	CreatedAt      time.Time           `json:"createdAt"`
	EditedAt       *time.Time          `json:"editedAt,omitempty"`
	ReadBy         map[string]bool     `json:"readBy,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	Pinned         bool                `json:"pinned,omitempty"`
	Status         Status              `json:"status,omitempty"`
}

// Key is the identity used for de-duplication: the server id when present,
// the client temp id otherwise.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}

	return m.TempID
}

// EffectiveTime is the timestamp the store orders by: the local creation
// time while pending, the server-confirmed time once the server has supplied
// one (the reconciler overwrites CreatedAt on confirmation).
func (m *Message) EffectiveTime() time.Time {
	return m.CreatedAt
}

// HasReaction reports whether userID already reacted with the given type.
func (m *Message) HasReaction(reaction, userID string) bool {
	for _, id := range m.Reactions[reaction] {
		if id == userID {
			return true
		}
	}

	return false
}

// TypingState is the exposed view of one remote user's typing indicator.
type TypingState struct {
	Username  string    `json:"username,omitempty"`
	IsTyping  bool      `json:"isTyping"`
	ExpiresAt time.Time `json:"expiresAt"`
}
