package model

import "time"

// Conversation is a 1:1 thread. Participants holds exactly two distinct user
// ids in ascending order.
type Conversation struct {
	ID            int64         `json:"id"`
	Participants  []int64       `json:"participants"`
	LastMessage   *Message      `json:"last_message,omitempty"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	UnreadCount   map[int64]int `json:"unread_count"`
	CreatedAt     time.Time     `json:"created_at"`
}

func (c *Conversation) Has(userID int64) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Others returns every participant except userID.
func (c *Conversation) Others(userID int64) []int64 {
	out := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// PairKey orders an unordered pair so both directions map to one conversation.
func PairKey(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// ConversationSummary is a conversation as seen by one participant in the
// conversation list.
type ConversationSummary struct {
	ID            int64      `json:"id"`
	OtherUserID   int64      `json:"other_user_id"`
	OtherUsername string     `json:"other_username"`
	LastMessage   *Message   `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	CreatedAt     time.Time  `json:"created_at"`
}
