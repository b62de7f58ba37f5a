package model

import (
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/utils"
	"github.com/go-playground/validator/v10"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

const MaxContentLen = 4096

// Message is a persisted, server-confirmed message. Its ID is assigned by the
// store and is strictly increasing within a conversation.
type Message struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	SenderID       int64         `json:"sender_id"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content,omitempty"`
	MediaURL       string        `json:"media_url,omitempty"`
	MediaMimeType  string        `json:"media_mime_type,omitempty"`
	MediaDuration  float64       `json:"media_duration,omitempty"`
	Waveform       []float64     `json:"waveform,omitempty"`
	ReplyToID      *int64        `json:"reply_to_id,omitempty"`
	IsDeleted      bool          `json:"is_deleted"`
	CreatedAt      time.Time     `json:"created_at"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Reads          []MessageRead `json:"reads,omitempty"`
}

// MessageRead is one recipient's delivery row for a message.
type MessageRead struct {
	MessageID int64           `json:"message_id"`
	UserID    int64           `json:"user_id"`
	Status    delivery.Status `json:"status"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
}

// Redact strips the payload of a deleted message, keeping its place in the timeline.
func (m *Message) Redact() {
	m.IsDeleted = true
	m.Content = ""
	m.MediaURL = ""
	m.MediaMimeType = ""
	m.MediaDuration = 0
	m.Waveform = nil
}

// ViewedBy returns the message as userID gets to see it. The idempotency key
// belongs to the sender's client and is blank for everyone else.
func (m Message) ViewedBy(userID int64) Message {
	if userID != m.SenderID {
		m.IdempotencyKey = ""
	}
	return m
}

// ReadBy returns userID's row for this message.
func (m *Message) ReadBy(userID int64) (MessageRead, bool) {
	for _, r := range m.Reads {
		if r.UserID == userID {
			return r, true
		}
	}
	return MessageRead{}, false
}

// SenderStatus is the status the sender sees: the least advanced recipient row.
func (m *Message) SenderStatus() delivery.Status {
	statuses := make([]delivery.Status, 0, len(m.Reads))
	for _, r := range m.Reads {
		if r.UserID != m.SenderID {
			statuses = append(statuses, r.Status)
		}
	}
	return delivery.Aggregate(statuses)
}

// ApplyStatus merges status into userID's row, creating it if absent.
// It reports whether anything changed.
func (m *Message) ApplyStatus(userID int64, status delivery.Status, at time.Time) bool {
	for i := range m.Reads {
		r := &m.Reads[i]
		if r.UserID != userID {
			continue
		}
		next := delivery.Merge(r.Status, status)
		if next == r.Status {
			return false
		}
		r.Status = next
		if next == delivery.StatusRead && r.ReadAt == nil && !at.IsZero() {
			t := at
			r.ReadAt = &t
		}
		return true
	}
	r := MessageRead{MessageID: m.ID, UserID: userID, Status: status}
	if status == delivery.StatusRead && !at.IsZero() {
		t := at
		r.ReadAt = &t
	}
	m.Reads = append(m.Reads, r)
	return true
}

// Draft is the client-supplied payload of a message before persistence.
type Draft struct {
	Type          MessageType `json:"type" binding:"required" validate:"required,oneof=text image audio"`
	Content       string      `json:"content,omitempty" validate:"required_if=Type text,max=4096"`
	MediaURL      string      `json:"media_url,omitempty" validate:"required_unless=Type text,max=2048"`
	MediaMimeType string      `json:"media_mime_type,omitempty" validate:"max=127"`
	MediaDuration float64     `json:"media_duration,omitempty" validate:"gte=0"`
	Waveform      []float64   `json:"waveform,omitempty" validate:"max=512,dive,gte=0,lte=1"`
	ReplyToID     *int64      `json:"reply_to_id,omitempty" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// Validate checks the draft shape. It does not check the reply target, which
// needs the store.
func (d *Draft) Validate() error {
	if err := validate.Struct(d); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Validation(strings.ToLower(fe.Field()) + ": " + utils.GetErrorMessage(fe))
		}
		return apperr.Validation(err.Error())
	}
	switch d.Type {
	case TypeText:
		if strings.TrimSpace(d.Content) == "" {
			return apperr.Validation("content: must not be blank")
		}
		if d.MediaURL != "" {
			return apperr.Validation("media_url: not allowed on text messages")
		}
	case TypeAudio:
		if d.MediaDuration <= 0 {
			return apperr.Validation("media_duration: audio requires a duration")
		}
	}
	return nil
}

// Message builds the message a draft becomes once persisted.
func (d *Draft) Message(conversationID, senderID int64, key string, at time.Time) Message {
	return Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           d.Type,
		Content:        d.Content,
		MediaURL:       d.MediaURL,
		MediaMimeType:  d.MediaMimeType,
		MediaDuration:  d.MediaDuration,
		Waveform:       d.Waveform,
		ReplyToID:      d.ReplyToID,
		CreatedAt:      at,
		IdempotencyKey: key,
	}
}
