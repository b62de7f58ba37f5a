// Package event defines the real-time wire protocol.
//
// Every frame is an Envelope {"type", "key", "data"}. Server frames decode to
// an Event, client frames to an Action. Both are closed sets: consumers
// dispatch with a single type switch over the concrete types below.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

type Kind string

// Server -> client.
const (
	KindMessageNew     Kind = "message:new"
	KindMessageStatus  Kind = "message:status"
	KindMessageDeleted Kind = "message:deleted"
	KindPresence       Kind = "presence:changed"
	KindTypingStart    Kind = "typing:start"
	KindTypingStop     Kind = "typing:stop"
	KindAck            Kind = "ack"
)

type Envelope struct {
	Type Kind            `json:"type"`
	Key  string          `json:"key,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Event interface {
	Kind() Kind
	isEvent()
}

type MessageNew struct {
	Message model.Message `json:"message"`
}

// StatusUpdate batches one recipient's status change over several messages.
type StatusUpdate struct {
	ConversationID int64           `json:"conversation_id"`
	UserID         int64           `json:"user_id"`
	Status         delivery.Status `json:"status"`
	MessageIDs     []int64         `json:"message_ids"`
	At             time.Time       `json:"at"`
}

type MessageDeleted struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

type PresenceChanged struct {
	UserID   int64                `json:"user_id"`
	Status   model.PresenceStatus `json:"status"`
	LastSeen *time.Time           `json:"last_seen,omitempty"`
}

type Typing struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	Active         bool  `json:"-"`
}

// Ack answers exactly one keyed action.
type Ack struct {
	Key     string           `json:"key"`
	OK      bool             `json:"ok"`
	Message *model.Message   `json:"message,omitempty"`
	Error   *apperr.AppError `json:"error,omitempty"`
}

func (MessageNew) Kind() Kind      { return KindMessageNew }
func (StatusUpdate) Kind() Kind    { return KindMessageStatus }
func (MessageDeleted) Kind() Kind  { return KindMessageDeleted }
func (PresenceChanged) Kind() Kind { return KindPresence }
func (Ack) Kind() Kind             { return KindAck }
func (t Typing) Kind() Kind {
	if t.Active {
		return KindTypingStart
	}
	return KindTypingStop
}

func (MessageNew) isEvent()      {}
func (StatusUpdate) isEvent()    {}
func (MessageDeleted) isEvent()  {}
func (PresenceChanged) isEvent() {}
func (Typing) isEvent()          {}
func (Ack) isEvent()             {}

// AckError builds a failed ack carrying err's public code and message.
func AckError(key string, err error) Ack {
	return Ack{Key: key, Error: apperr.Public(err)}
}

func Encode(ev Event) ([]byte, error) {
	return encode(ev.Kind(), "", ev)
}

func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var ev Event
	var err error
	switch env.Type {
	case KindMessageNew:
		ev, err = decodeData[MessageNew](env.Data)
	case KindMessageStatus:
		ev, err = decodeData[StatusUpdate](env.Data)
	case KindMessageDeleted:
		ev, err = decodeData[MessageDeleted](env.Data)
	case KindPresence:
		ev, err = decodeData[PresenceChanged](env.Data)
	case KindTypingStart, KindTypingStop:
		var t Typing
		t, err = decodeData[Typing](env.Data)
		t.Active = env.Type == KindTypingStart
		ev = t
	case KindAck:
		ev, err = decodeData[Ack](env.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func encode(kind Kind, key string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Key: key, Data: data})
}

func decodeData[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
