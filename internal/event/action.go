package event

import (
	"encoding/json"
	"fmt"

	"github.com/ageniuscoder/mmchat/realtime/internal/model"
)

// Client -> server. typing:start and typing:stop share their names with the
// events the server relays.
const (
	ActionSend        Kind = "message:send"
	ActionRead        Kind = "message:read"
	ActionDelivered   Kind = "message:delivered"
	ActionDelete      Kind = "message:delete"
	ActionTypingStart Kind = "typing:start"
	ActionTypingStop  Kind = "typing:stop"
	ActionPing        Kind = "ping"
)

// Action is a request from a client. Keyed actions are answered by one Ack
// with the same key.
type Action interface {
	Kind() Kind
	IdempotencyKey() string
	isAction()
}

type SendMessage struct {
	Key            string      `json:"-"`
	ConversationID int64       `json:"conversation_id"`
	Draft          model.Draft `json:"draft"`
}

type MarkRead struct {
	Key            string `json:"-"`
	ConversationID int64  `json:"conversation_id"`
}

type MarkDelivered struct {
	Key            string `json:"-"`
	ConversationID int64  `json:"conversation_id"`
	UpToID         int64  `json:"up_to_id"`
}

type DeleteMessage struct {
	Key       string `json:"-"`
	MessageID int64  `json:"message_id"`
}

type SetTyping struct {
	ConversationID int64 `json:"conversation_id"`
	Active         bool  `json:"-"`
}

type Ping struct{}

func (SendMessage) Kind() Kind   { return ActionSend }
func (MarkRead) Kind() Kind      { return ActionRead }
func (MarkDelivered) Kind() Kind { return ActionDelivered }
func (DeleteMessage) Kind() Kind { return ActionDelete }
func (Ping) Kind() Kind          { return ActionPing }
func (t SetTyping) Kind() Kind {
	if t.Active {
		return ActionTypingStart
	}
	return ActionTypingStop
}

func (a SendMessage) IdempotencyKey() string   { return a.Key }
func (a MarkRead) IdempotencyKey() string      { return a.Key }
func (a MarkDelivered) IdempotencyKey() string { return a.Key }
func (a DeleteMessage) IdempotencyKey() string { return a.Key }
func (SetTyping) IdempotencyKey() string       { return "" }
func (Ping) IdempotencyKey() string            { return "" }

func (SendMessage) isAction()   {}
func (MarkRead) isAction()      {}
func (MarkDelivered) isAction() {}
func (DeleteMessage) isAction() {}
func (SetTyping) isAction()     {}
func (Ping) isAction()          {}

func EncodeAction(a Action) ([]byte, error) {
	return encode(a.Kind(), a.IdempotencyKey(), a)
}

// DecodeAction parses a client frame. The returned key is the envelope key
// even when decoding fails, so the caller can still ack the failure.
func DecodeAction(b []byte) (Action, string, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, "", fmt.Errorf("decode envelope: %w", err)
	}
	var a Action
	var err error
	switch env.Type {
	case ActionSend:
		var v SendMessage
		v, err = decodeData[SendMessage](env.Data)
		v.Key = env.Key
		a = v
	case ActionRead:
		var v MarkRead
		v, err = decodeData[MarkRead](env.Data)
		v.Key = env.Key
		a = v
	case ActionDelivered:
		var v MarkDelivered
		v, err = decodeData[MarkDelivered](env.Data)
		v.Key = env.Key
		a = v
	case ActionDelete:
		var v DeleteMessage
		v, err = decodeData[DeleteMessage](env.Data)
		v.Key = env.Key
		a = v
	case ActionTypingStart, ActionTypingStop:
		var v SetTyping
		v, err = decodeData[SetTyping](env.Data)
		v.Active = env.Type == ActionTypingStart
		a = v
	case ActionPing:
		a = Ping{}
	default:
		return nil, env.Key, fmt.Errorf("unknown action type %q", env.Type)
	}
	if err != nil {
		return nil, env.Key, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return a, env.Key, nil
}
