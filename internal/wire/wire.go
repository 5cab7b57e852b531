// Package wire 定义聊天通道的 JSON 帧格式：客户端命令与服务端事件。
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"pointchat/internal/models"
)

// 客户端 -> 服务端命令。
const (
	CmdMessage                      = "message"
	CmdGetConversations             = "getConversations"
	CmdLoadConversation             = "loadConversation"
	CmdGetUserConversationWithAdmin = "getUserConversationWithAdmin"
)

// 服务端 -> 客户端事件。
const (
	EventMessage                 = "message"
	EventConversations           = "conversations"
	EventConversationHistory     = "conversationHistory"
	EventUserConversationHistory = "userConversationHistory"
	EventError                   = "error"
)

// CloseAuthExpired 是会话中 token 过期时服务端使用的关闭码。
const (
	CloseAuthExpired  = 4401
	AuthExpiredReason = "jwt expired"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed payload")
)

// Envelope 是每一帧的外层结构。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type SendMessage struct {
	ReceiverID uint   `json:"receiverId"`
	Content    string `json:"content"`
}

type LoadConversation struct {
	UserID uint `json:"userId"`
}

type ErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// New 把 payload 编码进 Envelope，payload 为 nil 时不带 data。
func New(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	env.Data = b
	return env, nil
}

// ServerEvent 是经过校验的服务端事件，具体类型见下方各结构体。
type ServerEvent interface {
	EventName() string
}

type MessageEvent struct{ Message models.Message }

type DirectoryEvent struct{ Peers []models.Peer }

// HistoryEvent 对应 conversationHistory 与 userConversationHistory。
type HistoryEvent struct {
	Event    string
	Messages []models.Message
}

type ErrorEvent struct{ ErrorPayload }

func (MessageEvent) EventName() string   { return EventMessage }
func (DirectoryEvent) EventName() string { return EventConversations }
func (e HistoryEvent) EventName() string { return e.Event }
func (ErrorEvent) EventName() string     { return EventError }

// DecodeServerEvent 在通道边界把帧解析为强类型事件，形状不符的帧直接拒绝。
func DecodeServerEvent(env Envelope) (ServerEvent, error) {
	switch env.Event {
	case EventMessage:
		var m models.Message
		if err := decode(env, &m); err != nil {
			return nil, err
		}
		if err := validateMessage(m); err != nil {
			return nil, err
		}
		return MessageEvent{Message: m}, nil
	case EventConversations:
		var peers []models.Peer
		if err := decode(env, &peers); err != nil {
			return nil, err
		}
		for _, p := range peers {
			if p.ID == 0 {
				return nil, fmt.Errorf("%w: %s entry without id", ErrMalformed, env.Event)
			}
		}
		return DirectoryEvent{Peers: peers}, nil
	case EventConversationHistory, EventUserConversationHistory:
		var msgs []models.Message
		if err := decode(env, &msgs); err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if err := validateMessage(m); err != nil {
				return nil, err
			}
		}
		return HistoryEvent{Event: env.Event, Messages: msgs}, nil
	case EventError:
		var p ErrorPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return ErrorEvent{ErrorPayload: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// Command 是服务端解析出的客户端命令。
type Command struct {
	Name    string
	Message SendMessage
	UserID  uint
}

// DecodeCommand 解析客户端命令，供服务端 readPump 使用。
func DecodeCommand(env Envelope) (Command, error) {
	cmd := Command{Name: env.Event}
	switch env.Event {
	case CmdMessage:
		if err := decode(env, &cmd.Message); err != nil {
			return cmd, err
		}
		if cmd.Message.ReceiverID == 0 || cmd.Message.Content == "" {
			return cmd, fmt.Errorf("%w: message requires receiverId and content", ErrMalformed)
		}
	case CmdLoadConversation:
		var p LoadConversation
		if err := decode(env, &p); err != nil {
			return cmd, err
		}
		if p.UserID == 0 {
			return cmd, fmt.Errorf("%w: loadConversation requires userId", ErrMalformed)
		}
		cmd.UserID = p.UserID
	case CmdGetConversations, CmdGetUserConversationWithAdmin:
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return cmd, nil
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return nil
}

func validateMessage(m models.Message) error {
	if m.ID == 0 || m.SenderID == 0 || m.ReceiverID == 0 {
		return fmt.Errorf("%w: message missing id, senderId or receiverId", ErrMalformed)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %d missing createdAt", ErrMalformed, m.ID)
	}
	return nil
}
