package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pointchat/internal/auth"
	"pointchat/internal/metrics"
	"pointchat/internal/models"
	"pointchat/internal/service"
	"pointchat/internal/wire"
)

// Users 是实时通道需要的账号查询能力。
type Users interface {
	Get(id uint) (models.User, error)
	Admin() (models.Peer, error)
}

// Messages 是实时通道需要的消息读写能力。
type Messages interface {
	Create(senderID, receiverID uint, content string) (models.Message, error)
	Conversation(viewerID, otherID uint, limit int) ([]models.Message, error)
	Directory(adminID uint) ([]models.Peer, error)
}

// Deps 汇总 Serve 的依赖。
type Deps struct {
	Secret       string
	Users        Users
	Messages     Messages
	PingInterval time.Duration
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 16
)

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	deps   Deps
	userID uint
	role   string

	expiry    *time.Timer
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 在升级前完成鉴权：过期令牌直接返回 401 "jwt expired"，
// 连接建立后在令牌到期时以 4401 关闭。
func Serve(h *Hub, d Deps) gin.HandlerFunc {
	if d.PingInterval <= 0 {
		d.PingInterval = 30 * time.Second
	}
	return func(c *gin.Context) {
		token := auth.BearerToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, d.Secret)
		if err != nil {
			auth.Unauthorized(c, err)
			return
		}
		user, err := d.Users.Get(claims.UserID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{hub: h, conn: conn, send: make(chan []byte, 256), deps: d, userID: user.ID, role: user.Role}
		h.add(client)
		if claims.ExpiresAt != nil {
			client.armExpiry(claims.ExpiresAt.Time)
		}
		log.Debug().Uint("user_id", user.ID).Str("role", user.Role).Msg("ws connected")

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) armExpiry(exp time.Time) {
	c.expiry = time.AfterFunc(time.Until(exp), c.closeExpired)
}

// closeExpired 发送 4401 关闭帧后断开，客户端据此走刷新流程。
func (c *Client) closeExpired() {
	c.closeOnce.Do(func() {
		metrics.WsAuthExpiredClosures.Inc()
		msg := websocket.FormatCloseMessage(wire.CloseAuthExpired, wire.AuthExpiredReason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		if c.expiry != nil {
			c.expiry.Stop()
		}
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	pongWait := 2 * c.deps.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.handle(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.deps.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(env wire.Envelope) {
	cmd, err := wire.DecodeCommand(env)
	if err != nil {
		msg := "invalid payload"
		if errors.Is(err, wire.ErrUnknownEvent) {
			msg = "unknown command"
		}
		c.fail(env.Event, msg)
		return
	}
	switch cmd.Name {
	case wire.CmdMessage:
		c.handleSend(cmd.Message)
	case wire.CmdGetConversations:
		if c.role != models.RoleAdmin {
			c.fail(cmd.Name, "admin only")
			return
		}
		peers, err := c.deps.Messages.Directory(c.userID)
		if err != nil {
			c.failErr(cmd.Name, err)
			return
		}
		c.respond(wire.EventConversations, peers)
	case wire.CmdLoadConversation:
		if c.role != models.RoleAdmin {
			c.fail(cmd.Name, "admin only")
			return
		}
		c.history(cmd.Name, wire.EventConversationHistory, cmd.UserID)
	case wire.CmdGetUserConversationWithAdmin:
		admin, err := c.deps.Users.Admin()
		if err != nil {
			c.failErr(cmd.Name, err)
			return
		}
		c.history(cmd.Name, wire.EventUserConversationHistory, admin.ID)
	}
}

func (c *Client) handleSend(in wire.SendMessage) {
	msg, err := c.deps.Messages.Create(c.userID, in.ReceiverID, in.Content)
	if err != nil {
		c.failErr(wire.CmdMessage, err)
		return
	}
	b, err := encode(wire.EventMessage, msg)
	if err != nil {
		log.Error().Err(err).Uint("message_id", msg.ID).Msg("encode message")
		return
	}
	metrics.WsMessagesTotal.Inc()
	// 发送方的所有连接同样收到回显，作为送达确认
	c.hub.Deliver(msg.ReceiverID, b)
	c.hub.Deliver(msg.SenderID, b)
}

func (c *Client) history(command, event string, otherID uint) {
	msgs, err := c.deps.Messages.Conversation(c.userID, otherID, service.DefaultHistoryLimit)
	if err != nil {
		c.failErr(command, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.respond(event, msgs)
}

func (c *Client) respond(event string, payload any) {
	b, err := encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode response")
		return
	}
	c.hub.reply(c, b)
}

func (c *Client) fail(command, message string) {
	c.respond(wire.EventError, wire.ErrorPayload{Command: command, Message: message})
}

func (c *Client) failErr(command string, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		c.fail(command, "forbidden")
	case errors.Is(err, service.ErrInvalidContent):
		c.fail(command, "invalid content")
	case errors.Is(err, service.ErrUserNotFound):
		c.fail(command, "user not found")
	case errors.Is(err, service.ErrNoAdmin):
		c.fail(command, "no admin available")
	default:
		log.Error().Err(err).Str("command", command).Uint("user_id", c.userID).Msg("ws command")
		c.fail(command, "internal error")
	}
}

func encode(event string, payload any) ([]byte, error) {
	env, err := wire.New(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
