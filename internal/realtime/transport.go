package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pointchat/internal/token"
	"pointchat/internal/wire"
)

// Dialer 打开一条已鉴权的连接；握手阶段的令牌过期返回 token.ErrAuthExpired。
type Dialer interface {
	Dial(ctx context.Context, accessToken string) (Conn, error)
}

// Conn 是一条已建立的帧连接。Read 只允许单个 goroutine 调用，Write 可并发。
// Read 遇到无法解析的帧返回 wire.ErrMalformed，连接仍可继续读取。
type Conn interface {
	Read() (wire.Envelope, error)
	Write(wire.Envelope) error
	Close() error
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	writeWait               = 10 * time.Second
	maxFrameSize            = 1 << 20
)

// WSDialer 基于 gorilla/websocket 的实现，令牌以 Bearer 头在握手时携带。
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, accessToken string) (Conn, error) {
	hs := d.HandshakeTimeout
	if hs <= 0 {
		hs = defaultHandshakeTimeout
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hs,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, handshakeError(resp, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c := &wsConn{ws: ws, ping: ping, done: make(chan struct{})}
	pongWait := 2 * ping
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pinger()
	return c, nil
}

func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized && strings.Contains(string(body), wire.AuthExpiredReason) {
		return fmt.Errorf("handshake: %w", token.ErrAuthExpired)
	}
	return fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
}

type wsConn struct {
	ws   *websocket.Conn
	ping time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) pinger() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Read() (wire.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == wire.CloseAuthExpired {
			return wire.Envelope{}, fmt.Errorf("closed by server: %w", token.ErrAuthExpired)
		}
		return wire.Envelope{}, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.ping))
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", wire.ErrMalformed, err)
	}
	return env, nil
}

func (c *wsConn) Write(env wire.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
