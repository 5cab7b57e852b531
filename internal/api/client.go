// Package api 是聊天服务 REST 接口的客户端：登录注册、刷新令牌、会话历史与已读回执。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pointchat/internal/models"
	"pointchat/internal/token"
)

const defaultTimeout = 15 * time.Second

// RefreshCookie 是服务端下发 refresh 凭证所用的 cookie 名。
const RefreshCookie = "refresh_token"

// StatusError 是非 2xx 响应。401 时可用 errors.Is(err, token.ErrAuthExpired) 判断。
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return token.ErrAuthExpired
	}
	return nil
}

// Authenticator 提供当前令牌并在 401 时刷新，由 token.Refresher 实现。
type Authenticator interface {
	Current() (token.Token, bool)
	RefreshNow(ctx context.Context) (token.Token, error)
}

type User struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (u User) IsAdmin() bool { return u.Role == models.RoleAdmin }

type AuthResult struct {
	Token token.Token
	User  User
}

type Client struct {
	base *url.URL
	http *http.Client
	jar  http.CookieJar
	log  zerolog.Logger

	mu   sync.RWMutex
	auth Authenticator
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// WithCookieJar 替换内置的内存 cookie jar，例如 token.CookieJar 让 refresh 凭证跨进程保留。
func WithCookieJar(j http.CookieJar) Option { return func(c *Client) { c.jar = j } }

// New 创建客户端。refresh 凭证保存在 HttpOnly Cookie 中，由 cookie jar 维护，默认只在内存。
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.jar != nil:
		c.http.Jar = c.jar
	case c.http.Jar == nil:
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		c.http.Jar = jar
	}
	return c, nil
}

// UseAuth 在刷新器创建之后注入，打破两者之间的构造依赖。
func (c *Client) UseAuth(a Authenticator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = a
}

func (c *Client) authenticator() Authenticator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

type authResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        User      `json:"user"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *Client) Login(ctx context.Context, username, password string) (AuthResult, error) {
	return c.authenticate(ctx, "/api/v1/auth/login", username, password)
}

func (c *Client) Register(ctx context.Context, username, password string) (AuthResult, error) {
	return c.authenticate(ctx, "/api/v1/auth/register", username, password)
}

func (c *Client) authenticate(ctx context.Context, path, username, password string) (AuthResult, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, path, credentials{Username: username, Password: password}, &resp, false); err != nil {
		return AuthResult{}, err
	}
	if resp.AccessToken == "" {
		return AuthResult{}, errors.New("auth response without access token")
	}
	return AuthResult{
		Token: token.Token{AccessToken: resp.AccessToken, ExpiresAt: resp.ExpiresAt},
		User:  resp.User,
	}, nil
}

// RefreshAccessToken 用 Cookie 中的 refresh 凭证换取新的访问令牌，实现 token.Source。
func (c *Client) RefreshAccessToken(ctx context.Context) (token.Token, error) {
	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh-token", nil, &resp, false); err != nil {
		return token.Token{}, err
	}
	return token.Token{AccessToken: resp.AccessToken, ExpiresAt: resp.ExpiresAt}, nil
}

// Logout 吊销服务端的 refresh 凭证，失败不影响本地登出。
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil, false)
}

func (c *Client) MarkMessageRead(ctx context.Context, messageID uint) error {
	path := "/api/v1/messages/" + strconv.FormatUint(uint64(messageID), 10)
	return c.do(ctx, http.MethodPatch, path, map[string]bool{"isRead": true}, nil, true)
}

func (c *Client) GetConversationHistory(ctx context.Context, otherID uint) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/api/v1/messages/conversation/" + strconv.FormatUint(uint64(otherID), 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) GetConversations(ctx context.Context) ([]models.Peer, error) {
	var resp struct {
		Conversations []models.Peer `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages/conversations", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetAdmin 返回普通用户的固定会话对象。
func (c *Client) GetAdmin(ctx context.Context) (models.Peer, error) {
	var resp struct {
		Admin models.Peer `json:"admin"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/admin", nil, &resp, true); err != nil {
		return models.Peer{}, err
	}
	return resp.Admin, nil
}

// do 发送 JSON 请求。authed 请求遇到 401 时刷新一次令牌并重试一次。
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	err := c.send(ctx, method, path, payload, out, authed)
	var se *StatusError
	if !authed || !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		return err
	}
	a := c.authenticator()
	if a == nil {
		return err
	}
	c.log.Debug().Str("path", path).Msg("401, refreshing access token")
	if _, rerr := a.RefreshNow(ctx); rerr != nil {
		return rerr
	}
	return c.send(ctx, method, path, payload, out, authed)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any, authed bool) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed {
		if a := c.authenticator(); a != nil {
			if t, ok := a.Current(); ok {
				req.Header.Set("Authorization", "Bearer "+t.AccessToken)
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(raw, &e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
