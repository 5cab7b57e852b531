package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pointchat/internal/auth"
	"pointchat/internal/models"
	"pointchat/internal/service"
)

// RefreshCookie 是 refresh token 所在的 HttpOnly cookie，只在 /api/v1/auth 下发送。
const (
	RefreshCookie     = "refresh_token"
	refreshCookiePath = "/api/v1/auth"
)

// Accounts 是 handler 依赖的账号能力，由 service.UserService 实现。
type Accounts interface {
	Register(username, password string) (*service.AuthResult, error)
	Login(username, password string) (*service.AuthResult, error)
	Refresh(refreshToken string) (*service.AuthResult, error)
	Logout(refreshToken string) error
	Get(id uint) (models.User, error)
	Admin() (models.Peer, error)
}

// Messages 是 handler 依赖的消息能力，由 service.MessageService 实现。
type Messages interface {
	Create(senderID, receiverID uint, content string) (models.Message, error)
	Conversation(viewerID, otherID uint, limit int) ([]models.Message, error)
	MarkRead(viewerID, messageID uint) (models.Message, error)
	Directory(adminID uint) ([]models.Peer, error)
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	accounts     Accounts
	msgs         Messages
	cookieSecure bool
}

func NewHandler(accounts Accounts, msgs Messages, cookieSecure bool) *Handler {
	return &Handler{accounts: accounts, msgs: msgs, cookieSecure: cookieSecure}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func bindCredentials(c *gin.Context) (credentials, bool) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return req, false
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return req, false
	}
	return req, true
}

// Register 处理用户注册请求，成功后直接登录。
func (h *Handler) Register(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.accounts.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	h.issue(c, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}
	result, err := h.accounts.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	h.issue(c, result)
}

// RefreshToken 用 cookie 中的 refresh token 换取新的访问令牌，同时旋转 cookie。
func (h *Handler) RefreshToken(c *gin.Context) {
	rt, _ := c.Cookie(RefreshCookie)
	if rt == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	result, err := h.accounts.Refresh(rt)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefresh) {
			h.clearCookie(c)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		log.Error().Err(err).Msg("refresh token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	h.setCookie(c, result.RefreshToken, result.RefreshExpiresAt)
	c.JSON(http.StatusOK, gin.H{"accessToken": result.AccessToken, "expiresAt": result.ExpiresAt})
}

// Logout 吊销 refresh token 并清除 cookie。
func (h *Handler) Logout(c *gin.Context) {
	if rt, _ := c.Cookie(RefreshCookie); rt != "" {
		if err := h.accounts.Logout(rt); err != nil {
			log.Warn().Err(err).Msg("logout")
		}
	}
	h.clearCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) issue(c *gin.Context, result *service.AuthResult) {
	h.setCookie(c, result.RefreshToken, result.RefreshExpiresAt)
	u := result.User
	c.JSON(http.StatusOK, gin.H{
		"accessToken": result.AccessToken,
		"expiresAt":   result.ExpiresAt,
		"user":        gin.H{"id": u.ID, "username": u.Username, "role": u.Role},
	})
}

func (h *Handler) setCookie(c *gin.Context, value string, expires time.Time) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(RefreshCookie, value, int(time.Until(expires).Seconds()), refreshCookiePath, "", h.cookieSecure, true)
}

func (h *Handler) clearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(RefreshCookie, "", -1, refreshCookiePath, "", h.cookieSecure, true)
}

// ConversationHistory 返回当前用户与 otherId 之间的消息。
func (h *Handler) ConversationHistory(c *gin.Context) {
	otherID, ok := paramID(c, "otherId")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.msgs.Conversation(auth.GetUserID(c), otherID, limit)
	if err != nil {
		log.Error().Err(err).Uint("other_id", otherID).Msg("conversation history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkRead 只支持把消息标记为已读。
func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsRead *bool `json:"isRead"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsRead == nil || !*req.IsRead {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if _, err := h.msgs.MarkRead(auth.GetUserID(c), id); err != nil {
		switch {
		case errors.Is(err, service.ErrMessageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		case errors.Is(err, service.ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		default:
			log.Error().Err(err).Uint("message_id", id).Msg("mark read")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update message"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// Conversations 返回管理员的会话目录。
func (h *Handler) Conversations(c *gin.Context) {
	peers, err := h.msgs.Directory(auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": peers})
}

// Admin 返回普通用户的会话对象。
func (h *Handler) Admin(c *gin.Context) {
	peer, err := h.accounts.Admin()
	if err != nil {
		if errors.Is(err, service.ErrNoAdmin) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no admin available"})
			return
		}
		log.Error().Err(err).Msg("admin lookup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load admin"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": peer})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}
