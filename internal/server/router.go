package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pointchat/internal/auth"
	"pointchat/internal/config"
	"pointchat/internal/mw"
	"pointchat/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及实时通道端点。limiter 为 nil 时不限速。
func SetupRouter(cfg config.Config, hub *ws.Hub, accounts Accounts, msgs Messages, limiter *mw.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.Metrics())
	r.Use(mw.CORS(cfg.Env))
	if limiter != nil {
		r.Use(mw.RateLimit(limiter))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(accounts, msgs, cfg.Server.CookieSecure)
	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/refresh-token", h.RefreshToken)
	authGroup.POST("/logout", h.Logout)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg.Server.JWTSecret, accounts.Get))
	authed.GET("/users/admin", h.Admin)
	authed.GET("/messages/conversation/:otherId", h.ConversationHistory)
	authed.PATCH("/messages/:id", h.MarkRead)
	authed.GET("/messages/conversations", auth.RequireAdmin(), h.Conversations)

	r.GET("/chat", ws.Serve(hub, ws.Deps{
		Secret:   cfg.Server.JWTSecret,
		Users:    accounts,
		Messages: msgs,
	}))
	return r
}
