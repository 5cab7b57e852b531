package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"pointchat/internal/config"
	"pointchat/internal/db"
	clog "pointchat/internal/log"
	"pointchat/internal/mw"
	"pointchat/internal/server"
	"pointchat/internal/service"
	"pointchat/internal/ws"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库并启动 Gin 服务，收到信号后优雅退出。
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	gdb, err := db.Connect(dbCtx, cfg.Server.DatabaseDSN)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	users := service.NewUserService(gdb, cfg.Server)
	msgs := service.NewMessageService(gdb)
	if err := users.EnsureAdmin(cfg.Server.AdminUsername, cfg.Server.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("ensure admin")
	}

	hub := ws.NewHub()
	defer hub.Close()
	limiter := mw.NewLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 2*time.Minute)
	defer limiter.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.SetupRouter(cfg, hub, users, msgs, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
