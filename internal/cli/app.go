// Package cli 实现终端聊天客户端：登录、注册、登出与交互式会话。
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"pointchat/internal/api"
	"pointchat/internal/config"
	"pointchat/internal/realtime"
	"pointchat/internal/session"
	"pointchat/internal/token"
)

const logoutTimeout = 5 * time.Second

// ErrNotLoggedIn 表示本地没有可用的访问令牌。
var ErrNotLoggedIn = errors.New("not logged in, run `chatcli login` first")

// App 组装客户端各层：REST 客户端、令牌存储与刷新器。实时通道在 Chat 中按需创建。
type App struct {
	cfg       config.ClientConfig
	log       zerolog.Logger
	client    *api.Client
	store     *token.SQLiteStore
	refresher *token.Refresher

	in  *bufio.Reader
	out io.Writer
}

func NewApp(ctx context.Context, cfg config.ClientConfig, logger zerolog.Logger, in io.Reader, out io.Writer) (*App, error) {
	if err := config.ValidateClient(cfg); err != nil {
		return nil, err
	}
	store, err := token.OpenSQLiteStore(ctx, cfg.TokenDBPath)
	if err != nil {
		return nil, err
	}
	jar, err := token.NewCookieJar(ctx, store, api.RefreshCookie, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := api.New(cfg.BaseURL, api.WithLogger(logger), api.WithCookieJar(jar))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	refresher := token.NewRefresher(store, client, token.WithSkew(cfg.RefreshSkew), token.WithLogger(logger))
	client.UseAuth(refresher)
	return &App{
		cfg:       cfg,
		log:       logger,
		client:    client,
		store:     store,
		refresher: refresher,
		in:        bufio.NewReader(in),
		out:       out,
	}, nil
}

// Close 停止刷新计时器并关闭令牌库，已保存的令牌保留。
func (a *App) Close() error {
	a.refresher.Stop()
	return a.store.Close()
}

func (a *App) credentials(username string) (string, string, error) {
	var err error
	if username == "" {
		if username, err = Prompt(a.in, a.out, "Username"); err != nil {
			return "", "", err
		}
	}
	password, err := PromptPassword(a.in, a.out)
	if err != nil {
		return "", "", err
	}
	if username == "" || password == "" {
		return "", "", errors.New("username and password are required")
	}
	return username, password, nil
}

// Login 交互式登录并保存令牌。
func (a *App) Login(ctx context.Context, username string) (Identity, error) {
	username, password, err := a.credentials(username)
	if err != nil {
		return Identity{}, err
	}
	res, err := a.client.Login(ctx, username, password)
	if err != nil {
		return Identity{}, fmt.Errorf("login: %w", err)
	}
	a.refresher.Adopt(res.Token)
	fmt.Fprintf(a.out, "logged in as %s (#%d, %s)\n", res.User.Username, res.User.ID, res.User.Role)
	return identityOf(res.User), nil
}

// Register 注册普通用户，成功后即处于登录状态。
func (a *App) Register(ctx context.Context, username string) (Identity, error) {
	username, password, err := a.credentials(username)
	if err != nil {
		return Identity{}, err
	}
	res, err := a.client.Register(ctx, username, password)
	if err != nil {
		return Identity{}, fmt.Errorf("register: %w", err)
	}
	a.refresher.Adopt(res.Token)
	fmt.Fprintf(a.out, "registered %s (#%d)\n", res.User.Username, res.User.ID)
	return identityOf(res.User), nil
}

// Logout 通知服务端吊销 refresh 凭证，失败只记日志；本地令牌总会被清除。
func (a *App) Logout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()
	if err := a.client.Logout(ctx); err != nil {
		a.log.Warn().Err(err).Msg("server logout failed")
	}
	a.refresher.End()
	fmt.Fprintln(a.out, "logged out")
	return nil
}

// StoredIdentity 返回已保存令牌对应的身份。令牌已过期时先用保存的 refresh cookie 换新。
func (a *App) StoredIdentity(ctx context.Context) (Identity, error) {
	t, ok := a.refresher.Current()
	if !ok {
		return Identity{}, ErrNotLoggedIn
	}
	if !t.Valid(time.Now()) {
		var err error
		if t, err = a.refresher.RefreshNow(ctx); err != nil {
			a.log.Debug().Err(err).Msg("stored session could not be renewed")
			return Identity{}, ErrNotLoggedIn
		}
	}
	return IdentityFromToken(t.AccessToken)
}

// Chat 打开实时通道并进入交互式会话，直到用户退出或会话终止。
func (a *App) Chat(ctx context.Context, id Identity) error {
	wsURL, err := a.cfg.RealtimeURL()
	if err != nil {
		return err
	}
	dialer := &realtime.WSDialer{URL: wsURL, HandshakeTimeout: a.cfg.HandshakeTimeout, PingInterval: a.cfg.PingInterval}
	ch := realtime.New(dialer, a.refresher, realtime.Options{
		Role:        id.Role,
		ViewerID:    id.UserID,
		MaxAttempts: a.cfg.ReconnectAttempts,
		RetryDelay:  a.cfg.ReconnectDelay,
		Marker:      a.client,
		Logger:      a.log,
	})
	defer ch.Close()

	r := newRenderer(a.out)
	opts := session.Options{Loader: a.client, Marker: a.client, Logger: a.log, OnChange: r.Render}

	var sess session.Orchestrator
	if id.IsAdmin() {
		sess = session.NewAdminSession(ch, id.UserID, opts)
	} else {
		adminID := a.cfg.AdminID
		if adminID == 0 {
			admin, err := a.client.GetAdmin(ctx)
			if err != nil {
				return fmt.Errorf("look up admin: %w", err)
			}
			adminID = admin.ID
		}
		sess = session.NewUserSession(ch, id.UserID, adminID, opts)
	}
	defer sess.Close()

	sess.Start()
	a.refresher.Start()
	ch.Open()
	fmt.Fprintln(a.out, "type /help for commands")
	return runChat(ctx, sess, r.Ended(), a.in, a.out)
}
