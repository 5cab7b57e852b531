package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pointchat/internal/metrics"
	"pointchat/internal/models"
	"pointchat/internal/token"
	"pointchat/internal/wire"
)

// Authenticator 是通道对令牌刷新器的依赖。
type Authenticator interface {
	Current() (token.Token, bool)
	RefreshNow(ctx context.Context) (token.Token, error)
	Subscribe(fn func(token.Event)) func()
}

// ReadMarker 是"标记已读"的 REST 协作方。
type ReadMarker interface {
	MarkMessageRead(ctx context.Context, messageID uint) error
}

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 2 * time.Second
	markReadTimeout    = 5 * time.Second
)

type Options struct {
	// Role 决定历史请求使用的命令，取值 models.RoleUser 或 models.RoleAdmin。
	Role     string
	ViewerID uint

	MaxAttempts int
	RetryDelay  time.Duration

	Marker ReadMarker
	Logger zerolog.Logger
	// Now 仅用于判断令牌是否仍然有效，测试可替换。
	Now func() time.Time
}

// 事件循环内部消息，均携带所属连接的代数。
type (
	tokenChanged struct{ ev token.Event }
	dialResult   struct {
		gen    uint64
		connID string
		conn   Conn
		err    error
	}
	inbound struct {
		gen uint64
		env wire.Envelope
		err error
	}
	connClosed struct {
		gen uint64
		err error
	}
	retryFire     struct{ gen uint64 }
	refreshResult struct {
		seq uint64
		tok token.Token
		err error
	}
)

// Channel 拥有唯一的底层连接及其重连、刷新计时器。所有状态迁移都在单个事件循环 goroutine 中完成，
// 命令方法可以在任意 goroutine（包括回调内）调用。
type Channel struct {
	dialer Dialer
	auth   Authenticator
	opts   Options
	log    zerolog.Logger

	events chan any
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	openOnce    sync.Once
	closeOnce   sync.Once
	unsubscribe func()

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	offline   bool
	conn      Conn
	connID    string
	gen       uint64
	connToken string
	// refreshed 是刷新得到但尚未成功连接过的令牌，再次遇到过期即为终态。
	refreshed  string
	refreshSeq uint64
	attempts   int
	retry      *time.Timer
	pending    []uint

	subMu  sync.RWMutex
	subs   map[uint64]Handlers
	nextID uint64
}

func New(dialer Dialer, auth Authenticator, opts Options) *Channel {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Role == "" {
		opts.Role = models.RoleUser
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		dialer: dialer,
		auth:   auth,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "realtime").Uint("viewer", opts.ViewerID).Logger(),
		events: make(chan any, 256),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]Handlers),
	}
}

// Open 启动事件循环并订阅令牌变化；若已有有效令牌立即开始连接。
func (c *Channel) Open() {
	c.openOnce.Do(func() {
		c.unsubscribe = c.auth.Subscribe(func(ev token.Event) { c.post(tokenChanged{ev: ev}) })
		c.wg.Add(1)
		go c.loop()
		if t, ok := c.auth.Current(); ok {
			c.post(tokenChanged{ev: token.Event{Kind: token.Renewed, Token: t}})
		}
	})
}

// Close 拆除连接、取消重连计时器并清空所有订阅，之后不会再有任何回调。
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.cancel()
		c.mu.Lock()
		c.teardownLocked()
		c.state = Disconnected
		c.mu.Unlock()
		c.wg.Wait()
		c.subMu.Lock()
		clear(c.subs)
		c.subMu.Unlock()
	})
}

// Subscribe 注册一组回调，返回的函数用于确定性地取消订阅。
func (c *Channel) Subscribe(h Handlers) func() {
	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = h
	c.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Offline: c.offline}
}

func (c *Channel) ViewerID() uint { return c.opts.ViewerID }

// Send 发送一条消息，不等待送达确认。未连接时同步返回 ErrNotConnected，不排队。
func (c *Channel) Send(receiverID uint, content string) error {
	env, err := wire.New(wire.CmdMessage, wire.SendMessage{ReceiverID: receiverID, Content: content})
	if err != nil {
		return err
	}
	return c.emit(env, 0, false)
}

// RequestDirectory 请求管理员会话目录，结果通过 OnDirectory 异步到达。
func (c *Channel) RequestDirectory() error {
	if c.opts.Role != models.RoleAdmin {
		return ErrNotAdmin
	}
	env, _ := wire.New(wire.CmdGetConversations, nil)
	return c.emit(env, 0, false)
}

// RequestHistory 请求与 otherID 的历史，结果通过 OnHistory(otherID, ...) 异步到达。
// 普通用户只有固定的对方，otherID 仅用于结果归属。
func (c *Channel) RequestHistory(otherID uint) error {
	var (
		env wire.Envelope
		err error
	)
	if c.opts.Role == models.RoleAdmin {
		env, err = wire.New(wire.CmdLoadConversation, wire.LoadConversation{UserID: otherID})
	} else {
		env, err = wire.New(wire.CmdGetUserConversationWithAdmin, nil)
	}
	if err != nil {
		return err
	}
	return c.emit(env, otherID, true)
}

func (c *Channel) emit(env wire.Envelope, otherID uint, history bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Connected || c.conn == nil {
		offline := c.offline
		state := c.state
		c.mu.Unlock()
		c.log.Warn().Str("command", env.Event).Stringer("state", state).Msg("command dropped, channel not connected")
		if offline {
			return ErrOffline
		}
		return ErrNotConnected
	}
	conn := c.conn
	if history {
		c.pending = append(c.pending, otherID)
	}
	c.mu.Unlock()

	if err := conn.Write(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

func (c *Channel) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			switch ev := ev.(type) {
			case tokenChanged:
				c.onToken(ev.ev)
			case dialResult:
				c.onDialResult(ev)
			case inbound:
				c.onInbound(ev)
			case connClosed:
				c.onClosed(ev)
			case retryFire:
				c.onRetry(ev)
			case refreshResult:
				c.onRefreshResult(ev)
			}
		}
	}
}

func (c *Channel) onToken(ev token.Event) {
	if ev.Kind == token.SessionEnded {
		c.mu.Lock()
		c.teardownLocked()
		c.attempts = 0
		c.refreshed = ""
		c.offline = false
		st := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		c.log.Info().Err(ev.Err).Msg("session ended, channel torn down")
		c.dispatchState(st)
		c.dispatch(func(h Handlers) {
			if h.OnSessionEnded != nil {
				h.OnSessionEnded(ev.Err)
			}
		})
		return
	}

	t := ev.Token
	if !t.Valid(c.opts.Now()) {
		c.mu.Lock()
		c.teardownLocked()
		st := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		c.dispatchState(st)
		return
	}

	c.mu.Lock()
	if t.AccessToken == c.connToken && c.state != Disconnected {
		c.mu.Unlock()
		c.log.Debug().Msg("token unchanged, keeping connection")
		return
	}
	if c.state == Refreshing {
		c.refreshed = t.AccessToken
	} else {
		c.attempts = 0
	}
	st := c.connectLocked(t.AccessToken)
	c.mu.Unlock()
	c.dispatchState(st)
}

// connectLocked 拆除旧连接并在新一代上发起拨号。
func (c *Channel) connectLocked(accessToken string) Status {
	c.teardownLocked()
	c.connToken = accessToken
	c.connID = uuid.NewString()
	gen, connID := c.gen, c.connID
	st := c.setStateLocked(Connecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.dialer.Dial(c.ctx, accessToken)
		select {
		case c.events <- dialResult{gen: gen, connID: connID, conn: conn, err: err}:
		case <-c.ctx.Done():
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
	return st
}

// teardownLocked 使当前代失效：关闭连接、取消重连计时器、清空待归属的历史请求。
func (c *Channel) teardownLocked() {
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.pending = nil
}

func (c *Channel) setStateLocked(s State) Status {
	c.state = s
	return Status{State: s, Offline: c.offline}
}

func (c *Channel) onDialResult(ev dialResult) {
	c.mu.Lock()
	if ev.gen != c.gen || c.ctx.Err() != nil {
		c.mu.Unlock()
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		c.mu.Unlock()
		if errors.Is(ev.err, token.ErrAuthExpired) {
			metrics.ChannelDialTotal.WithLabelValues("auth_expired").Inc()
			c.onAuthExpired(ev.gen, ev.err)
			return
		}
		metrics.ChannelDialTotal.WithLabelValues("failure").Inc()
		c.onTransportLoss(ev.gen, ev.err)
		return
	}
	metrics.ChannelDialTotal.WithLabelValues("success").Inc()
	c.conn = ev.conn
	c.attempts = 0
	c.refreshed = ""
	c.offline = false
	st := c.setStateLocked(Connected)
	gen := c.gen
	c.mu.Unlock()

	c.log.Info().Str("conn_id", ev.connID).Msg("realtime channel connected")
	c.wg.Add(1)
	go c.readLoop(gen, ev.conn)
	c.dispatchState(st)
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	defer c.wg.Done()
	for {
		env, err := conn.Read()
		if err != nil && errors.Is(err, wire.ErrMalformed) {
			c.post(inbound{gen: gen, err: err})
			continue
		}
		if err != nil {
			c.post(connClosed{gen: gen, err: err})
			return
		}
		c.post(inbound{gen: gen, env: env})
	}
}

func (c *Channel) onClosed(ev connClosed) {
	c.mu.Lock()
	stale := ev.gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	if errors.Is(ev.err, token.ErrAuthExpired) {
		c.onAuthExpired(ev.gen, ev.err)
		return
	}
	c.onTransportLoss(ev.gen, ev.err)
}

func (c *Channel) onAuthExpired(gen uint64, cause error) {
	metrics.ChannelAuthExpiredTotal.Inc()
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.refreshed != "" && c.refreshed == c.connToken {
		// 刷新得到的令牌依旧被拒绝，不再进入刷新循环。
		c.teardownLocked()
		c.refreshed = ""
		c.offline = true
		st := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		c.log.Error().Err(cause).Msg("refreshed token rejected, giving up")
		c.dispatchState(st)
		c.dispatch(func(h Handlers) {
			if h.OnSessionEnded != nil {
				h.OnSessionEnded(cause)
			}
		})
		return
	}
	c.teardownLocked()
	c.refreshSeq++
	seq := c.refreshSeq
	st := c.setStateLocked(Refreshing)
	c.mu.Unlock()

	c.log.Info().Err(cause).Msg("access token expired, refreshing")
	c.dispatchState(st)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tok, err := c.auth.RefreshNow(c.ctx)
		c.post(refreshResult{seq: seq, tok: tok, err: err})
	}()
}

func (c *Channel) onRefreshResult(ev refreshResult) {
	c.mu.Lock()
	if ev.seq != c.refreshSeq || c.state != Refreshing {
		c.mu.Unlock()
		return
	}
	if ev.err != nil {
		c.teardownLocked()
		st := c.setStateLocked(Disconnected)
		c.mu.Unlock()
		c.log.Error().Err(ev.err).Msg("token refresh failed, channel stays disconnected")
		c.dispatchState(st)
		return
	}
	if ev.tok.AccessToken == c.connToken {
		c.mu.Unlock()
		return
	}
	c.refreshed = ev.tok.AccessToken
	st := c.connectLocked(ev.tok.AccessToken)
	c.mu.Unlock()
	c.dispatchState(st)
}

func (c *Channel) onTransportLoss(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	st := c.setStateLocked(Disconnected)
	t, ok := c.auth.Current()
	if !ok || !t.Valid(c.opts.Now()) {
		c.mu.Unlock()
		c.log.Warn().Err(cause).Msg("connection lost without a valid token")
		c.dispatchState(st)
		return
	}
	c.attempts++
	if c.attempts > c.opts.MaxAttempts {
		c.offline = true
		st.Offline = true
		c.mu.Unlock()
		c.log.Warn().Err(cause).Int("attempts", c.opts.MaxAttempts).Msg("reconnect attempts exhausted, offline")
		c.dispatchState(st)
		c.dispatch(func(h Handlers) {
			if h.OnOffline != nil {
				h.OnOffline()
			}
		})
		return
	}
	metrics.ChannelReconnectsTotal.Inc()
	retryGen := c.gen
	attempt := c.attempts
	c.retry = time.AfterFunc(c.opts.RetryDelay, func() { c.post(retryFire{gen: retryGen}) })
	c.mu.Unlock()

	c.log.Warn().Err(cause).Int("attempt", attempt).Dur("delay", c.opts.RetryDelay).Msg("connection lost, reconnecting")
	c.dispatchState(st)
}

func (c *Channel) onRetry(ev retryFire) {
	c.mu.Lock()
	if ev.gen != c.gen || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	t, ok := c.auth.Current()
	if !ok || !t.Valid(c.opts.Now()) {
		c.mu.Unlock()
		return
	}
	st := c.connectLocked(t.AccessToken)
	c.mu.Unlock()
	c.dispatchState(st)
}

func (c *Channel) onInbound(ev inbound) {
	c.mu.Lock()
	stale := ev.gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	if ev.err != nil {
		c.log.Warn().Err(ev.err).Msg("dropping unreadable frame")
		return
	}
	se, err := wire.DecodeServerEvent(ev.env)
	if err != nil {
		if isHistory(ev.env.Event) {
			// 被丢弃的历史仍然对应一个已发出的请求
			c.popPending()
		}
		c.log.Warn().Err(err).Str("event", ev.env.Event).Msg("dropping server event")
		return
	}

	switch e := se.(type) {
	case wire.MessageEvent:
		c.dispatch(func(h Handlers) {
			if h.OnMessage != nil {
				h.OnMessage(e.Message)
			}
		})
		c.markRead(e.Message)
	case wire.DirectoryEvent:
		c.dispatch(func(h Handlers) {
			if h.OnDirectory != nil {
				h.OnDirectory(e.Peers)
			}
		})
	case wire.HistoryEvent:
		otherID := c.popPending()
		if otherID == 0 && len(e.Messages) > 0 {
			otherID = e.Messages[0].Counterpart(c.opts.ViewerID)
		}
		if otherID == 0 {
			c.log.Warn().Str("event", e.Event).Msg("history without a matching request")
			return
		}
		for _, m := range e.Messages {
			if !m.Between(c.opts.ViewerID, otherID) {
				c.log.Warn().Str("event", e.Event).Uint("other_id", otherID).Uint("message_id", m.ID).
					Msg("dropping history that does not belong to the requested conversation")
				return
			}
		}
		c.dispatch(func(h Handlers) {
			if h.OnHistory != nil {
				h.OnHistory(otherID, e.Messages)
			}
		})
		for _, m := range e.Messages {
			c.markRead(m)
		}
	case wire.ErrorEvent:
		if e.Command == wire.CmdLoadConversation || e.Command == wire.CmdGetUserConversationWithAdmin {
			c.popPending()
		}
		rej := &CommandRejectedError{Command: e.Command, Reason: e.Message}
		c.log.Warn().Str("command", e.Command).Str("reason", e.Message).Msg("command rejected")
		c.dispatch(func(h Handlers) {
			if h.OnRejected != nil {
				h.OnRejected(rej)
			}
		})
	}
}

func isHistory(event string) bool {
	return event == wire.EventConversationHistory || event == wire.EventUserConversationHistory
}

func (c *Channel) popPending() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0
	}
	id := c.pending[0]
	c.pending = c.pending[1:]
	return id
}

// markRead 对别人发来的未读消息做一次尽力而为的已读回执，失败不重试。
func (c *Channel) markRead(m models.Message) {
	if c.opts.Marker == nil || m.IsRead || m.SenderID == c.opts.ViewerID {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, markReadTimeout)
		defer cancel()
		if err := c.opts.Marker.MarkMessageRead(ctx, m.ID); err != nil {
			c.log.Debug().Err(err).Uint("message_id", m.ID).Msg("mark read failed")
		}
	}()
}

func (c *Channel) dispatchState(st Status) {
	c.dispatch(func(h Handlers) {
		if h.OnState != nil {
			h.OnState(st)
		}
	})
}

func (c *Channel) dispatch(fn func(Handlers)) {
	c.subMu.RLock()
	hs := make([]Handlers, 0, len(c.subs))
	for _, h := range c.subs {
		hs = append(hs, h)
	}
	c.subMu.RUnlock()
	for _, h := range hs {
		fn(h)
	}
}
