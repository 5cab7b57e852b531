package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pointchat/internal/metrics"
)

const (
	DefaultSkew    = 10 * time.Second
	DefaultTimeout = 15 * time.Second
)

// Source 是刷新令牌的外部协作者（REST 的 refresh 接口）。
type Source interface {
	RefreshAccessToken(ctx context.Context) (Token, error)
}

type EventKind int

const (
	Renewed EventKind = iota + 1
	SessionEnded
)

func (k EventKind) String() string {
	switch k {
	case Renewed:
		return "renewed"
	case SessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Event 通知依赖方令牌已更新或会话已结束。
type Event struct {
	Kind  EventKind
	Token Token
	Err   error
}

// Clock 抽象计时器，测试可注入假时钟。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Option func(*Refresher)

// WithSkew 设置提前刷新的安全余量。
func WithSkew(d time.Duration) Option { return func(r *Refresher) { r.skew = d } }

func WithClock(c Clock) Option { return func(r *Refresher) { r.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(r *Refresher) { r.log = l } }

// WithTimeout 限制单次刷新网络请求的耗时。
func WithTimeout(d time.Duration) Option { return func(r *Refresher) { r.timeout = d } }

// Refresher 是 Store 唯一的写入方：定时在到期前刷新，刷新是 single-flight 的，
// 成功后更新存储、重新布置计时器并通知订阅者；失败则清空存储并宣告会话结束，不做重试。
type Refresher struct {
	store   Store
	source  Source
	skew    time.Duration
	timeout time.Duration
	clock   Clock
	log     zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	timer    Timer
	timerSeq uint64
	epoch    uint64
	stopped  bool

	subsMu sync.RWMutex
	subs   map[uint64]func(Event)
	nextID uint64
}

func NewRefresher(store Store, source Source, opts ...Option) *Refresher {
	r := &Refresher{
		store:   store,
		source:  source,
		skew:    DefaultSkew,
		timeout: DefaultTimeout,
		clock:   systemClock{},
		log:     zerolog.Nop(),
		subs:    make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current 返回存储中的令牌，不阻塞。
func (r *Refresher) Current() (Token, bool) { return r.store.Get() }

// Start 根据已持久化的令牌布置刷新计时器（进程重启后恢复）。
func (r *Refresher) Start() {
	if t, ok := r.store.Get(); ok {
		r.ScheduleRefresh(t.ExpiresAt)
	}
}

// ScheduleRefresh 取消已有计时器后，在 expiresAt-skew 处布置新的计时器。
func (r *Refresher) ScheduleRefresh(expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked(expiresAt)
}

func (r *Refresher) scheduleLocked(expiresAt time.Time) {
	r.disarmLocked()
	if r.stopped {
		return
	}
	d := expiresAt.Sub(r.clock.Now()) - r.skew
	if d < 0 {
		d = 0
	}
	r.timerSeq++
	seq := r.timerSeq
	r.timer = r.clock.AfterFunc(d, func() { r.onTimer(seq) })
	r.log.Debug().Dur("in", d).Time("expires_at", expiresAt).Msg("token refresh scheduled")
}

func (r *Refresher) disarmLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Refresher) onTimer(seq uint64) {
	r.mu.Lock()
	if seq != r.timerSeq || r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.RefreshNow(ctx); err != nil {
		r.log.Warn().Err(err).Msg("scheduled token refresh failed")
	}
}

// RefreshNow 立即刷新。并发调用共享同一次网络请求及其结果；
// 调用方 ctx 取消只影响自己的等待，不会中断进行中的刷新。
func (r *Refresher) RefreshNow(ctx context.Context) (Token, error) {
	ch := r.group.DoChan("refresh", func() (any, error) { return r.refresh() })
	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

func (r *Refresher) refresh() (Token, error) {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	tok, err := r.source.RefreshAccessToken(ctx)
	if err == nil && tok.AccessToken == "" {
		err = errors.New("refresh returned empty access token")
	}

	r.mu.Lock()
	if r.epoch != epoch {
		// 刷新期间已重新登录或登出，结果作废，以存储中的令牌为准。
		cur, ok := r.store.Get()
		r.mu.Unlock()
		if ok {
			return cur, nil
		}
		return Token{}, ErrSessionEnded
	}
	if err != nil {
		r.endLocked()
		r.mu.Unlock()
		metrics.TokenRefreshTotal.WithLabelValues("failure").Inc()
		r.log.Error().Err(err).Msg("token refresh failed, ending session")
		r.publish(Event{Kind: SessionEnded, Err: err})
		return Token{}, fmt.Errorf("%w: %w", ErrSessionEnded, err)
	}
	r.commitLocked(tok)
	r.mu.Unlock()

	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	r.publish(Event{Kind: Renewed, Token: tok})
	return tok, nil
}

// Adopt 接收登录/注册成功得到的令牌。
func (r *Refresher) Adopt(t Token) {
	r.mu.Lock()
	r.epoch++
	r.commitLocked(t)
	r.mu.Unlock()
	r.publish(Event{Kind: Renewed, Token: t})
}

// commitLocked 写入令牌并重新布置计时器，与 epoch 检查处于同一临界区。
func (r *Refresher) commitLocked(t Token) {
	if err := r.store.Set(t); err != nil {
		r.log.Warn().Err(err).Msg("token persisted only in memory")
	}
	r.scheduleLocked(t.ExpiresAt)
}

// End 用于登出：清空令牌、取消计时器并通知会话结束。
func (r *Refresher) End() { r.end(nil) }

func (r *Refresher) end(cause error) {
	r.mu.Lock()
	r.endLocked()
	r.mu.Unlock()
	r.publish(Event{Kind: SessionEnded, Err: cause})
}

func (r *Refresher) endLocked() {
	r.epoch++
	r.disarmLocked()
	if err := r.store.Clear(); err != nil {
		r.log.Warn().Err(err).Msg("clear token")
	}
}

// Stop 停止计时器，用于进程退出；不清除已保存的令牌。
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.disarmLocked()
}

// Subscribe 注册事件回调，返回的函数用于取消订阅。
func (r *Refresher) Subscribe(fn func(Event)) func() {
	r.subsMu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.subsMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
		})
	}
}

func (r *Refresher) publish(ev Event) {
	r.subsMu.RLock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
