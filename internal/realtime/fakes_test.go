package realtime

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"pointchat/internal/models"
	"pointchat/internal/token"
	"pointchat/internal/wire"
)

type frame struct {
	env wire.Envelope
	err error
}

type fakeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []wire.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read() (wire.Envelope, error) {
	select {
	case f := <-c.in:
		return f.env, f.err
	case <-c.closed:
		return wire.Envelope{}, io.EOF
	}
}

func (c *fakeConn) Write(env wire.Envelope) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Written() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Envelope(nil), c.written...)
}

func (c *fakeConn) push(t interface{ Fatalf(string, ...any) }, event string, payload any) {
	env, err := wire.New(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	c.in <- frame{env: env}
}

// fakeDialer 按调用顺序交给 script 决定每次拨号的结果。
type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	script func(n int, tok string) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, tok string) (Conn, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, tok)
	n := len(d.tokens)
	d.mu.Unlock()
	return d.script(n, tok)
}

func (d *fakeDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

type fakeAuth struct {
	mu      sync.Mutex
	cur     token.Token
	has     bool
	subs    map[int]func(token.Event)
	next    int
	refresh func() (token.Token, error)
	calls   atomic.Int32
}

func newFakeAuth(tok string) *fakeAuth {
	a := &fakeAuth{subs: map[int]func(token.Event){}}
	if tok != "" {
		a.cur = validToken(tok)
		a.has = true
	}
	return a
}

func validToken(s string) token.Token {
	return token.Token{AccessToken: s, ExpiresAt: time.Now().Add(time.Hour)}
}

func (a *fakeAuth) Current() (token.Token, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur, a.has
}

// RefreshNow 与真实刷新器一致：成功时先广播 Renewed 再返回。
func (a *fakeAuth) RefreshNow(ctx context.Context) (token.Token, error) {
	a.calls.Add(1)
	t, err := a.refresh()
	if err != nil {
		a.set(token.Token{}, false)
		a.publish(token.Event{Kind: token.SessionEnded, Err: err})
		return token.Token{}, err
	}
	a.set(t, true)
	a.publish(token.Event{Kind: token.Renewed, Token: t})
	return t, nil
}

func (a *fakeAuth) set(t token.Token, ok bool) {
	a.mu.Lock()
	a.cur, a.has = t, ok
	a.mu.Unlock()
}

func (a *fakeAuth) Subscribe(fn func(token.Event)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := a.next
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *fakeAuth) publish(ev token.Event) {
	a.mu.Lock()
	fns := make([]func(token.Event), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type fakeMarker struct {
	mu  sync.Mutex
	ids []uint
}

func (m *fakeMarker) MarkMessageRead(ctx context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	return nil
}

func (m *fakeMarker) IDs() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint(nil), m.ids...)
}

// events 收集回调，便于断言。
type events struct {
	mu        sync.Mutex
	states    []State
	messages  []models.Message
	peers     [][]models.Peer
	history   map[uint][]models.Message
	rejected  []*CommandRejectedError
	offline   int
	ended     int
	endedErrs []error
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnState: func(s Status) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.states = append(e.states, s.State)
		},
		OnMessage: func(m models.Message) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.messages = append(e.messages, m)
		},
		OnDirectory: func(p []models.Peer) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.peers = append(e.peers, p)
		},
		OnHistory: func(otherID uint, msgs []models.Message) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.history == nil {
				e.history = map[uint][]models.Message{}
			}
			e.history[otherID] = msgs
		},
		OnRejected: func(err *CommandRejectedError) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.rejected = append(e.rejected, err)
		},
		OnOffline: func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.offline++
		},
		OnSessionEnded: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.ended++
			e.endedErrs = append(e.endedErrs, err)
		},
	}
}

func (e *events) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Message(nil), e.messages...)
}

func (e *events) States() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.states...)
}

func (e *events) counts() (offline, ended int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offline, e.ended
}

func (e *events) History(otherID uint) ([]models.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.history[otherID]
	return m, ok
}

func decodeData[T any](env wire.Envelope) T {
	var v T
	_ = json.Unmarshal(env.Data, &v)
	return v
}
