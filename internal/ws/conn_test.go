package ws

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointchat/internal/auth"
	"pointchat/internal/models"
	"pointchat/internal/service"
	"pointchat/internal/wire"
)

const testSecret = "ws-test-secret"

type fakeUsers struct{ users map[uint]models.User }

func (f fakeUsers) Get(id uint) (models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return models.User{}, service.ErrUserNotFound
	}
	return u, nil
}

func (f fakeUsers) Admin() (models.Peer, error) {
	for _, u := range f.users {
		if u.Role == models.RoleAdmin {
			return models.Peer{ID: u.ID, Username: u.Username}, nil
		}
	}
	return models.Peer{}, service.ErrNoAdmin
}

type fakeMessages struct {
	mu     sync.Mutex
	nextID uint
	stored []models.Message
}

func (f *fakeMessages) Create(senderID, receiverID uint, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if senderID != 1 && receiverID != 1 {
		return models.Message{}, service.ErrForbidden
	}
	f.nextID++
	m := models.Message{ID: f.nextID, SenderID: senderID, ReceiverID: receiverID, Content: content, CreatedAt: time.Now()}
	f.stored = append(f.stored, m)
	return m, nil
}

func (f *fakeMessages) Conversation(viewerID, otherID uint, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.stored {
		if m.Between(viewerID, otherID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) Directory(adminID uint) ([]models.Peer, error) {
	return []models.Peer{{ID: 2, Username: "bob"}}, nil
}

type harness struct {
	hub *Hub
	srv *httptest.Server
	url string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	deps := Deps{
		Secret: testSecret,
		Users: fakeUsers{users: map[uint]models.User{
			1: {ID: 1, Username: "root", Role: models.RoleAdmin},
			2: {ID: 2, Username: "bob", Role: models.RoleUser},
		}},
		Messages:     &fakeMessages{},
		PingInterval: time.Second,
	}
	r := gin.New()
	r.GET("/chat", Serve(hub, deps))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &harness{hub: hub, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"}
}

func (h *harness) dial(t *testing.T, userID uint, role string, ttl time.Duration) *websocket.Conn {
	t.Helper()
	tok, _, err := auth.GenerateAccessToken(userID, role, testSecret, ttl)
	require.NoError(t, err)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(h.url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	waitOnline(t, h.hub, userID, 1)
	return conn
}

func sendCmd(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := wire.New(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readEvent(t *testing.T, conn *websocket.Conn) wire.ServerEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wire.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	ev, err := wire.DecodeServerEvent(env)
	require.NoError(t, err)
	return ev
}

func TestServe_RejectsBadHandshake(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, _, err := auth.GenerateAccessToken(2, models.RoleUser, testSecret, -time.Minute)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(h.url+"?token="+tok, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), wire.AuthExpiredReason)
}

func TestServe_MessageReachesBothSides(t *testing.T) {
	h := newHarness(t)
	admin := h.dial(t, 1, models.RoleAdmin, time.Minute)
	user := h.dial(t, 2, models.RoleUser, time.Minute)

	sendCmd(t, user, wire.CmdMessage, wire.SendMessage{ReceiverID: 1, Content: "hi admin"})

	for _, conn := range []*websocket.Conn{admin, user} {
		ev := readEvent(t, conn)
		me, ok := ev.(wire.MessageEvent)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, "hi admin", me.Message.Content)
		assert.Equal(t, uint(2), me.Message.SenderID)
	}

	sendCmd(t, user, wire.CmdGetUserConversationWithAdmin, nil)
	ev := readEvent(t, user)
	hist, ok := ev.(wire.HistoryEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, wire.EventUserConversationHistory, hist.Event)
	assert.Len(t, hist.Messages, 1)

	sendCmd(t, admin, wire.CmdLoadConversation, wire.LoadConversation{UserID: 2})
	ev = readEvent(t, admin)
	hist, ok = ev.(wire.HistoryEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, wire.EventConversationHistory, hist.Event)
	assert.Len(t, hist.Messages, 1)

	sendCmd(t, admin, wire.CmdGetConversations, nil)
	ev = readEvent(t, admin)
	dir, ok := ev.(wire.DirectoryEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, []models.Peer{{ID: 2, Username: "bob"}}, dir.Peers)
}

func TestServe_RejectedCommands(t *testing.T) {
	h := newHarness(t)
	user := h.dial(t, 2, models.RoleUser, time.Minute)

	tests := []struct {
		event   string
		payload any
		message string
	}{
		{wire.CmdGetConversations, nil, "admin only"},
		{wire.CmdLoadConversation, wire.LoadConversation{UserID: 1}, "admin only"},
		{"typing", nil, "unknown command"},
		{wire.CmdMessage, wire.SendMessage{ReceiverID: 1}, "invalid payload"},
		{wire.CmdMessage, wire.SendMessage{ReceiverID: 3, Content: "x"}, "forbidden"},
	}
	for _, tt := range tests {
		sendCmd(t, user, tt.event, tt.payload)
		ev := readEvent(t, user)
		e, ok := ev.(wire.ErrorEvent)
		require.True(t, ok, "%s: got %T", tt.event, ev)
		assert.Equal(t, tt.event, e.Command)
		assert.Equal(t, tt.message, e.Message)
	}
}

func TestServe_ClosesWithAuthExpiredCode(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, 2, models.RoleUser, 2*time.Second)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, wire.CloseAuthExpired, ce.Code)
	assert.Equal(t, wire.AuthExpiredReason, ce.Text)
	waitOnline(t, h.hub, 2, 0)
}
