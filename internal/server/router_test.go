package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointchat/internal/auth"
	"pointchat/internal/config"
	"pointchat/internal/models"
	"pointchat/internal/service"
	"pointchat/internal/ws"
)

const testSecret = "router-test-secret"

// fakeAccounts 在内存中模拟账号与 refresh token 旋转。
type fakeAccounts struct {
	mu       sync.Mutex
	ttl      time.Duration
	users    map[string]models.User
	pass     map[string]string
	refresh  map[string]uint
	nextUser uint
	nextRT   int
}

func newFakeAccounts() *fakeAccounts {
	f := &fakeAccounts{
		ttl:     time.Minute,
		users:   map[string]models.User{},
		pass:    map[string]string{},
		refresh: map[string]uint{},
	}
	f.add("root", "rootpass", models.RoleAdmin)
	return f
}

func (f *fakeAccounts) add(name, pw, role string) models.User {
	f.nextUser++
	u := models.User{ID: f.nextUser, Username: name, Role: role}
	f.users[name] = u
	f.pass[name] = pw
	return u
}

func (f *fakeAccounts) issue(u models.User) (*service.AuthResult, error) {
	at, exp, err := auth.GenerateAccessToken(u.ID, u.Role, testSecret, f.ttl)
	if err != nil {
		return nil, err
	}
	f.nextRT++
	rt := fmt.Sprintf("rt-%d", f.nextRT)
	f.refresh[rt] = u.ID
	return &service.AuthResult{AccessToken: at, ExpiresAt: exp, RefreshToken: rt, RefreshExpiresAt: time.Now().Add(time.Hour), User: u}, nil
}

func (f *fakeAccounts) Register(username, password string) (*service.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[username]; ok {
		return nil, service.ErrUsernameTaken
	}
	return f.issue(f.add(username, password, models.RoleUser))
}

func (f *fakeAccounts) Login(username, password string) (*service.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok || f.pass[username] != password {
		return nil, service.ErrInvalidCredentials
	}
	return f.issue(u)
}

func (f *fakeAccounts) Refresh(rt string) (*service.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.refresh[rt]
	if !ok {
		return nil, service.ErrInvalidRefresh
	}
	delete(f.refresh, rt)
	for _, u := range f.users {
		if u.ID == id {
			return f.issue(u)
		}
	}
	return nil, service.ErrInvalidRefresh
}

func (f *fakeAccounts) Logout(rt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, rt)
	return nil
}

func (f *fakeAccounts) Get(id uint) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, service.ErrUserNotFound
}

func (f *fakeAccounts) Admin() (models.Peer, error) {
	return models.Peer{ID: 1, Username: "root"}, nil
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

func (f *fakeMessages) MarkRead(viewerID, id uint) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.stored {
		if m.ID != id {
			continue
		}
		if m.ReceiverID != viewerID {
			return models.Message{}, service.ErrForbidden
		}
		f.stored[i].IsRead = true
		return f.stored[i], nil
	}
	return models.Message{}, service.ErrMessageNotFound
}

func (f *fakeMessages) Directory(adminID uint) ([]models.Peer, error) {
	return []models.Peer{}, nil
}

func testConfig() config.Config {
	return config.Config{Env: "dev", Server: config.ServerConfig{JWTSecret: testSecret}}
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeAccounts, *fakeMessages) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	accounts, msgs := newFakeAccounts(), &fakeMessages{}
	return SetupRouter(testConfig(), hub, accounts, msgs, nil), accounts, msgs
}

func doJSON(r http.Handler, method, path, bearer string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func refreshCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == RefreshCookie {
			return c
		}
	}
	t.Fatalf("response has no %s cookie", RefreshCookie)
	return nil
}

type authBody struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        struct {
		ID       uint   `json:"id"`
		Username string `json:"username"`
		Role     string `json:"role"`
	} `json:"user"`
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(r, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthFlow_RegisterRefreshLogout(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/auth/register", "", credentials{Username: "bob", Password: "secret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body authBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "bob", body.User.Username)
	assert.Equal(t, models.RoleUser, body.User.Role)
	cookie := refreshCookie(t, w)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/api/v1/auth", cookie.Path)

	w = doJSON(r, http.MethodPost, "/api/v1/auth/register", "", credentials{Username: "bob", Password: "secret"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/auth/refresh-token", "", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rotated := refreshCookie(t, w)
	assert.NotEqual(t, cookie.Value, rotated.Value)

	// 旧 cookie 已失效
	w = doJSON(r, http.MethodPost, "/api/v1/auth/refresh-token", "", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/auth/logout", "", nil, rotated)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(r, http.MethodPost, "/api/v1/auth/refresh-token", "", nil, rotated)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/auth/refresh-token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidationAndCredentials(t *testing.T) {
	r, _, _ := newTestRouter(t)
	tests := []struct {
		name string
		path string
		body any
		code int
	}{
		{"empty payload", "/api/v1/auth/login", credentials{}, http.StatusBadRequest},
		{"short username", "/api/v1/auth/register", credentials{Username: "a", Password: "secret"}, http.StatusBadRequest},
		{"short password", "/api/v1/auth/register", credentials{Username: "abc", Password: "x"}, http.StatusBadRequest},
		{"wrong password", "/api/v1/auth/login", credentials{Username: "root", Password: "nope"}, http.StatusUnauthorized},
		{"admin login", "/api/v1/auth/login", credentials{Username: "root", Password: "rootpass"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, tt.path, "", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestAuthedRoutes(t *testing.T) {
	r, accounts, msgs := newTestRouter(t)
	admin, err := accounts.Login("root", "rootpass")
	require.NoError(t, err)
	user, err := accounts.Register("bob", "secret")
	require.NoError(t, err)

	expired, _, err := auth.GenerateAccessToken(user.User.ID, models.RoleUser, testSecret, -time.Minute)
	require.NoError(t, err)
	w := doJSON(r, http.MethodGet, "/api/v1/users/admin", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"jwt expired"}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/api/v1/users/admin", user.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"admin":{"id":1,"username":"root"}}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/api/v1/messages/conversations", user.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSON(r, http.MethodGet, "/api/v1/messages/conversations", admin.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conversations":[]}`, w.Body.String())

	m, err := msgs.Create(user.User.ID, 1, "hello")
	require.NoError(t, err)

	w = doJSON(r, http.MethodGet, "/api/v1/messages/conversation/1", user.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "hello", hist.Messages[0].Content)

	w = doJSON(r, http.MethodGet, "/api/v1/messages/conversation/abc", user.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	path := fmt.Sprintf("/api/v1/messages/%d", m.ID)
	w = doJSON(r, http.MethodPatch, path, user.AccessToken, map[string]bool{"isRead": true})
	assert.Equal(t, http.StatusForbidden, w.Code, "sender cannot mark own message")
	w = doJSON(r, http.MethodPatch, path, admin.AccessToken, map[string]bool{"isRead": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPatch, path, admin.AccessToken, map[string]bool{"isRead": true})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(r, http.MethodPatch, "/api/v1/messages/999", admin.AccessToken, map[string]bool{"isRead": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
