package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointchat/internal/api"
	"pointchat/internal/auth"
	"pointchat/internal/models"
	"pointchat/internal/realtime"
	"pointchat/internal/session"
	"pointchat/internal/token"
)

func TestIdentityFromToken(t *testing.T) {
	tok, _, err := auth.GenerateAccessToken(7, models.RoleAdmin, "any-secret", time.Minute)
	require.NoError(t, err)

	id, err := IdentityFromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 7, Role: models.RoleAdmin}, id)
	assert.True(t, id.IsAdmin())

	_, err = IdentityFromToken("not-a-jwt")
	assert.Error(t, err)
}

func TestIdentityOf(t *testing.T) {
	id := identityOf(api.User{ID: 3, Username: "bob", Role: models.RoleUser})
	assert.Equal(t, Identity{UserID: 3, Role: models.RoleUser}, id)
	assert.False(t, id.IsAdmin())
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	r := bufio.NewReader(strings.NewReader("  alice \nrest"))
	got, err := Prompt(r, &out, "Username")
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
	assert.Equal(t, "Username: ", out.String())

	got, err = Prompt(r, &out, "Again")
	require.NoError(t, err)
	assert.Equal(t, "rest", got, "partial line before EOF is returned")

	_, err = Prompt(r, &out, "Empty")
	assert.Error(t, err)
}

func TestPromptPassword_NonTerminalFallsBack(t *testing.T) {
	orig := isTerminal
	isTerminal = func(int) bool { return false }
	defer func() { isTerminal = orig }()

	var out bytes.Buffer
	pw, err := PromptPassword(bufio.NewReader(strings.NewReader("s3cret\n")), &out)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)
}

func TestPromptPassword_Terminal(t *testing.T) {
	origTerm, origRead := isTerminal, readPassword
	isTerminal = func(int) bool { return true }
	readPassword = func(int) ([]byte, error) { return []byte("hidden"), nil }
	defer func() { isTerminal, readPassword = origTerm, origRead }()

	var out bytes.Buffer
	pw, err := PromptPassword(bufio.NewReader(strings.NewReader("")), &out)
	require.NoError(t, err)
	assert.Equal(t, "hidden", pw)
	assert.Equal(t, "Password: \n", out.String())
}

func TestRenderer_PrintsOnlyNewMessages(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	at := time.Date(2024, 1, 1, 10, 30, 0, 0, time.Local)
	m1 := models.Message{ID: 1, SenderID: 2, ReceiverID: 1, Content: "hi", CreatedAt: at, IsMine: true}
	m2 := models.Message{ID: 2, SenderID: 1, ReceiverID: 2, Content: "hello", CreatedAt: at}
	// 仅凭 IsMine 判断，与 SenderID 无关
	m3 := models.Message{ID: 3, SenderID: 2, ReceiverID: 1, Content: "untagged", CreatedAt: at}

	r.Render(session.View{Status: realtime.Status{State: realtime.Connected}, Active: 1, Messages: []models.Message{m1}})
	r.Render(session.View{Status: realtime.Status{State: realtime.Connected}, Active: 1, Messages: []models.Message{m1, m2}})
	r.Render(session.View{Status: realtime.Status{State: realtime.Connected}, Active: 1, Messages: []models.Message{m1, m2, m3}})

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "you: hi"))
	assert.Contains(t, text, "[10:30] #1: hello")
	assert.Contains(t, text, "[10:30] #2: untagged")
	assert.Contains(t, text, "conversation with #1")
	assert.Equal(t, 1, strings.Count(text, realtime.Connected.String()))
}

func TestRenderer_DirectoryRejectedAndEnded(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	rej := &realtime.CommandRejectedError{Command: "getConversations", Reason: "admin only"}

	r.Render(session.View{Directory: []models.Peer{{ID: 2, Username: "bob"}}, Rejected: rej})
	r.Render(session.View{Directory: []models.Peer{{ID: 2, Username: "bob"}}, Rejected: rej})
	r.Render(session.View{Status: realtime.Status{Offline: true}, SessionEnded: true})
	r.Render(session.View{Status: realtime.Status{Offline: true}, SessionEnded: true})

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "#2 bob"))
	assert.Equal(t, 1, strings.Count(text, "admin only"))
	assert.Contains(t, text, "offline")
	assert.Equal(t, 1, strings.Count(text, "session ended"))
	select {
	case <-r.Ended():
	default:
		t.Fatal("Ended channel should be closed")
	}
}

type fakeSession struct {
	mu       sync.Mutex
	sent     []string
	selected []uint
	sendErr  error
}

func (f *fakeSession) Send(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeSession) SelectConversation(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, id)
	return nil
}

type fakeAdminSession struct {
	fakeSession
	refreshed int
}

func (f *fakeAdminSession) RefreshDirectory() error {
	f.refreshed++
	return nil
}

func TestRunChat_Commands(t *testing.T) {
	s := &fakeAdminSession{}
	var out bytes.Buffer
	in := strings.NewReader("hello\n\n/open 5\n/open x\n/list\n/bogus\nbye\n/quit\nnever sent\n")

	err := runChat(context.Background(), s, make(chan struct{}), in, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "bye"}, s.sent)
	assert.Equal(t, []uint{5}, s.selected)
	assert.Equal(t, 1, s.refreshed)
	assert.Contains(t, out.String(), "usage: /open <id>")
	assert.Contains(t, out.String(), "unknown command /bogus")
}

func TestRunChat_UserHasNoDirectory(t *testing.T) {
	s := &fakeSession{sendErr: realtime.ErrOffline}
	var out bytes.Buffer
	err := runChat(context.Background(), s, make(chan struct{}), strings.NewReader("/list\nhi\n"), &out)
	require.NoError(t, err, "EOF ends the loop")
	assert.Contains(t, out.String(), "only admins")
	assert.Contains(t, out.String(), "offline, message not sent")
}

func TestRunChat_StopsWhenSessionEnds(t *testing.T) {
	ended := make(chan struct{})
	close(ended)
	pr, pw := io.Pipe()
	defer pw.Close()
	err := runChat(context.Background(), &fakeSession{}, ended, pr, &bytes.Buffer{})
	assert.True(t, errors.Is(err, token.ErrSessionEnded))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "not connected yet, message not sent", describe(realtime.ErrNotConnected))
	assert.Equal(t, "no conversation selected, use /open <id>", describe(session.ErrNoConversation))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}
