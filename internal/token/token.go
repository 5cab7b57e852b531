// Package token 管理客户端访问令牌的生命周期：存储、到期前静默刷新与变更通知。
package token

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrAuthExpired 表示服务端认为当前凭证已失效（实时通道或 REST 均可能返回）。
	ErrAuthExpired = errors.New("authentication expired")
	// ErrSessionEnded 表示刷新失败，会话终止，调用方需要重新登录。
	ErrSessionEnded = errors.New("session ended, re-authentication required")
)

type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Store 只保存当前令牌。Get 不允许阻塞，Set 必须整体替换。
type Store interface {
	Get() (Token, bool)
	Set(Token) error
	Clear() error
}

// MemoryStore 是进程内实现。
type MemoryStore struct {
	cur atomic.Pointer[Token]
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get() (Token, bool) {
	t := s.cur.Load()
	if t == nil {
		return Token{}, false
	}
	return *t, true
}

func (s *MemoryStore) Set(t Token) error {
	s.cur.Store(&t)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.cur.Store(nil)
	return nil
}
