package session

import (
	"pointchat/internal/models"
	"pointchat/internal/realtime"
)

// UserSession 是普通用户与固定管理员之间的单会话编排，没有目录概念。
type UserSession struct {
	*base
	viewerID uint
	adminID  uint
}

var _ Orchestrator = (*UserSession)(nil)

func NewUserSession(ch Channel, viewerID, adminID uint, opts Options) *UserSession {
	s := &UserSession{base: newBase(ch, viewerID, opts), viewerID: viewerID, adminID: adminID}
	s.active = adminID
	s.log = s.log.With().Str("component", "user_session").Uint("admin_id", adminID).Logger()
	return s
}

// Start 订阅通道事件；通道已连接时立即请求历史。
func (s *UserSession) Start() {
	s.startOnce.Do(func() {
		s.unsubscribe = s.ch.Subscribe(realtime.Handlers{
			OnState:        s.handleState,
			OnMessage:      s.handleMessage,
			OnHistory:      s.handleHistory,
			OnRejected:     s.onRejected,
			OnSessionEnded: s.onSessionEnded,
		})
		s.seed(s.adminID)
		s.handleState(s.ch.Status())
	})
}

func (s *UserSession) Close() { s.close() }

func (s *UserSession) Send(content string) error { return s.send(content) }

// SelectConversation 只接受固定的管理员 ID；传 0 清空当前时间线。
func (s *UserSession) SelectConversation(otherID uint) error {
	if otherID != 0 && otherID != s.adminID {
		return ErrNoConversation
	}
	s.mu.Lock()
	if s.active == otherID {
		s.mu.Unlock()
		return nil
	}
	s.active = otherID
	if otherID != 0 {
		s.agg.Reset(otherID)
	}
	s.mu.Unlock()
	if otherID != 0 {
		s.requestHistory(otherID)
		s.seed(otherID)
	}
	s.notify()
	return nil
}

func (s *UserSession) handleState(st realtime.Status) {
	if !s.onState(st) {
		return
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != 0 {
		s.requestHistory(active)
	}
}

func (s *UserSession) handleMessage(m models.Message) {
	if !m.Between(s.viewerID, s.adminID) {
		s.log.Debug().Uint("message_id", m.ID).Msg("ignoring message outside the admin conversation")
		return
	}
	s.mu.Lock()
	s.agg.AddLive(m)
	s.mu.Unlock()
	s.notify()
}

func (s *UserSession) handleHistory(otherID uint, msgs []models.Message) {
	s.mu.Lock()
	if otherID != s.adminID || s.active != s.adminID {
		s.mu.Unlock()
		return
	}
	s.agg.ReplaceHistory(otherID, msgs)
	s.mu.Unlock()
	s.notify()
}
