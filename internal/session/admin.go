package session

import (
	"errors"
	"slices"

	"pointchat/internal/models"
	"pointchat/internal/realtime"
)

// AdminSession 是管理员的多会话编排：连接后拉取目录，选中某个用户后拉取该会话历史。
type AdminSession struct {
	*base
}

var _ Orchestrator = (*AdminSession)(nil)

func NewAdminSession(ch Channel, viewerID uint, opts Options) *AdminSession {
	s := &AdminSession{base: newBase(ch, viewerID, opts)}
	s.log = s.log.With().Str("component", "admin_session").Logger()
	return s
}

func (s *AdminSession) Start() {
	s.startOnce.Do(func() {
		s.unsubscribe = s.ch.Subscribe(realtime.Handlers{
			OnState:        s.handleState,
			OnMessage:      s.handleMessage,
			OnDirectory:    s.handleDirectory,
			OnHistory:      s.handleHistory,
			OnRejected:     s.onRejected,
			OnSessionEnded: s.handleSessionEnded,
		})
		s.handleState(s.ch.Status())
	})
}

func (s *AdminSession) Close() { s.close() }

func (s *AdminSession) Send(content string) error { return s.send(content) }

// SelectConversation 对当前会话重复调用是空操作；传 0 清空当前时间线。
// 切换会话时先清空新会话的旧数据，直到新的历史到达。
func (s *AdminSession) SelectConversation(otherID uint) error {
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

// RefreshDirectory 手动重新拉取目录。
func (s *AdminSession) RefreshDirectory() error {
	return s.ch.RequestDirectory()
}

func (s *AdminSession) handleState(st realtime.Status) {
	if !s.onState(st) {
		return
	}
	if err := s.ch.RequestDirectory(); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		s.log.Warn().Err(err).Msg("request directory")
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != 0 {
		s.requestHistory(active)
	}
}

func (s *AdminSession) handleDirectory(peers []models.Peer) {
	s.mu.Lock()
	s.directory = slices.Clone(peers)
	s.mu.Unlock()
	s.notify()
}

func (s *AdminSession) handleHistory(otherID uint, msgs []models.Message) {
	s.mu.Lock()
	if otherID != s.active {
		s.mu.Unlock()
		s.log.Debug().Uint("other_id", otherID).Msg("discarding history for inactive conversation")
		return
	}
	s.agg.ReplaceHistory(otherID, msgs)
	s.mu.Unlock()
	s.notify()
}

// handleMessage 记录所有会话的实时消息；来自目录外用户的消息会触发目录刷新。
func (s *AdminSession) handleMessage(m models.Message) {
	s.mu.Lock()
	other := s.agg.AddLive(m)
	known := slices.ContainsFunc(s.directory, func(p models.Peer) bool { return p.ID == other })
	s.mu.Unlock()
	if !known {
		if err := s.ch.RequestDirectory(); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			s.log.Warn().Err(err).Msg("request directory")
		}
	}
	s.notify()
}

func (s *AdminSession) handleSessionEnded(err error) {
	s.mu.Lock()
	s.active = 0
	s.mu.Unlock()
	s.onSessionEnded(err)
}
