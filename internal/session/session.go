// Package session 把实时通道、会话聚合与 REST 种子数据组合成界面可直接消费的会话视图。
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pointchat/internal/conversation"
	"pointchat/internal/models"
	"pointchat/internal/realtime"
)

var ErrNoConversation = errors.New("no active conversation")

// Channel 是编排器对实时通道的依赖，*realtime.Channel 满足该接口。
type Channel interface {
	Status() realtime.Status
	Subscribe(h realtime.Handlers) func()
	Send(receiverID uint, content string) error
	RequestDirectory() error
	RequestHistory(otherID uint) error
}

// HistoryLoader 通过 REST 拉取会话历史，作为独立的合并输入。
type HistoryLoader interface {
	GetConversationHistory(ctx context.Context, otherID uint) ([]models.Message, error)
}

// View 是某一时刻的会话快照。
type View struct {
	Status       realtime.Status
	Active       uint
	Messages     []models.Message
	Directory    []models.Peer
	SessionEnded bool
	Rejected     *realtime.CommandRejectedError
}

type Options struct {
	Loader HistoryLoader
	// Marker 为 REST 种子中别人发来的未读消息补发已读回执，可为空。
	Marker   realtime.ReadMarker
	Logger   zerolog.Logger
	OnChange func(View)
}

// Orchestrator 是两种会话形态的公共能力。
type Orchestrator interface {
	Start()
	Close()
	View() View
	Send(content string) error
	SelectConversation(otherID uint) error
}

const seedTimeout = 10 * time.Second

type base struct {
	ch       Channel
	loader   HistoryLoader
	marker   realtime.ReadMarker
	log      zerolog.Logger
	agg      *conversation.Aggregator
	viewerID uint

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    realtime.Status
	active    uint
	directory []models.Peer
	ended     bool
	rejected  *realtime.CommandRejectedError
	onChange  func(View)

	unsubscribe func()
	startOnce   sync.Once
	closeOnce   sync.Once
}

func newBase(ch Channel, viewerID uint, opts Options) *base {
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		ch:       ch,
		loader:   opts.Loader,
		marker:   opts.Marker,
		log:      opts.Logger,
		agg:      conversation.NewAggregator(viewerID),
		viewerID: viewerID,
		ctx:      ctx,
		cancel:   cancel,
		onChange: opts.OnChange,
	}
}

func (b *base) close() {
	b.closeOnce.Do(func() {
		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		b.cancel()
		b.mu.Lock()
		b.onChange = nil
		b.mu.Unlock()
	})
}

func (b *base) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewLocked()
}

func (b *base) viewLocked() View {
	v := View{
		Status:       b.status,
		Active:       b.active,
		Directory:    slices.Clone(b.directory),
		SessionEnded: b.ended,
		Rejected:     b.rejected,
		Messages:     []models.Message{},
	}
	if b.active != 0 {
		v.Messages = b.agg.Timeline(b.active)
	}
	return v
}

// notify 在锁外调用 OnChange。
func (b *base) notify() {
	b.mu.Lock()
	fn := b.onChange
	if fn == nil {
		b.mu.Unlock()
		return
	}
	v := b.viewLocked()
	b.mu.Unlock()
	fn(v)
}

func (b *base) send(content string) error {
	b.mu.Lock()
	active := b.active
	b.mu.Unlock()
	if active == 0 {
		return ErrNoConversation
	}
	return b.ch.Send(active, content)
}

// requestHistory 在未连接时静默跳过，连接建立后会补发。
func (b *base) requestHistory(otherID uint) {
	if err := b.ch.RequestHistory(otherID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		b.log.Warn().Err(err).Uint("other_id", otherID).Msg("request history")
	}
}

// seed 通过 REST 拉取历史，仅当 otherID 仍是当前会话时写入。
func (b *base) seed(otherID uint) {
	if b.loader == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, seedTimeout)
		defer cancel()
		msgs, err := b.loader.GetConversationHistory(ctx, otherID)
		if err != nil {
			b.log.Warn().Err(err).Uint("other_id", otherID).Msg("seed conversation from REST")
			return
		}
		b.mu.Lock()
		if b.active != otherID || b.ended {
			b.mu.Unlock()
			return
		}
		b.agg.Seed(otherID, msgs)
		b.mu.Unlock()
		b.notify()
		b.markSeeded(ctx, otherID, msgs)
	}()
}

// markSeeded 对种子里别人发来的未读消息逐条标记已读，失败只记日志。
func (b *base) markSeeded(ctx context.Context, otherID uint, msgs []models.Message) {
	if b.marker == nil {
		return
	}
	for _, m := range msgs {
		if m.IsRead || m.SenderID == b.viewerID || !m.Between(b.viewerID, otherID) {
			continue
		}
		if err := b.marker.MarkMessageRead(ctx, m.ID); err != nil {
			b.log.Debug().Err(err).Uint("message_id", m.ID).Msg("mark seeded message read")
		}
	}
}

func (b *base) onState(st realtime.Status) bool {
	b.mu.Lock()
	b.status = st
	if st.State == realtime.Connected {
		b.ended = false
	}
	b.mu.Unlock()
	b.notify()
	return st.State == realtime.Connected
}

func (b *base) onRejected(err *realtime.CommandRejectedError) {
	b.mu.Lock()
	b.rejected = err
	b.mu.Unlock()
	b.notify()
}

// onSessionEnded 清空全部会话数据，界面需引导重新登录。
func (b *base) onSessionEnded(err error) {
	b.mu.Lock()
	b.agg.ResetAll()
	b.directory = nil
	b.ended = true
	b.mu.Unlock()
	b.log.Info().Err(err).Msg("session ended")
	b.notify()
}
