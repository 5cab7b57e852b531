package conversation

import (
	"slices"
	"sync"

	"pointchat/internal/models"
)

type thread struct {
	seed    []models.Message
	history []models.Message
	live    []models.Message
	loaded  bool
}

// Aggregator 按对方用户 ID 维护会话状态，观察者身份由外部提供。
type Aggregator struct {
	viewerID uint

	mu      sync.RWMutex
	threads map[uint]*thread
}

func NewAggregator(viewerID uint) *Aggregator {
	return &Aggregator{viewerID: viewerID, threads: make(map[uint]*thread)}
}

func (a *Aggregator) ViewerID() uint { return a.viewerID }

func (a *Aggregator) get(otherID uint) *thread {
	t := a.threads[otherID]
	if t == nil {
		t = &thread{}
		a.threads[otherID] = t
	}
	return t
}

// ReplaceHistory 用一次完整的历史推送整体替换该会话的历史部分。
func (a *Aggregator) ReplaceHistory(otherID uint, msgs []models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.get(otherID)
	t.history = slices.Clone(msgs)
	t.loaded = true
}

// Seed 写入 REST 拉取的会话消息，作为独立的合并输入。
func (a *Aggregator) Seed(otherID uint, msgs []models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.get(otherID).seed = slices.Clone(msgs)
}

// AddLive 追加一条实时消息，返回它所属的会话对方 ID。
func (a *Aggregator) AddLive(m models.Message) uint {
	other := m.Counterpart(a.viewerID)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.get(other)
	for i := range t.live {
		if t.live[i].ID == m.ID {
			t.live[i] = m
			return other
		}
	}
	t.live = append(t.live, m)
	return other
}

// Timeline 返回合并、排序并打好 IsMine 标记的时间线。
func (a *Aggregator) Timeline(otherID uint) []models.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.threads[otherID]
	if t == nil {
		return []models.Message{}
	}
	return Tag(Merge(t.seed, t.history, t.live), a.viewerID)
}

// Loaded 表示该会话是否已收到过历史推送。
func (a *Aggregator) Loaded(otherID uint) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.threads[otherID]
	return t != nil && t.loaded
}

func (a *Aggregator) Reset(otherID uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.threads, otherID)
}

func (a *Aggregator) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threads = make(map[uint]*thread)
}
