package ws

import (
	"sync"

	"pointchat/internal/metrics"
)

type delivery struct {
	userID  uint
	only    *Client // 非空时只发给这个连接
	payload []byte
}

// Hub 按用户 ID 管理在线连接，同一用户可以同时持有多个连接。
// 所有 map 写操作都在 run goroutine 内完成。
type Hub struct {
	mu         sync.RWMutex
	clients    map[uint]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	deliver    chan delivery
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub 创建 Hub 并启动调度 goroutine。
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[uint]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan delivery, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Close 停止调度 goroutine，已注册连接的发送队列会被关闭。
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Online 返回某个用户当前的连接数。
func (h *Hub) Online(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Deliver 把一帧推送给用户的全部连接；用户不在线时直接丢弃。
func (h *Hub) Deliver(userID uint, payload []byte) {
	h.push(delivery{userID: userID, payload: payload})
}

// reply 只回给发起命令的那个连接。
func (h *Hub) reply(c *Client, payload []byte) {
	h.push(delivery{userID: c.userID, only: c, payload: payload})
}

func (h *Hub) push(d delivery) {
	select {
	case h.deliver <- d:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for uid, set := range h.clients {
				for c := range set {
					close(c.send)
					metrics.WsConnections.Dec()
				}
				delete(h.clients, uid)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			set := h.clients[c.userID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
			metrics.WsConnections.Inc()
		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			h.mu.Unlock()
		case d := <-h.deliver:
			h.mu.Lock()
			for c := range h.clients[d.userID] {
				if d.only != nil && d.only != c {
					continue
				}
				select {
				case c.send <- d.payload:
				default:
					// 慢连接：断开，客户端会自行重连并补拉历史
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop 需在持有 mu 时调用。
func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	metrics.WsConnections.Dec()
}
