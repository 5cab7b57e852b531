// Package realtime 实现单条逻辑双工聊天通道：握手鉴权、断线重连、令牌过期后的刷新重连以及强类型事件分发。
package realtime

import (
	"errors"
	"fmt"

	"pointchat/internal/models"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Refreshing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotConnected = errors.New("realtime channel not connected")
	// ErrOffline 表示重连次数已耗尽，同时满足 errors.Is(err, ErrNotConnected)。
	ErrOffline  = fmt.Errorf("%w: reconnect attempts exhausted", ErrNotConnected)
	ErrClosed   = errors.New("realtime channel closed")
	ErrNotAdmin = errors.New("directory is only available to admins")
)

// CommandRejectedError 表示服务端拒绝了某条命令，不影响通道状态。
type CommandRejectedError struct {
	Command string
	Reason  string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("command %q rejected: %s", e.Command, e.Reason)
}

// Status 是通道对外可见的连接状态快照。
type Status struct {
	State   State
	Offline bool
}

// Handlers 是订阅者的回调集合，未设置的回调会被忽略。
// 回调在通道的事件循环中同步执行，不能阻塞，也不能调用 Close。
type Handlers struct {
	OnMessage      func(models.Message)
	OnDirectory    func([]models.Peer)
	OnHistory      func(otherID uint, msgs []models.Message)
	OnState        func(Status)
	OnOffline      func()
	OnRejected     func(*CommandRejectedError)
	OnSessionEnded func(error)
}
