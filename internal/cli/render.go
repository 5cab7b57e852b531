package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"pointchat/internal/realtime"
	"pointchat/internal/session"
)

// renderer 把会话快照增量输出到终端：只打印新出现的消息与状态变化。
type renderer struct {
	mu sync.Mutex
	w  io.Writer

	active    uint
	printed   map[uint]bool
	status    realtime.Status
	rejected  *realtime.CommandRejectedError
	directory string
	ended     chan struct{}
	endOnce   sync.Once
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, printed: map[uint]bool{}, ended: make(chan struct{})}
}

// Ended 在会话终止后关闭。
func (r *renderer) Ended() <-chan struct{} { return r.ended }

func (r *renderer) Render(v session.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.Status != r.status {
		r.status = v.Status
		if v.Status.Offline {
			fmt.Fprintln(r.w, "* offline: the server is unreachable, restart to try again")
		} else {
			fmt.Fprintf(r.w, "* %s\n", v.Status.State)
		}
	}
	if v.Rejected != nil && v.Rejected != r.rejected {
		r.rejected = v.Rejected
		fmt.Fprintf(r.w, "! %s\n", v.Rejected.Error())
	}
	if dir := formatDirectory(v); dir != r.directory {
		r.directory = dir
		if dir != "" {
			fmt.Fprintf(r.w, "* conversations: %s\n", dir)
		}
	}
	if v.Active != r.active {
		r.active = v.Active
		r.printed = map[uint]bool{}
		if v.Active != 0 {
			fmt.Fprintf(r.w, "* conversation with #%d\n", v.Active)
		}
	}
	for _, m := range v.Messages {
		if r.printed[m.ID] {
			continue
		}
		r.printed[m.ID] = true
		who := fmt.Sprintf("#%d", m.SenderID)
		if m.IsMine {
			who = "you"
		}
		fmt.Fprintf(r.w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
	}
	if v.SessionEnded {
		r.endOnce.Do(func() {
			fmt.Fprintln(r.w, "* session ended, please log in again")
			close(r.ended)
		})
	}
}

func formatDirectory(v session.View) string {
	parts := make([]string, 0, len(v.Directory))
	for _, p := range v.Directory {
		parts = append(parts, fmt.Sprintf("#%d %s", p.ID, p.Username))
	}
	return strings.Join(parts, ", ")
}
