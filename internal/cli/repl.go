package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pointchat/internal/realtime"
	"pointchat/internal/session"
	"pointchat/internal/token"
)

// chatSession 是 REPL 需要的会话能力，两种编排器都满足。
type chatSession interface {
	Send(content string) error
	SelectConversation(otherID uint) error
}

// directoryRefresher 只有管理员会话实现。
type directoryRefresher interface {
	RefreshDirectory() error
}

const helpText = `commands:
  <text>        send a message in the current conversation
  /open <id>    switch to the conversation with user <id> (admin)
  /list         refresh the conversation list (admin)
  /help         show this help
  /quit         leave`

// runChat 逐行读取输入并分发，直到输入结束、/quit、ctx 取消或会话终止。
func runChat(ctx context.Context, s chatSession, ended <-chan struct{}, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return token.ErrSessionEnded
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := handleLine(s, strings.TrimSpace(line), out); quit {
				return nil
			}
		}
	}
}

func handleLine(s chatSession, line string, out io.Writer) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.Send(line); err != nil {
			fmt.Fprintf(out, "! %s\n", describe(err))
		}
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, helpText)
	case "/open":
		if len(fields) != 2 {
			fmt.Fprintln(out, "! usage: /open <id>")
			return false
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			fmt.Fprintln(out, "! usage: /open <id>")
			return false
		}
		if err := s.SelectConversation(uint(id)); err != nil {
			fmt.Fprintf(out, "! %s\n", describe(err))
		}
	case "/list":
		dr, ok := s.(directoryRefresher)
		if !ok {
			fmt.Fprintln(out, "! only admins have a conversation list")
			return false
		}
		if err := dr.RefreshDirectory(); err != nil {
			fmt.Fprintf(out, "! %s\n", describe(err))
		}
	default:
		fmt.Fprintf(out, "! unknown command %s, try /help\n", fields[0])
	}
	return false
}

func describe(err error) string {
	switch {
	case errors.Is(err, realtime.ErrOffline):
		return "offline, message not sent"
	case errors.Is(err, realtime.ErrNotConnected):
		return "not connected yet, message not sent"
	case errors.Is(err, session.ErrNoConversation):
		return "no conversation selected, use /open <id>"
	default:
		return err.Error()
	}
}
