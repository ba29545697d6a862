/*
Command client is a terminal chat client for the relay.

It reads the server URL and a token from the environment, keeps one session open across
network drops, and prints incoming events. Lines typed on stdin are sent to the current
conversation; lines starting with a slash are commands (/join, /leave, /to, /history, /read, /quit).
*/
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"

	"chatrelay/internal/client"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/protocol"
)

// Config is read from CHATRELAY_* environment variables.
type Config struct {
	URL   string `envconfig:"URL" default:"ws://localhost:8080/ws"`
	Token string `envconfig:"TOKEN" required:"true"`

	BaseDelay   time.Duration `envconfig:"BACKOFF_BASE" default:"500ms"`
	MaxDelay    time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	MaxAttempts int           `envconfig:"BACKOFF_ATTEMPTS" default:"10"`
	AuthTimeout time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`
	Colours  bool   `envconfig:"COLOURS" default:"true"`
}

var (
	infoStyle   = color.New(color.FgCyan)
	warnStyle   = color.New(color.FgYellow)
	errStyle    = color.New(color.FgRed, color.OpBold)
	senderStyle = color.New(color.FgGreen, color.OpBold)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envconfig.Process("chatrelay", &cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logx.InitGlobalLogger(true, cfg.LogLevel)
	if !cfg.Colours {
		color.Disable()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(client.Config{
		URL:         cfg.URL,
		Token:       cfg.Token,
		AuthTimeout: cfg.AuthTimeout,
		Backoff: client.BackoffConfig{
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
			MaxAttempts: cfg.MaxAttempts,
		},
	})
	defer session.Close()

	term := &terminal{session: session}

	sub := session.Subscribe(client.HandlerSet{
		OnMessage: func(msg protocol.Message) {
			fmt.Printf("%s %s: %s\n", infoStyle.Render(msg.Timestamp.Local().Format("15:04")), senderStyle.Render(msg.SenderName), msg.Text)
		},
		OnUserOnline: func(p protocol.Presence) {
			fmt.Println(infoStyle.Sprintf("* %s is online", p.Username))
		},
		OnUserOffline: func(p protocol.Presence) {
			fmt.Println(infoStyle.Sprintf("* %s went offline", p.Username))
		},
		OnTyping: func(t protocol.Typing) {
			if t.IsTyping {
				fmt.Println(infoStyle.Sprintf("* %s is typing in %s", t.UserID, t.ConversationID))
			}
		},
		OnOnlineUsers: func(ids []string) {
			fmt.Println(infoStyle.Sprintf("* %d user(s) online", len(ids)))
		},
		OnHistory: func(h protocol.History) {
			fmt.Println(infoStyle.Sprintf("--- %s page %d ---", h.ConversationID, h.Page))
			for i := len(h.Messages) - 1; i >= 0; i-- {
				msg := h.Messages[i]
				fmt.Printf("%s %s: %s\n", msg.Timestamp.Local().Format("01-02 15:04"), senderStyle.Render(msg.SenderName), msg.Text)
			}
		},
		OnError: func(e protocol.ErrorEvent) {
			fmt.Println(errStyle.Sprintf("! %s: %s", e.Error, e.Message))
		},
	})
	defer sub.Unsubscribe()

	// memberships do not survive a reconnect
	unready := session.OnReady(func(reconnected bool) {
		if !reconnected {
			fmt.Println(infoStyle.Render("* connected"))
			return
		}
		fmt.Println(warnStyle.Render("* reconnected"))
		term.rejoin(ctx)
	})
	defer unready()

	if err := session.Connect(ctx); err != nil {
		fmt.Println(warnStyle.Sprintf("! connect failed: %v (retrying in background)", err))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := term.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

type terminal struct {
	session *client.Session

	mu      sync.Mutex
	current string
	joined  map[string]struct{}
}

func (t *terminal) rejoin(ctx context.Context) {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.joined))
	for id := range t.joined {
		rooms = append(rooms, id)
	}
	t.mu.Unlock()

	for _, id := range rooms {
		if err := t.session.JoinConversation(ctx, id); err != nil {
			fmt.Println(errStyle.Sprintf("! rejoin %s: %v", id, err))
		}
	}
}

// handle runs one input line and reports whether the client should exit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		t.mu.Lock()
		current := t.current
		t.mu.Unlock()

		if current == "" {
			fmt.Println(warnStyle.Render("! join a conversation first: /join <conversationId>"))
			return false
		}
		t.send(ctx, protocol.SendMessageRequest{Text: line, ConversationID: current})
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/join":
		if len(fields) < 2 {
			break
		}
		if err := t.session.JoinConversation(ctx, fields[1]); err != nil {
			fmt.Println(errStyle.Sprintf("! join: %v", err))
			return false
		}
		t.mu.Lock()
		if t.joined == nil {
			t.joined = make(map[string]struct{})
		}
		t.joined[fields[1]] = struct{}{}
		t.current = fields[1]
		t.mu.Unlock()
		return false
	case "/leave":
		if len(fields) < 2 {
			break
		}
		if err := t.session.LeaveConversation(fields[1]); err != nil {
			fmt.Println(errStyle.Sprintf("! leave: %v", err))
		}
		t.mu.Lock()
		delete(t.joined, fields[1])
		if t.current == fields[1] {
			t.current = ""
		}
		t.mu.Unlock()
		return false
	case "/to":
		if len(fields) < 3 {
			break
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, fields[0]+" "+fields[1]))
		t.send(ctx, protocol.SendMessageRequest{Text: text, RecipientID: fields[1]})
		return false
	case "/history":
		if len(fields) < 2 {
			break
		}
		page := 1
		if len(fields) > 2 {
			if p, err := strconv.Atoi(fields[2]); err == nil {
				page = p
			}
		}
		if err := t.session.RequestHistory(ctx, fields[1], page, 20); err != nil {
			fmt.Println(errStyle.Sprintf("! history: %v", err))
		}
		return false
	case "/read":
		if len(fields) < 2 {
			break
		}
		if err := t.session.MarkRead(fields[1], time.Now().UTC()); err != nil {
			fmt.Println(errStyle.Sprintf("! read: %v", err))
		}
		return false
	}

	fmt.Println(warnStyle.Render("! usage: /join <id> | /leave <id> | /to <userId> <text> | /history <id> [page] | /read <messageId> | /quit"))
	return false
}

func (t *terminal) send(ctx context.Context, msg protocol.SendMessageRequest) {
	ack, err := t.session.SendMessage(ctx, msg)
	if err != nil {
		fmt.Println(errStyle.Sprintf("! not sent (%v); retype to retry: %s", err, msg.Text))
		return
	}
	if ack.Failed > 0 {
		fmt.Println(warnStyle.Sprintf("! delivered to %d connection(s), %d failed", ack.Delivered, ack.Failed))
	}
}
