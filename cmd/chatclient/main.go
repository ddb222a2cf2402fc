// Command chatclient sends messages to an agentchat server and follows the
// conversation by polling, rendering local messages until the server
// confirms them.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"agentchat/internal/logging"
	"agentchat/internal/models"
	"agentchat/internal/reconcile"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	pendingStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
)

func main() {
	server := pflag.StringP("server", "s", "http://127.0.0.1:8090", "agentchat server URL")
	username := pflag.StringP("user", "u", "", "username")
	password := pflag.StringP("password", "p", "", "password")
	register := pflag.Bool("register", false, "register the user before logging in")
	convID := pflag.StringP("conversation", "c", "", "conversation id (a new one is created when empty)")
	message := pflag.StringP("message", "m", "", "send one message, wait for the reply and exit")
	wait := pflag.Duration("wait", time.Minute, "how long --message waits for the reply")
	logLevel := pflag.String("log-level", "warn", "log level")
	pflag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "--user and --password are required")
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := reconcile.NewClient(*server, 15*time.Second)
	if *register {
		if err := client.Register(ctx, *username, *password); err != nil && !reconcile.IsStatus(err, http.StatusConflict) {
			logger.Fatal("register", zap.Error(err))
		}
	}
	if _, err := client.Login(ctx, *username, *password); err != nil {
		logger.Fatal("login", zap.Error(err))
	}
	if *convID == "" {
		conv, err := client.CreateConversation(ctx, "")
		if err != nil {
			logger.Fatal("create conversation", zap.Error(err))
		}
		*convID = conv.ID
		fmt.Println(statusStyle.Render("conversation " + conv.ID))
	}

	r := newRenderer()
	poller := reconcile.NewPoller(client, *convID, reconcile.PollerOptions{
		WatchRuns: true,
		OnChange:  r.render,
	})

	if *message != "" {
		os.Exit(sendOnce(ctx, poller, *message, *wait))
	}
	interactive(ctx, poller)
}

// sendOnce sends text and polls until the run settles.
func sendOnce(ctx context.Context, poller *reconcile.Poller, text string, wait time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if _, err := poller.Send(ctx, text); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		return 1
	}
	for {
		if _, err := poller.Poll(ctx); err != nil && ctx.Err() == nil {
			logging.L().Warn("poll", zap.Error(err))
		}
		switch indicator, _ := poller.Indicator(); indicator {
		case reconcile.IndicatorIdle:
			return 0
		case reconcile.IndicatorFailed:
			return 1
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fmt.Fprintln(os.Stderr, errorStyle.Render("timed out waiting for the reply"))
			}
			return 1
		case <-time.After(poller.NextInterval()):
		}
	}
}

func interactive(ctx context.Context, poller *reconcile.Poller) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

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
			wg.Wait()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if _, err := poller.Send(ctx, text); err != nil {
				fmt.Println(errorStyle.Render("send failed: " + err.Error()))
			}
		}
	}
}

// renderer prints each entry once and the run indicator when it changes.
type renderer struct {
	mu        sync.Mutex
	printed   map[string]bool
	indicator reconcile.Indicator
}

func newRenderer() *renderer {
	return &renderer{printed: make(map[string]bool), indicator: reconcile.IndicatorIdle}
}

func (r *renderer) render(entries []reconcile.Entry, indicator reconcile.Indicator, lastError string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		key := e.ID
		if e.Pending {
			key = e.LocalID
		}
		if e.Err != "" {
			key += ":err"
		}
		if r.printed[key] {
			continue
		}
		r.printed[key] = true
		if e.Pending && e.ID != "" {
			// the server copy of an echoed message is not printed again
			r.printed[e.ID] = true
		}
		fmt.Println(formatEntry(e))
	}
	if indicator != r.indicator {
		r.indicator = indicator
		switch indicator {
		case reconcile.IndicatorThinking:
			fmt.Println(statusStyle.Render("thinking…"))
		case reconcile.IndicatorFailed:
			fmt.Println(errorStyle.Render("run failed: " + lastError))
		}
	}
}

func formatEntry(e reconcile.Entry) string {
	if e.Err != "" {
		return errorStyle.Render("✗ " + e.Content.Text + " (" + e.Err + ")")
	}
	var body string
	switch e.Content.Type {
	case models.ContentImage:
		body = fmt.Sprintf("[%s] %s", e.Content.Caption, e.Content.URL)
	default:
		body = e.Content.Text
	}
	switch {
	case e.Pending:
		return pendingStyle.Render("you: " + body)
	case e.Role == models.RoleUser:
		return userStyle.Render("you:") + " " + body
	default:
		return assistantStyle.Render("agent:") + " " + body
	}
}
