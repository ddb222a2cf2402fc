package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"agentchat/internal/api"
	"agentchat/internal/auth"
	"agentchat/internal/delivery"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/queue"
	"agentchat/internal/runs"
	"agentchat/internal/service/acceptance"
	"agentchat/internal/service/agent"
	"agentchat/internal/service/chat"
	"agentchat/internal/storage/storagetest"
	"agentchat/internal/visual"
	"agentchat/internal/worker"
)

// newServer runs the whole service behind httptest with the given agent.
func newServer(t *testing.T, ag agent.Agent) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := storagetest.Open(t)
	m := metrics.NewMetrics()
	chatSvc := chat.NewService(db)
	ledger := runs.NewLedger(db)
	media := visual.NewMediaStore(db, t.TempDir())
	q := queue.NewMemory(queue.Options{PollInterval: 10 * time.Millisecond})
	tracker := delivery.NewTracker(db, nil, delivery.Options{})

	handler := api.NewHandler(api.Deps{
		Chat:       chatSvc,
		Acceptance: acceptance.NewService(chatSvc, ledger, q, m),
		Auth:       auth.NewService(db, nil, time.Hour),
		Ledger:     ledger,
		Tracker:    tracker,
		Media:      media,
		Metrics:    m,
	})
	srv := httptest.NewServer(api.NewRouter(handler))

	processor := worker.NewProcessor(worker.ProcessorDeps{
		Ledger:   ledger,
		Chat:     chatSvc,
		Agent:    ag,
		Renderer: visual.NewPlotRenderer(),
		Media:    media,
		Tracker:  tracker,
		Metrics:  m,
	})
	d := worker.NewDispatcher(q, processor, worker.Options{MinWorkers: 1, MaxWorkers: 2, LeaseTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv
}

func newLoggedInClient(t *testing.T, baseURL string) (*Client, string) {
	t.Helper()
	ctx := context.Background()
	client := NewClient(baseURL, 5*time.Second)
	if err := client.Register(ctx, "poller", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := client.Login(ctx, "poller", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	conv, err := client.CreateConversation(ctx, "reconcile")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	return client, conv.ID
}

func pollUntil(t *testing.T, p *Poller, cond func([]Entry) bool) []Entry {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.Poll(context.Background()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		entries := p.Timeline().Entries()
		if cond(entries) {
			return entries
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeline never converged: %+v", p.Timeline().Entries())
	return nil
}

func TestPollerConvergesOnHello(t *testing.T) {
	srv := newServer(t, agent.Echo{})
	client, convID := newLoggedInClient(t, srv.URL)
	p := NewPoller(client, convID, PollerOptions{WatchRuns: true})

	receipt, err := p.Send(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.Status != models.RunQueued {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if p.NextInterval() != DefaultBurstInterval {
		t.Fatalf("expected burst interval right after a send")
	}

	entries := pollUntil(t, p, func(entries []Entry) bool {
		return len(entries) == 2 && !entries[0].Pending && !entries[1].Pending
	})
	if entries[0].ID != receipt.MessageID || entries[1].Content.Text != "Echo: Hello" {
		t.Fatalf("unexpected timeline %+v", entries)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		indicator, _ := p.Indicator()
		if indicator == IndicatorIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indicator stuck at %s", indicator)
		}
		p.Poll(context.Background())
		time.Sleep(20 * time.Millisecond)
	}

	if changed, err := p.Poll(context.Background()); err != nil || changed {
		t.Fatalf("steady-state poll must be a no-op: changed=%v err=%v", changed, err)
	}

	run, err := client.GetRun(context.Background(), receipt.RunID)
	if err != nil || run.Status != models.RunSucceeded {
		t.Fatalf("GetRun: %+v %v", run, err)
	}
}

func TestPollerSurfacesFailedRun(t *testing.T) {
	srv := newServer(t, agent.Func(func(context.Context, []*models.Message) (string, error) {
		return "", agent.ErrNoInput
	}))
	client, convID := newLoggedInClient(t, srv.URL)
	p := NewPoller(client, convID, PollerOptions{WatchRuns: true})

	if _, err := p.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		p.Poll(context.Background())
		indicator, lastError := p.Indicator()
		if indicator == IndicatorFailed {
			if lastError == "" {
				t.Fatalf("failed indicator without reason")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure never surfaced, indicator %s", indicator)
		}
		time.Sleep(20 * time.Millisecond)
	}
	entries := p.Timeline().Entries()
	if len(entries) != 1 || entries[0].Role != models.RoleUser {
		t.Fatalf("failed run must leave only the user message, got %+v", entries)
	}
}

func TestPollerFetchesPlotMedia(t *testing.T) {
	srv := newServer(t, agent.Echo{})
	client, convID := newLoggedInClient(t, srv.URL)
	p := NewPoller(client, convID, PollerOptions{})

	if _, err := p.Send(context.Background(), "chart: waves"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries := pollUntil(t, p, func(entries []Entry) bool { return len(entries) == 3 })
	image := entries[2].Content
	if image.Type != models.ContentImage {
		t.Fatalf("expected image entry, got %+v", entries[2])
	}
	data, mediaType, err := client.GetMedia(context.Background(), image.MediaID)
	if err != nil {
		t.Fatalf("GetMedia: %v", err)
	}
	if mediaType != visual.PNGMediaType || len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Fatalf("unexpected media %q (%d bytes)", mediaType, len(data))
	}
}

func TestClientErrors(t *testing.T) {
	srv := newServer(t, agent.Echo{})
	client, _ := newLoggedInClient(t, srv.URL)

	_, err := client.PostMessage(context.Background(), "missing", "hi", nil)
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}
	if _, err := client.GetRun(context.Background(), "missing"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for unknown run, got %v", err)
	}

	anon := NewClient(srv.URL, time.Second)
	if _, err := anon.ListConversations(context.Background()); !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401, got %v", err)
	}
}

type scriptedAPI struct {
	mu    sync.Mutex
	msgs  []models.Message
	posts int
}

func (s *scriptedAPI) PostMessage(context.Context, string, string, any) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts++
	return &Receipt{MessageID: "srv-1", RunID: "run-1", Status: models.RunQueued}, nil
}

func (s *scriptedAPI) ListMessages(context.Context, string, ListQuery) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs...), nil
}

func (s *scriptedAPI) GetRun(context.Context, string) (*RunStatus, error) {
	return &RunStatus{Run: models.Run{ID: "run-1", Status: models.RunRunning}}, nil
}

func TestPollerBurstWindow(t *testing.T) {
	fake := &scriptedAPI{}
	p := NewPoller(fake, "c1", PollerOptions{})
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	if got := p.NextInterval(); got != DefaultInterval {
		t.Fatalf("expected %s before any send, got %s", DefaultInterval, got)
	}
	var seen [][]Entry
	p.opts.OnChange = func(entries []Entry, _ Indicator, _ string) { seen = append(seen, entries) }
	if _, err := p.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(seen) != 1 || len(seen[0]) != 1 || !seen[0][0].Pending {
		t.Fatalf("send must render the optimistic entry, got %+v", seen)
	}
	if got := p.NextInterval(); got != DefaultBurstInterval {
		t.Fatalf("expected burst interval, got %s", got)
	}
	clock = clock.Add(DefaultBurstWindow + time.Millisecond)
	if got := p.NextInterval(); got != DefaultInterval {
		t.Fatalf("expected fixed interval after the window, got %s", got)
	}

	fake.mu.Lock()
	fake.msgs = []models.Message{message("srv-1", models.RoleUser, "hi", clock)}
	fake.mu.Unlock()
	if changed, err := p.Poll(context.Background()); err != nil || !changed {
		t.Fatalf("expected change: %v %v", changed, err)
	}
	if entries := p.Timeline().Entries(); len(entries) != 1 || entries[0].Pending || entries[0].ID != "srv-1" {
		t.Fatalf("optimistic entry not replaced: %+v", entries)
	}
}
