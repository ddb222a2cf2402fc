package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentchat/internal/delivery"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/queue"
	"agentchat/internal/runs"
	"agentchat/internal/service/agent"
	"agentchat/internal/service/chat"
	"agentchat/internal/storage/storagetest"
	"agentchat/internal/visual"
)

type testEnv struct {
	chat     *chat.Service
	ledger   *runs.Ledger
	media    *visual.MediaStore
	metrics  *metrics.Metrics
	convID   string
	userID   string
	deps     ProcessorDeps
	agentHit atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storagetest.Open(t)
	env := &testEnv{
		chat:    chat.NewService(db),
		ledger:  runs.NewLedger(db),
		media:   visual.NewMediaStore(db, t.TempDir()),
		metrics: metrics.NewMetrics(),
	}
	ctx := context.Background()
	user, err := env.chat.RegisterUser(ctx, "worker", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	conv, err := env.chat.CreateConversation(ctx, user.ID, "w")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	env.userID, env.convID = user.ID, conv.ID
	env.deps = ProcessorDeps{
		Ledger: env.ledger,
		Chat:   env.chat,
		Agent: agent.Func(func(ctx context.Context, history []*models.Message) (string, error) {
			env.agentHit.Add(1)
			return agent.Echo{}.Reply(ctx, history)
		}),
		Renderer: visual.NewPlotRenderer(),
		Media:    env.media,
		Metrics:  env.metrics,
	}
	return env
}

// accept stores a user message and its queued run the way the request path does.
func (e *testEnv) accept(t *testing.T, text string) *models.Run {
	t.Helper()
	ctx := context.Background()
	msg, err := e.chat.AppendMessage(ctx, nil, e.convID, models.RoleUser, models.TextContent(text))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	run, err := e.ledger.Create(ctx, nil, e.convID, msg.ID)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (e *testEnv) messages(t *testing.T) []*models.Message {
	t.Helper()
	msgs, err := e.chat.ListMessages(context.Background(), e.convID, chat.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return msgs
}

func (e *testEnv) run(t *testing.T, id string) *models.Run {
	t.Helper()
	run, err := e.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func TestProcessHelloEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	run := env.accept(t, "Hello")

	if err := NewProcessor(env.deps).Process(context.Background(), run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := env.run(t, run.ID)
	if got.Status != models.RunSucceeded || got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("unexpected run %+v", got)
	}
	msgs := env.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content.Text != "Echo: Hello" {
		t.Fatalf("unexpected assistant message %+v", msgs[1])
	}
	if env.metrics.Get(metrics.ChartsRendered) != 0 {
		t.Fatalf("plain text must not render a chart")
	}
}

func TestProcessPlotEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	run := env.accept(t, "plot: sample")

	if err := NewProcessor(env.deps).Process(context.Background(), run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := env.run(t, run.ID); got.Status != models.RunSucceeded {
		t.Fatalf("expected succeeded, got %+v", got)
	}
	msgs := env.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	image := msgs[2].Content
	if image.Type != models.ContentImage || image.URL != models.MediaURL(image.MediaID) {
		t.Fatalf("unexpected image content %+v", image)
	}
	media, err := env.media.Get(context.Background(), image.MediaID)
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if media.MediaType != visual.PNGMediaType || media.RunID != run.ID || media.ConversationID != env.convID {
		t.Fatalf("unexpected media %+v", media)
	}
	f, err := env.media.Open(media)
	if err != nil {
		t.Fatalf("open media: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if visual.Digest(data) != media.Digest {
		t.Fatalf("digest mismatch")
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, visual.Intent) ([]byte, string, error) {
	return nil, "", errors.New("renderer exploded")
}

type panickingRenderer struct{}

func (panickingRenderer) Render(context.Context, visual.Intent) ([]byte, string, error) {
	panic("bad font")
}

func TestChartFailureDoesNotFailRun(t *testing.T) {
	for name, renderer := range map[string]visual.Renderer{"error": failingRenderer{}, "panic": panickingRenderer{}} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.deps.Renderer = renderer
			run := env.accept(t, "chart: revenue")

			if err := NewProcessor(env.deps).Process(context.Background(), run.ID); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got := env.run(t, run.ID); got.Status != models.RunSucceeded || got.LastError != nil {
				t.Fatalf("chart failure leaked into run: %+v", got)
			}
			if msgs := env.messages(t); len(msgs) != 2 {
				t.Fatalf("expected only the text reply, got %d messages", len(msgs))
			}
			if env.metrics.Get(metrics.ChartFailures) != 1 {
				t.Fatalf("expected one chart failure counted")
			}
		})
	}
}

func TestAgentErrorFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Agent = agent.Func(func(context.Context, []*models.Message) (string, error) {
		return "", errors.New("model unavailable")
	})
	run := env.accept(t, "Hello")

	if err := NewProcessor(env.deps).Process(context.Background(), run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := env.run(t, run.ID)
	if got.Status != models.RunFailed || got.FinishedAt == nil || got.LastError == nil || *got.LastError != "model unavailable" {
		t.Fatalf("unexpected failed run %+v", got)
	}
	if msgs := env.messages(t); len(msgs) != 1 {
		t.Fatalf("failed run must not add an assistant message, got %d messages", len(msgs))
	}
	if env.metrics.Get(metrics.RunsFailed) != 1 {
		t.Fatalf("expected failure counted")
	}
}

func TestAgentPanicFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Agent = agent.Func(func(context.Context, []*models.Message) (string, error) {
		panic("nil map")
	})
	run := env.accept(t, "Hello")

	if err := NewProcessor(env.deps).Process(context.Background(), run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := env.run(t, run.ID)
	if got.Status != models.RunFailed || got.LastError == nil || *got.LastError != "internal error" {
		t.Fatalf("unexpected run after panic %+v", got)
	}
}

func TestRedeliveryIsNoop(t *testing.T) {
	env := newTestEnv(t)
	run := env.accept(t, "Hello")
	p := NewProcessor(env.deps)

	for i := 0; i < 2; i++ {
		if err := p.Process(context.Background(), run.ID); err != nil {
			t.Fatalf("Process #%d: %v", i, err)
		}
	}
	if env.agentHit.Load() != 1 {
		t.Fatalf("agent ran %d times", env.agentHit.Load())
	}
	if msgs := env.messages(t); len(msgs) != 2 {
		t.Fatalf("redelivery duplicated messages: %d", len(msgs))
	}
	if env.metrics.Get(metrics.RedeliveriesSkipped) != 1 {
		t.Fatalf("expected one skipped redelivery")
	}
	if err := p.Process(context.Background(), "unknown-run"); err != nil {
		t.Fatalf("unknown run should be skipped, got %v", err)
	}
}

func TestConcurrentRedeliveryRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	run := env.accept(t, "Hello")
	p := NewProcessor(env.deps)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Process(context.Background(), run.ID); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()
	if env.agentHit.Load() != 1 {
		t.Fatalf("agent ran %d times for one run", env.agentHit.Load())
	}
	if msgs := env.messages(t); len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

type downSender struct{ calls atomic.Int32 }

func (s *downSender) Send(context.Context, delivery.Payload) error {
	s.calls.Add(1)
	return &delivery.StatusError{Code: 500, Body: "down"}
}

func TestDeliveryFailureDoesNotAffectRun(t *testing.T) {
	env := newTestEnv(t)
	sender := &downSender{}
	env.deps.Tracker = delivery.NewTracker(env.chat.DB(), sender, delivery.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	run := env.accept(t, "Hello")

	if err := NewProcessor(env.deps).Process(context.Background(), run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := env.run(t, run.ID); got.Status != models.RunSucceeded {
		t.Fatalf("delivery failure leaked into run: %+v", got)
	}
	rec, err := env.deps.Tracker.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("delivery record: %v", err)
	}
	if rec.Status != models.DeliveryFailed || rec.Attempts != delivery.DefaultMaxAttempts {
		t.Fatalf("unexpected delivery %+v", rec)
	}
	if sender.calls.Load() != delivery.DefaultMaxAttempts {
		t.Fatalf("expected %d sends, got %d", delivery.DefaultMaxAttempts, sender.calls.Load())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestDispatcherDrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	q := queue.NewMemory(queue.Options{PollInterval: 10 * time.Millisecond})
	d := NewDispatcher(q, NewProcessor(env.deps), Options{MinWorkers: 1, MaxWorkers: 3, LeaseTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		run := env.accept(t, text)
		ids = append(ids, run.ID)
		if err := q.Enqueue(context.Background(), run.ID); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, 10*time.Second, func() bool {
		for _, id := range ids {
			if env.run(t, id).Status != models.RunSucceeded {
				return false
			}
		}
		return true
	})
	waitFor(t, 5*time.Second, func() bool {
		pending, leased := q.Len()
		return pending == 0 && leased == 0
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
}

func TestDispatcherLeavesFailedInfraJobUnacked(t *testing.T) {
	env := newTestEnv(t)
	run := env.accept(t, "Hello")
	q := queue.NewMemory(queue.Options{PollInterval: 10 * time.Millisecond})
	d := NewDispatcher(q, NewProcessor(env.deps), Options{MaxWorkers: 1, LeaseTimeout: time.Minute})
	d.baseCtx = context.Background()

	if err := q.Enqueue(context.Background(), run.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	// a closed database makes the claim fail
	env.chat.DB().Close()
	d.handle(0, job)
	if _, leased := q.Len(); leased != 1 {
		t.Fatalf("job with infrastructure error must stay leased, got %d leases", leased)
	}
}

func TestJanitorSweep(t *testing.T) {
	env := newTestEnv(t)
	q := queue.NewMemory(queue.Options{LeaseTimeout: time.Millisecond, PollInterval: 10 * time.Millisecond})
	run := env.accept(t, "Hello")

	if err := q.Enqueue(context.Background(), run.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	j := NewJanitor(q, env.ledger, time.Second, time.Minute, env.metrics)
	j.now = func() time.Time { return time.Now().Add(time.Hour) }

	requeued, restaged := j.Sweep(context.Background())
	if requeued != 1 || restaged != 1 {
		t.Fatalf("expected 1 requeued and 1 restaged, got %d and %d", requeued, restaged)
	}
	if pending, leased := q.Len(); pending != 2 || leased != 0 {
		t.Fatalf("unexpected queue state pending=%d leased=%d", pending, leased)
	}

	if _, restaged := j.Sweep(context.Background()); restaged != 0 {
		t.Fatalf("stale run re-enqueued again within the throttle window")
	}
	if env.metrics.Get(metrics.LeasesRequeued) != 1 || env.metrics.Get(metrics.StaleRunsRequeued) != 1 {
		t.Fatalf("unexpected metrics %v", env.metrics.GetSnapshot())
	}
}
