package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/service/chat"
	"agentchat/internal/storage"
	"agentchat/internal/storage/storagetest"
)

func newTestLedger(t *testing.T) (*Ledger, *chat.Service, *storage.DB) {
	t.Helper()
	db := storagetest.Open(t)
	return NewLedger(db), chat.NewService(db), db
}

func seedTrigger(t *testing.T, svc *chat.Service) (string, string) {
	t.Helper()
	ctx := context.Background()
	user, err := svc.RegisterUser(ctx, "runner", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	conv, err := svc.CreateConversation(ctx, user.ID, "runs")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	msg, err := svc.AppendMessage(ctx, nil, conv.ID, models.RoleUser, models.TextContent("hi"))
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	return conv.ID, msg.ID
}

func TestLedgerHappyPath(t *testing.T) {
	ledger, svc, _ := newTestLedger(t)
	ctx := context.Background()
	convID, msgID := seedTrigger(t, svc)

	run, err := ledger.Create(ctx, nil, convID, msgID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if run.Status != models.RunQueued || run.StartedAt != nil || run.FinishedAt != nil {
		t.Fatalf("unexpected new run %+v", run)
	}

	if ok, err := ledger.Succeed(ctx, run.ID); err != nil || ok {
		t.Fatalf("queued run must not skip running: ok=%v err=%v", ok, err)
	}
	if ok, err := ledger.Claim(ctx, run.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	got, err := ledger.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.RunRunning || got.StartedAt == nil {
		t.Fatalf("expected running with started_at, got %+v", got)
	}
	if ok, err := ledger.Succeed(ctx, run.ID); err != nil || !ok {
		t.Fatalf("Succeed: ok=%v err=%v", ok, err)
	}
	got, _ = ledger.Get(ctx, run.ID)
	if got.Status != models.RunSucceeded || got.FinishedAt == nil || got.LastError != nil {
		t.Fatalf("expected clean success, got %+v", got)
	}

	if ok, _ := ledger.Fail(ctx, run.ID, "late"); ok {
		t.Fatalf("terminal run must stay succeeded")
	}
	if ok, _ := ledger.Claim(ctx, run.ID); ok {
		t.Fatalf("terminal run must not be reclaimed")
	}
}

func TestLedgerFailRecordsReason(t *testing.T) {
	ledger, svc, _ := newTestLedger(t)
	ctx := context.Background()
	convID, msgID := seedTrigger(t, svc)
	run, _ := ledger.Create(ctx, nil, convID, msgID)

	if ok, _ := ledger.Fail(ctx, run.ID, "boom"); ok {
		t.Fatalf("Fail must require running")
	}
	if ok, err := ledger.FailQueued(ctx, run.ID, "enqueue failure: broker down"); err != nil || !ok {
		t.Fatalf("FailQueued: ok=%v err=%v", ok, err)
	}
	got, _ := ledger.Get(ctx, run.ID)
	if got.Status != models.RunFailed || got.LastError == nil || *got.LastError != "enqueue failure: broker down" {
		t.Fatalf("unexpected failed run %+v", got)
	}
	if ok, _ := ledger.Claim(ctx, run.ID); ok {
		t.Fatalf("failed run must not be claimed")
	}
}

func TestLedgerOneRunPerTrigger(t *testing.T) {
	ledger, svc, _ := newTestLedger(t)
	ctx := context.Background()
	convID, msgID := seedTrigger(t, svc)
	if _, err := ledger.Create(ctx, nil, convID, msgID); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ledger.Create(ctx, nil, convID, msgID); err == nil {
		t.Fatalf("expected unique violation for second run on same trigger")
	}
}

func TestLedgerConcurrentClaimsHaveOneWinner(t *testing.T) {
	ledger, svc, _ := newTestLedger(t)
	ctx := context.Background()
	convID, msgID := seedTrigger(t, svc)
	run, _ := ledger.Create(ctx, nil, convID, msgID)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Claim(ctx, run.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				wins++
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}

func TestLedgerGetUnknown(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	if _, err := ledger.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := ledger.Claim(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("claiming unknown run should be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestLedgerStaleQueued(t *testing.T) {
	ledger, svc, _ := newTestLedger(t)
	ctx := context.Background()
	convID, msgID := seedTrigger(t, svc)
	ledger.now = func() time.Time { return time.Now().Add(-time.Hour) }
	run, _ := ledger.Create(ctx, nil, convID, msgID)
	ledger.now = time.Now

	ids, err := ledger.StaleQueued(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("StaleQueued: %v", err)
	}
	if len(ids) != 1 || ids[0] != run.ID {
		t.Fatalf("expected stale run, got %v", ids)
	}
	ledger.Claim(ctx, run.ID)
	ids, _ = ledger.StaleQueued(ctx, time.Now().Add(-time.Minute), 10)
	if len(ids) != 0 {
		t.Fatalf("running run is not stale-queued: %v", ids)
	}
}
