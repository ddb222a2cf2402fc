package auth

import (
	"context"
	"testing"
	"time"

	"agentchat/internal/storage/storagetest"
)

func TestRunTokenCleaner(t *testing.T) {
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "dave")
	svc := NewService(db, nil, time.Hour)
	if _, _, err := svc.IssueToken(context.Background(), userID); err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunTokenCleaner(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens`).Scan(&count); err != nil {
			t.Fatalf("count tokens: %v", err)
		}
		if count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cleaner never purged the expired token")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cleaner returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cleaner did not stop")
	}
}
