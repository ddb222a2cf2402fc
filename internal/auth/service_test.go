package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"agentchat/internal/config"
	"agentchat/internal/redis"
	"agentchat/internal/service/chat"
	"agentchat/internal/storage"
	"agentchat/internal/storage/storagetest"
)

func newTestUser(t *testing.T, db *storage.DB, name string) string {
	t.Helper()
	user, err := chat.NewService(db).RegisterUser(context.Background(), name, "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return user.ID
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "alice")

	svc := NewService(db, nil, time.Hour)
	token, expires, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if token == "" || !expires.After(time.Now()) {
		t.Fatalf("expected token with future expiry")
	}
	got, err := svc.ValidateToken(context.Background(), token)
	if err != nil || got != userID {
		t.Fatalf("ValidateToken failed: id=%s err=%v", got, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, _, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), userID); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "bob")

	svc := NewService(db, nil, 10*time.Millisecond)
	token, _, err := svc.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiration error, got %v", err)
	}
	// ensure token removed
	var count int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestAuthPurgeExpired(t *testing.T) {
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "carol")
	svc := NewService(db, nil, time.Hour)
	if _, _, err := svc.IssueToken(context.Background(), userID); err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := svc.PurgeExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one purged token, got %d (%v)", n, err)
	}
}

// memoryCache is a TokenCache backed by a map.
type memoryCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	return nil
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func TestAuthTokenCacheServesLookups(t *testing.T) {
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "dave")
	cache := &memoryCache{data: make(map[string]string)}
	svc := NewService(db, cache, time.Hour)
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if cache.data[redisTokenPrefix+token] != userID {
		t.Fatalf("token not cached")
	}
	_, _ = db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, token)
	if got, err := svc.ValidateToken(ctx, token); err != nil || got != userID {
		t.Fatalf("ValidateToken via cache failed: id=%s err=%v", got, err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, ok := cache.data[redisTokenPrefix+token]; ok {
		t.Fatalf("expected cache entry deleted")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "erin")
	svc := NewService(db, nil, time.Hour)
	token, _, _ := svc.IssueToken(context.Background(), userID)

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		tok, _ := AuthTokenFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user_id": id, "token_ok": tok == token})
	})

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer nope", http.StatusUnauthorized},
		{"Basic " + token, http.StatusUnauthorized},
		{"Bearer " + token, http.StatusOK},
		{"bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Errorf("header %q: expected %d, got %d (%s)", tc.header, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := storagetest.Open(t)
	userID := newTestUser(t, db, "frank")

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, time.Hour)
	ctx := context.Background()

	token, _, err := svc.IssueToken(ctx, userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	raw := cacheClient.Raw()
	if raw == nil {
		t.Fatalf("redis raw client nil")
	}
	key := redisTokenPrefix + token
	got, err := raw.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != userID {
		t.Fatalf("expected user %s in rdb, got %s", userID, got)
	}

	_, _ = db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, token)
	cached, err := svc.ValidateToken(ctx, token)
	if err != nil || cached != userID {
		t.Fatalf("ValidateToken via rdb failed: id=%s err=%v", cached, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := raw.Get(ctx, key).Result(); err == nil {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke and rdb delete")
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup
}
