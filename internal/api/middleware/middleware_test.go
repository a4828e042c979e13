package middleware_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/cogrelay/internal/api/middleware"
	"github.com/kiranshivaraju/cogrelay/internal/cache"
	"github.com/kiranshivaraju/cogrelay/internal/cache/memory"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Token Store ---

type mockTokens struct {
	mu      sync.Mutex
	tokens  []*models.APIToken
	err     error
	lookups int
}

func (m *mockTokens) GetTokensByPrefix(_ context.Context, _ string) ([]*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	return m.tokens, m.err
}
func (m *mockTokens) UpdateTokenLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (m *mockTokens) CreateToken(_ context.Context, _ *models.APIToken) error  { return nil }
func (m *mockTokens) RevokeToken(_ context.Context, _ uuid.UUID) error         { return nil }

func (m *mockTokens) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

// --- Mock Cache ---

// counterCache overrides the rate limit counter and leaves the rest of
// cache.Cache unimplemented.
type counterCache struct {
	cache.Cache
	counter int64
	err     error
}

func (m *counterCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func storedToken(t *testing.T, rawKey string, cred models.Credential) *models.APIToken {
	t.Helper()
	return &models.APIToken{
		ID:          uuid.New(),
		Name:        "test",
		TokenHash:   hashKey(t, rawKey),
		TokenPrefix: rawKey[:8],
		Credential:  cred,
	}
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockTokens{}, memory.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidScheme(t *testing.T) {
	auth := mw.NewAuth(&mockTokens{}, memory.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockTokens{}, memory.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockTokens{tokens: []*models.APIToken{}}, memory.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer cr_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongSecret(t *testing.T) {
	rawKey := "cr_test1234567890abcdef"
	tok := storedToken(t, "different_key_entirely", models.Credential{Allow: true})
	tok.TokenPrefix = rawKey[:8]
	auth := mw.NewAuth(&mockTokens{tokens: []*models.APIToken{tok}}, memory.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_StoreError(t *testing.T) {
	auth := mw.NewAuth(&mockTokens{err: errors.New("connection refused")}, memory.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer cr_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_AcceptedHeaders(t *testing.T) {
	rawKey := "cr_test1234567890abcdef"
	cred := models.Credential{Allow: true, ReplicateToken: "r8_abc", Worker: "acme-gpu"}

	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"bearer", "Authorization", "Bearer " + rawKey},
		{"token scheme", "Authorization", "Token " + rawKey},
		{"lowercase scheme", "Authorization", "bearer " + rawKey},
		{"relay header", "X-Cogrelay-Token", rawKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := mw.NewAuth(&mockTokens{tokens: []*models.APIToken{storedToken(t, rawKey, cred)}}, memory.New())

			var got models.Credential
			var gotOK bool
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, gotOK = mw.GetCredential(r)
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set(tt.header, tt.value)
			w := httptest.NewRecorder()
			auth.Authenticate(inner).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.True(t, gotOK)
			assert.Equal(t, cred, got)
		})
	}
}

func TestAuth_CachesResolvedToken(t *testing.T) {
	rawKey := "cr_test1234567890abcdef"
	tokens := &mockTokens{tokens: []*models.APIToken{storedToken(t, rawKey, models.Credential{Allow: true})}}
	auth := mw.NewAuth(tokens, memory.New())
	handler := auth.Authenticate(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+rawKey)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Equal(t, 1, tokens.lookupCount())
}

func TestAuth_RequireAllow(t *testing.T) {
	rawKey := "cr_deny_1234567890abcdef"
	tests := []struct {
		name  string
		allow bool
		want  int
	}{
		{"allowed", true, http.StatusOK},
		{"denied", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := storedToken(t, rawKey, models.Credential{Allow: tt.allow})
			auth := mw.NewAuth(&mockTokens{tokens: []*models.APIToken{tok}}, memory.New())
			handler := auth.Authenticate(auth.RequireAllow(okHandler()))

			req := httptest.NewRequest("POST", "/test", nil)
			req.Header.Set("Authorization", "Bearer "+rawKey)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(memory.New(), 60)
	handler := rl.Limit(okHandler())

	// Simulate auth middleware by setting context
	req := httptest.NewRequest("GET", "/test", nil)
	ctx := context.WithValue(req.Context(), mw.ExportedKeyPrefixKey(), "cr_test1")
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func withPrefix(req *http.Request, prefix string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), mw.ExportedKeyPrefixKey(), prefix))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &counterCache{counter: 60} // next IncrWithExpiry will return 61
	windowStart := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := mw.NewRateLimit(mc, 60).WithClock(func() time.Time { return windowStart.Add(15 * time.Second) })

	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	ctx := context.WithValue(req.Context(), mw.ExportedKeyPrefixKey(), "cr_over1")
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "45", w.Header().Get("Retry-After"), "seconds left in the window")
	assert.Equal(t, strconv.FormatInt(windowStart.Add(time.Minute).Unix(), 10), w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_NewWindowStartsFresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	rl := mw.NewRateLimit(memory.New(), 1).WithClock(func() time.Time { return now })
	handler := rl.Limit(okHandler())

	serve := func() int {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), "cr_win01"))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve())
	assert.Equal(t, http.StatusTooManyRequests, serve())

	now = now.Add(31 * time.Second)
	assert.Equal(t, http.StatusOK, serve(), "next minute has its own counter")
}

func TestRateLimit_CacheErrorFailsOpen(t *testing.T) {
	mc := &counterCache{err: errors.New("redis down")}
	rl := mw.NewRateLimit(mc, 1)

	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	ctx := context.WithValue(req.Context(), mw.ExportedKeyPrefixKey(), "cr_down1")
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(&counterCache{}, 60)

	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// hijackRecorder is a recorder whose connection can be taken over.
type hijackRecorder struct {
	*httptest.ResponseRecorder
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}

func TestRecovery_PanicAfterHijackWritesNothing(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		_, _, err := hj.Hijack()
		require.NoError(t, err)
		panic("worker pump crashed")
	})

	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	req := withPrefix(httptest.NewRequest("GET", "/v1/models/acme/upscale/websocket", nil), "cr_work1")

	assert.NotPanics(t, func() { mw.Recovery(panicking).ServeHTTP(rec, req) })
	assert.Empty(t, rec.Body.String(), "no envelope on a hijacked connection")
}

func TestRecovery_RepanicsOnAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})
	req := httptest.NewRequest("GET", "/test", nil)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), req)
	})
}

func TestLogger_PassesHijacker(t *testing.T) {
	var hijackable bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, hijackable = w.(http.Hijacker)
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	mw.Logger(inner).ServeHTTP(w, req)

	assert.True(t, hijackable)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
