package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// --- helpers ---

func apiServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(config.ReplicateConfig{
		BaseURL:    baseURL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	})
}

func checkToken(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Token r8_test" {
		t.Errorf("unexpected authorization header: %q", got)
	}
}

// --- ResolveVersion tests ---

func TestResolveVersion_LatestWhenUnspecified(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		checkToken(t, r)
		if r.URL.Path != "/models/acme/upscale/versions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"results":[{"id":"v3"},{"id":"v2"},{"id":"v1"}]}`))
	})

	v, err := newTestClient(t, ts.URL).ResolveVersion(context.Background(), "r8_test", "acme/upscale", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "v3" {
		t.Errorf("expected v3, got %s", v)
	}
}

func TestResolveVersion_ExplicitMatch(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":"v3"},{"id":"v2"}]}`))
	})

	v, err := newTestClient(t, ts.URL).ResolveVersion(context.Background(), "r8_test", "acme/upscale", "v2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "v2" {
		t.Errorf("expected v2, got %s", v)
	}
}

func TestResolveVersion_UnknownExplicitFallsBackToLatest(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":"v3"}]}`))
	})

	v, err := newTestClient(t, ts.URL).ResolveVersion(context.Background(), "r8_test", "acme/upscale", "v9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "v3" {
		t.Errorf("expected v3, got %s", v)
	}
}

func TestResolveVersion_ModelNotFound(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Not found."}`, http.StatusNotFound)
	})

	_, err := newTestClient(t, ts.URL).ResolveVersion(context.Background(), "r8_test", "acme/missing", "")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestResolveVersion_NoVersions(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})

	_, err := newTestClient(t, ts.URL).ResolveVersion(context.Background(), "r8_test", "acme/empty", "")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

// --- Start tests ---

func TestStart_SendsVersionAndInput(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		checkToken(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/predictions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body startRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body.Version != "v3" {
			t.Errorf("unexpected version: %s", body.Version)
		}
		if string(body.Input) != `{"url":"https://example.com/a.png"}` {
			t.Errorf("unexpected input: %s", body.Input)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"ext-1","status":"starting"}`))
	})

	u, err := newTestClient(t, ts.URL).Start(context.Background(), "r8_test", "v3",
		json.RawMessage(`{"url":"https://example.com/a.png"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "ext-1" || u.Status != models.StatusStarting {
		t.Errorf("unexpected update: %+v", u)
	}
}

func TestStart_MissingID(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"starting"}`))
	})

	_, err := newTestClient(t, ts.URL).Start(context.Background(), "r8_test", "v3", nil)
	if !errors.Is(err, ErrAPI) {
		t.Errorf("expected ErrAPI, got %v", err)
	}
}

// --- Get tests ---

func TestGet_DecodesUpdate(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predictions/ext-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": "ext-1",
			"status": "canceled",
			"output": {"image": "https://replicate.delivery/x/out.png"},
			"logs": "step 1\nstep 2",
			"metrics": {"predict_time": 2.5},
			"completed_at": "2026-03-01T12:00:00Z"
		}`))
	})

	u, err := newTestClient(t, ts.URL).Get(context.Background(), "r8_test", "ext-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Status != models.StatusCancelled {
		t.Errorf("expected cancelled, got %s", u.Status)
	}
	out, ok := u.Output.(map[string]any)
	if !ok || out["image"] != "https://replicate.delivery/x/out.png" {
		t.Errorf("unexpected output: %#v", u.Output)
	}
	if u.CompletedAt == nil || !u.CompletedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected completed_at: %v", u.CompletedAt)
	}
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"ext-1","status":"processing"}`))
	})

	u, err := newTestClient(t, ts.URL).Get(context.Background(), "r8_test", "ext-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Status != models.StatusProcessing {
		t.Errorf("expected processing, got %s", u.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGet_PersistentServerErrorIsAPIError(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := newTestClient(t, ts.URL).Get(context.Background(), "r8_test", "ext-1")
	if !errors.Is(err, ErrAPI) {
		t.Errorf("expected ErrAPI, got %v", err)
	}
}

func TestGet_MalformedBody(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := newTestClient(t, ts.URL).Get(context.Background(), "r8_test", "ext-1")
	if !errors.Is(err, ErrAPI) {
		t.Errorf("expected ErrAPI, got %v", err)
	}
}

func TestGet_Unreachable(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	c.client.RetryMax = 0

	_, err := c.Get(context.Background(), "r8_test", "ext-1")
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestGet_ContextCancelled(t *testing.T) {
	ts := apiServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, ts.URL).Get(ctx, "r8_test", "ext-1")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestHostname(t *testing.T) {
	c := newTestClient(t, "https://api.replicate.com:443/v1")
	if c.Hostname() != "api.replicate.com" {
		t.Errorf("unexpected hostname: %s", c.Hostname())
	}
}
