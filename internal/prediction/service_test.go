package prediction_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/internal/prediction"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, f *fixture) (*prediction.Service, *actor.Runtime[*prediction.Actor]) {
	t.Helper()
	rt, err := prediction.NewRuntime(f.cache, nil, f.deps, actor.Options{CacheSize: 16})
	require.NoError(t, err)
	return prediction.NewService(rt, f.results, 5*time.Second), rt
}

func TestService_CreateRejectsBeforeAnyState(t *testing.T) {
	tests := []struct {
		name string
		cred models.Credential
		req  prediction.CreateRequest
		want error
	}{
		{"not allowed", models.Credential{ReplicateToken: "r8"}, upscaleRequest(), prediction.ErrUnauthorized},
		{"no model or version", cred, prediction.CreateRequest{}, prediction.ErrInvalidRequest},
		{"version only", cred, prediction.CreateRequest{Version: "v1"}, prediction.ErrInvalidRequest},
		{"bad model", cred, prediction.CreateRequest{Model: "upscale"}, prediction.ErrInvalidRequest},
		{"bad callback", cred, prediction.CreateRequest{Model: "acme/upscale", CallbackURL: "ftp://x"}, prediction.ErrInvalidRequest},
		{"no upstream token", models.Credential{Allow: true}, upscaleRequest(), prediction.ErrCredentialMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			svc, _ := newService(t, f)

			_, err := svc.Create(context.Background(), tt.cred, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, f.cache.Keys())
		})
	}
}

func TestService_CreateAndGet(t *testing.T) {
	f := newFixture(t)
	svc, _ := newService(t, f)
	ctx := context.Background()

	p, err := svc.Create(ctx, cred, upscaleRequest())
	require.NoError(t, err)
	_, err = uuid.Parse(p.ID)
	require.NoError(t, err)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreating, got.Status)
}

func TestService_GetPrefersTerminalResult(t *testing.T) {
	f := newFixture(t)
	svc, _ := newService(t, f)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, f.results.PutResult(ctx, &models.Prediction{
		ID:     id,
		Status: models.StatusSucceeded,
		Output: "https://relay.example.com/outputs/x.png",
	}))

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
}

func TestService_GetUnknown(t *testing.T) {
	f := newFixture(t)
	svc, rt := newService(t, f)

	_, err := svc.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, prediction.ErrNotFound)

	id := uuid.NewString()
	_, err = svc.Get(context.Background(), id)
	assert.ErrorIs(t, err, prediction.ErrNotFound)
	assert.False(t, rt.Live(id), "unknown ids are not kept resident")
}

func TestService_RuntimeDrivesLifecycle(t *testing.T) {
	f := newFixture(t)
	f.deps.Now = nil
	f.deps.Config.StartDelay = 5 * time.Millisecond
	f.deps.Config.PollInterval = 5 * time.Millisecond
	f.replicate.update = &models.Update{
		ID:     "ext-1",
		Status: models.StatusSucceeded,
		Output: "plain text output",
		Logs:   json.RawMessage(`"ok"`),
	}

	sched := actor.NewScheduler()
	rt, err := prediction.NewRuntime(f.cache, sched, f.deps, actor.Options{CacheSize: 16, AlarmTimeout: 5 * time.Second})
	require.NoError(t, err)
	svc := prediction.NewService(rt, f.results, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	p, err := svc.Create(context.Background(), cred, upscaleRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), p.ID)
		return err == nil && got.Status == models.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	got, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "plain text output", got.Output)
	assert.Equal(t, models.ThirdParty{ExternalRef: "ext-1"}, got.Runner)
}
