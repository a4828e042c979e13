package queue_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/internal/cache/memory"
	"github.com/kiranshivaraju/cogrelay/internal/queue"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_DispatchAndReport(t *testing.T) {
	results := newStubResults()
	sched := actor.NewScheduler()
	rt, err := queue.NewRuntime(memory.New(), sched, &queue.Deps{
		Results:       results,
		BaseURL:       "https://relay.example.com",
		DispatchDelay: 10 * time.Millisecond,
	}, actor.Options{})
	require.NoError(t, err)
	svc := queue.NewService(rt, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = svc.Serve(r.Context(), pool, r.URL.Query().Get("session_id"), ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session_id=w1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		st, err := svc.Status(context.Background(), pool)
		return err == nil && st.Available == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Enqueue(context.Background(), pool, job("p1")))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var got models.Prediction
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "p1", got.ID)
	assert.JSONEq(t, `{"scale":2}`, string(got.Input))

	require.NoError(t, client.WriteJSON(models.Update{ID: "p1", Status: models.StatusSucceeded, Output: "x.png"}))

	require.Eventually(t, func() bool {
		p, err := svc.Lookup(context.Background(), pool, "p1")
		return err == nil && p.Status == models.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool {
		st, err := svc.Status(context.Background(), pool)
		return err == nil && st.Total == 0
	}, 2*time.Second, 10*time.Millisecond)
}
