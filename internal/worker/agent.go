// Package worker is the reference self-hosted worker agent. It holds one
// connection to a relay pool, runs each job it is handed against a local Cog
// server and reports the result back on the same connection.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"golang.org/x/sync/errgroup"
)

const writeWait = 10 * time.Second

// Runner executes one job to completion.
type Runner interface {
	Predict(ctx context.Context, job *models.Prediction) *models.Update
}

// Agent keeps a worker session connected, reconnecting with exponential
// backoff whenever the connection drops.
type Agent struct {
	cfg    config.WorkerConfig
	runner Runner
	dialer *websocket.Dialer

	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewAgent(cfg config.WorkerConfig, runner Runner) *Agent {
	return &Agent{
		cfg:            cfg,
		runner:         runner,
		dialer:         &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

// Run connects and serves jobs until ctx is cancelled. Rejected credentials
// stop the agent; every other failure is retried.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.InitialBackoff
	b.MaxInterval = a.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := a.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("relay connection lost, reconnecting", "error", err, "retry_in", wait.String())
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SessionURL returns the pool endpoint for the configured model and session.
func SessionURL(relayURL, model, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path += "/v1/models/" + model + "/websocket"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String(), nil
}

func (a *Agent) session(ctx context.Context, connected func()) error {
	target, err := SessionURL(a.cfg.RelayURL, a.cfg.Model, a.cfg.SessionID)
	if err != nil {
		return backoff.Permanent(err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)

	ws, resp, err := a.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return backoff.Permanent(fmt.Errorf("relay rejected token: %w", err))
		}
		return fmt.Errorf("dial relay: %w", err)
	}
	connected()
	slog.Info("connected to relay", "model", a.cfg.Model, "session_id", a.cfg.SessionID)

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan *models.Prediction)
	updates := make(chan *models.Update, 4)

	g.Go(func() error {
		<-gctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return ws.Close()
	})

	g.Go(func() error {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return fmt.Errorf("read from relay: %w", err)
			}
			var job models.Prediction
			if err := json.Unmarshal(data, &job); err != nil || job.ID == "" {
				slog.Warn("ignoring malformed job", "error", err, "bytes", len(data))
				continue
			}
			select {
			case jobs <- &job:
			case <-gctx.Done():
				return nil
			}
		}
	})

	report := func(upd *models.Update) bool {
		select {
		case updates <- upd:
			return true
		case <-gctx.Done():
			return false
		}
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case job := <-jobs:
				slog.Info("job received", "prediction_id", job.ID)
				if !report(&models.Update{ID: job.ID, Status: models.StatusProcessing}) {
					return nil
				}
				upd := a.runner.Predict(gctx, job)
				slog.Info("job finished", "prediction_id", job.ID, "status", upd.Status)
				if !report(upd) {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case upd := <-updates:
				if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return err
				}
				if err := ws.WriteJSON(upd); err != nil {
					return fmt.Errorf("write to relay: %w", err)
				}
			}
		}
	})

	return g.Wait()
}
