package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// HTTPCallbacks posts records to caller-supplied URLs. Deliveries are made
// once; failures are logged and dropped.
type HTTPCallbacks struct {
	client *http.Client
}

func NewHTTPCallbacks(timeout time.Duration) *HTTPCallbacks {
	return &HTTPCallbacks{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPCallbacks) Notify(ctx context.Context, url string, p *models.Prediction) {
	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("callback encode failed", "prediction_id", p.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("callback request failed", "prediction_id", p.ID, "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("callback delivery failed", "prediction_id", p.ID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		slog.Warn("callback rejected", "prediction_id", p.ID, "url", url,
			"status", resp.StatusCode, "prediction_status", p.Status)
	}
}
