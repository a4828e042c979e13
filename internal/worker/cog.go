package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// CogRunner runs jobs on a Cog HTTP server. Jobs are submitted with
// PUT /predictions/{id}, which Cog treats as idempotent, so transport
// failures can be retried.
type CogRunner struct {
	baseURL string
	client  *retryablehttp.Client
	now     func() time.Time
}

func NewCogRunner(baseURL string, maxRetries int) *CogRunner {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.RetryMax = maxRetries
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &CogRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

type cogRequest struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

type cogResponse struct {
	Status  models.Status   `json:"status"`
	Output  any             `json:"output"`
	Logs    string          `json:"logs"`
	Error   string          `json:"error"`
	Metrics json.RawMessage `json:"metrics"`
}

// Predict never returns nil; failures become a failed update.
func (c *CogRunner) Predict(ctx context.Context, job *models.Prediction) *models.Update {
	res, err := c.run(ctx, job)
	if err != nil {
		return c.failed(job.ID, err.Error())
	}

	upd := &models.Update{
		ID:      job.ID,
		Status:  res.Status,
		Output:  res.Output,
		Metrics: res.Metrics,
	}
	if !upd.Status.Terminal() {
		return c.failed(job.ID, fmt.Sprintf("cog returned non-terminal status %q", res.Status))
	}
	if res.Logs != "" {
		upd.Logs, _ = json.Marshal(res.Logs)
	}
	if res.Error != "" {
		upd.Error, _ = json.Marshal(res.Error)
	}
	done := c.now().UTC()
	upd.CompletedAt = &done
	return upd
}

func (c *CogRunner) run(ctx context.Context, job *models.Prediction) (*cogResponse, error) {
	input := job.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(cogRequest{ID: job.ID, Input: input})
	if err != nil {
		return nil, fmt.Errorf("encode cog request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/predictions/"+job.ID, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build cog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cog unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cog returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out cogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode cog response: %w", err)
	}
	return &out, nil
}

func (c *CogRunner) failed(id, msg string) *models.Update {
	errMsg, _ := json.Marshal(msg)
	done := c.now().UTC()
	return &models.Update{
		ID:          id,
		Status:      models.StatusFailed,
		Error:       errMsg,
		CompletedAt: &done,
	}
}
