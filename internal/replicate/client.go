// Package replicate is a thin client for the hosted prediction API used when
// no self-hosted worker is available.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// Sentinel errors for upstream API failures.
var (
	ErrUnreachable   = errors.New("prediction API unreachable")
	ErrAPI           = errors.New("prediction API error")
	ErrTimeout       = errors.New("prediction API timeout")
	ErrModelNotFound = errors.New("model not found")
)

// Client is the interface for the hosted prediction API. token is the
// caller's own API token; every call is made on their behalf.
type Client interface {
	ResolveVersion(ctx context.Context, token, model, version string) (string, error)
	Start(ctx context.Context, token, version string, input json.RawMessage) (*models.Update, error)
	Get(ctx context.Context, token, id string) (*models.Update, error)
}

// HTTPClient implements Client over the REST API.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPClient creates a client for cfg.BaseURL. 5xx and 429 responses are
// retried up to cfg.MaxRetries times.
func NewHTTPClient(cfg config.ReplicateConfig) *HTTPClient {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.RetryMax = cfg.MaxRetries
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}
}

// Hostname returns the API hostname. Output files served from this domain
// need the caller's token to download.
func (c *HTTPClient) Hostname() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ResolveVersion returns version if the model lists it, else the model's most
// recent version.
func (c *HTTPClient) ResolveVersion(ctx context.Context, token, model, version string) (string, error) {
	u := fmt.Sprintf("%s/models/%s/versions", c.baseURL, model)

	var page versionPage
	status, err := c.do(ctx, http.MethodGet, u, token, nil, &page)
	if err != nil {
		if status == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, model)
		}
		return "", err
	}
	if len(page.Results) == 0 {
		return "", fmt.Errorf("%w: %s has no versions", ErrModelNotFound, model)
	}
	for _, v := range page.Results {
		if version != "" && v.ID == version {
			return v.ID, nil
		}
	}
	return page.Results[0].ID, nil
}

// Start submits input against version and returns the upstream record.
// The returned Update.ID is the external reference for later polls.
func (c *HTTPClient) Start(ctx context.Context, token, version string, input json.RawMessage) (*models.Update, error) {
	body, err := json.Marshal(startRequest{Version: version, Input: input})
	if err != nil {
		return nil, fmt.Errorf("encoding start request: %w", err)
	}

	var out models.Update
	if _, err := c.do(ctx, http.MethodPost, c.baseURL+"/predictions", token, body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: start response carried no id", ErrAPI)
	}
	return &out, nil
}

func (c *HTTPClient) Get(ctx context.Context, token, id string) (*models.Update, error) {
	u := fmt.Sprintf("%s/predictions/%s", c.baseURL, url.PathEscape(id))

	var out models.Update
	if _, err := c.do(ctx, http.MethodGet, u, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one JSON call and decodes a 2xx body into out. The status code
// is returned alongside API errors so callers can special-case 404.
func (c *HTTPClient) do(ctx context.Context, method, u, token string, body []byte, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status %d: %s",
			ErrAPI, method, u, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: decoding response: %v", ErrAPI, err)
	}
	return resp.StatusCode, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- API wire types ---

type startRequest struct {
	Version string          `json:"version"`
	Input   json.RawMessage `json:"input"`
}

type versionPage struct {
	Results []modelVersion `json:"results"`
}

type modelVersion struct {
	ID string `json:"id"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
