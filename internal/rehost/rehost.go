// Package rehost copies foreign output files into the relay's own blob
// storage and rewrites their URLs.
package rehost

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/blob"
)

// OutputsPrefix is the public route stored objects are served under.
const OutputsPrefix = "/outputs/"

// Rehoster moves output files into blob storage.
type Rehoster struct {
	publicURL  string
	publicHost string
	authDomain string
	blobs      blob.Store
	client     *http.Client
}

// New returns a Rehoster serving objects under publicURL. Downloads from the
// hostname authDomain, its parent domain when it starts with "api.", or any
// subdomain of that carry the caller's API token.
func New(publicURL, authDomain string, blobs blob.Store, timeout time.Duration) (*Rehoster, error) {
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid public URL %q", publicURL)
	}
	return &Rehoster{
		publicURL:  strings.TrimRight(publicURL, "/"),
		publicHost: u.Host,
		authDomain: strings.TrimPrefix(authDomain, "api."),
		blobs:      blobs,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// Key returns a fresh object key for a file named base produced by model.
func Key(model, base string) string {
	return fmt.Sprintf("models/%s/files/%s/%s", model, uuid.NewString(), base)
}

// Hosted reports whether raw already lives on the relay's own host.
func (r *Rehoster) Hosted(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Host == r.publicHost
}

// URL returns the public URL for an object key.
func (r *Rehoster) URL(key string) string {
	return r.publicURL + OutputsPrefix + key
}

// Rehost returns a relay-hosted URL for raw, storing the file under a fresh
// key scoped to model. URLs already on the relay's host, and strings that are
// not http(s) URLs, are returned unchanged. Any failure is logged and raw is
// returned so a job never fails because its output could not be copied.
func (r *Rehoster) Rehost(ctx context.Context, raw, model, token string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return raw
	}
	if u.Host == r.publicHost {
		return raw
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		slog.Warn("rehost request failed", "url", raw, "error", err)
		return raw
	}
	if token != "" && r.needsAuth(u.Hostname()) {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("rehost fetch failed", "url", raw, "error", err)
		return raw
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("rehost fetch failed", "url", raw, "status", resp.StatusCode)
		return raw
	}

	base := path.Base(u.Path)
	if base == "/" || base == "." {
		base = "output"
	}
	key := Key(model, base)
	if err := r.blobs.Put(ctx, key, resp.Body, resp.ContentLength, resp.Header.Get("Content-Type")); err != nil {
		slog.Warn("rehost store failed", "url", raw, "key", key, "error", err)
		return raw
	}

	hosted := r.URL(key)
	slog.Info("output rehosted", "from", raw, "to", hosted)
	return hosted
}

func (r *Rehoster) needsAuth(host string) bool {
	if r.authDomain == "" {
		return false
	}
	return host == r.authDomain || strings.HasSuffix(host, "."+r.authDomain)
}
