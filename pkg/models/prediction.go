// Package models contains shared data models used across the cogrelay codebase.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a prediction as reported to callers.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// UnmarshalJSON accepts the American spelling used by some upstreams.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "canceled" {
		raw = string(StatusCancelled)
	}
	*s = Status(raw)
	return nil
}

// URLs are the caller-facing links stamped onto every record.
type URLs struct {
	Get    string `json:"get,omitempty"`
	Cancel string `json:"cancel,omitempty"`
}

// NewURLs builds the record links under baseURL.
func NewURLs(baseURL, id string) *URLs {
	return &URLs{
		Get:    baseURL + "/v1/predictions/" + id,
		Cancel: baseURL + "/v1/predictions/" + id + "/cancel",
	}
}

// Prediction is the job record persisted by the prediction and queue actors,
// sent to workers and delivered to callbacks.
type Prediction struct {
	ID          string          `json:"id"`
	Model       string          `json:"model,omitempty"`
	Version     string          `json:"version,omitempty"`
	Runner      Runner          `json:"-"`
	URLs        *URLs           `json:"urls,omitempty"`
	Source      string          `json:"source,omitempty"`
	Status      Status          `json:"status,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      any             `json:"output,omitempty"`
	Logs        json.RawMessage `json:"logs,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type predictionAlias Prediction

type predictionJSON struct {
	*predictionAlias
	RunnerKind  RunnerKind `json:"runner,omitempty"`
	ExternalRef string     `json:"external_ref,omitempty"`
	Pool        string     `json:"pool,omitempty"`
}

func (p Prediction) MarshalJSON() ([]byte, error) {
	alias := predictionAlias(p)
	out := predictionJSON{predictionAlias: &alias}
	switch r := p.Runner.(type) {
	case SelfHosted:
		out.RunnerKind = RunnerSelfHosted
		out.Pool = r.Pool
	case ThirdParty:
		out.RunnerKind = RunnerThirdParty
		out.ExternalRef = r.ExternalRef
	}
	return json.Marshal(out)
}

func (p *Prediction) UnmarshalJSON(data []byte) error {
	aux := predictionJSON{predictionAlias: (*predictionAlias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch aux.RunnerKind {
	case "":
		p.Runner = nil
	case RunnerSelfHosted:
		p.Runner = SelfHosted{Pool: aux.Pool}
	case RunnerThirdParty:
		p.Runner = ThirdParty{ExternalRef: aux.ExternalRef}
	default:
		return fmt.Errorf("unknown runner %q", aux.RunnerKind)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *Prediction) Clone() *Prediction {
	b, err := json.Marshal(p)
	if err != nil {
		cp := *p
		return &cp
	}
	var cp Prediction
	if err := json.Unmarshal(b, &cp); err != nil {
		cp = *p
	}
	return &cp
}

// Update is a status snapshot reported by whichever runner executes the job.
type Update struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Output      any             `json:"output,omitempty"`
	Logs        json.RawMessage `json:"logs,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Snapshot returns the runner-reported fields of p as an Update.
func (p *Prediction) Snapshot() *Update {
	return &Update{
		ID:          p.ID,
		Status:      p.Status,
		Output:      p.Output,
		Logs:        p.Logs,
		Error:       p.Error,
		Metrics:     p.Metrics,
		CompletedAt: p.CompletedAt,
	}
}

// Differs reports whether u carries diagnostics or a status that p does not.
func (p *Prediction) Differs(u *Update) bool {
	return p.Status != u.Status ||
		!jsonEqual(p.Logs, u.Logs) ||
		!jsonEqual(p.Error, u.Error) ||
		!jsonEqual(p.Metrics, u.Metrics)
}

// Apply overwrites the diagnostic fields of p with u. A terminal status is
// never replaced, and CompletedAt is only set on the first terminal status.
func (p *Prediction) Apply(u *Update, now time.Time) {
	if p.Status.Terminal() {
		return
	}
	p.Logs = u.Logs
	p.Error = u.Error
	p.Metrics = u.Metrics
	if u.Status != "" {
		p.Status = u.Status
	}
	if p.Status.Terminal() && p.CompletedAt == nil {
		at := now
		if u.CompletedAt != nil {
			at = *u.CompletedAt
		}
		p.CompletedAt = &at
	}
}

// jsonEqual compares two raw documents ignoring insignificant whitespace.
// A literal null is treated as absent.
func jsonEqual(a, b json.RawMessage) bool {
	return bytes.Equal(compact(a), compact(b))
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	if bytes.Equal(buf.Bytes(), []byte("null")) {
		return nil
	}
	return buf.Bytes()
}
