package models

import "time"

// Session is one worker's connection handle and assignment within a pool.
type Session struct {
	ID          string      `json:"id"`
	ConnectedAt time.Time   `json:"connected_at"`
	Live        bool        `json:"live"`
	Quit        bool        `json:"quit,omitempty"`
	Assigned    *Prediction `json:"assigned,omitempty"`
}

// Available reports whether the session can take a job.
func (s *Session) Available() bool {
	return s.Live && !s.Quit && s.Assigned == nil
}

// QueueStatus summarises a worker pool.
type QueueStatus struct {
	Available int `json:"available"`
	Total     int `json:"total"`
	Queued    int `json:"queued"`
}
