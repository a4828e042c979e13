package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is what a bearer token grants: whether the caller may create
// predictions, the upstream API token used on their behalf, and the worker
// namespace their pools live under.
type Credential struct {
	Allow          bool   `json:"allow"`
	ReplicateToken string `json:"replicate_token,omitempty"`
	Worker         string `json:"worker,omitempty"`
}

// PoolFor returns the worker-pool identity serving model for this credential.
func (c Credential) PoolFor(model string) string {
	if c.Worker == "" {
		return model
	}
	return c.Worker + "/" + model
}

// APIToken is a stored bearer token. Raw tokens are shown once at creation;
// only the bcrypt hash is stored.
type APIToken struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	Name        string     `db:"name"         json:"name"`
	TokenHash   string     `db:"token_hash"   json:"-"`
	TokenPrefix string     `db:"token_prefix" json:"token_prefix"`
	Credential  Credential `db:"-"            json:"credential"`
	LastUsedAt  *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `db:"revoked_at"   json:"-"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}
