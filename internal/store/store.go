package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ResultStore holds the durable copy of every prediction that reached a
// terminal status. Entries are written once and read many times.
type ResultStore interface {
	PutResult(ctx context.Context, p *models.Prediction) error
	GetResult(ctx context.Context, id string) (*models.Prediction, error)
	DeleteResult(ctx context.Context, id string) error
}

// TokenStore is the bearer-token table consulted by the auth middleware.
type TokenStore interface {
	GetTokensByPrefix(ctx context.Context, prefix string) ([]*models.APIToken, error)
	UpdateTokenLastUsed(ctx context.Context, id uuid.UUID) error
	CreateToken(ctx context.Context, token *models.APIToken) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	ResultStore
	TokenStore
	Ping(ctx context.Context) error
}
