package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Prediction Results ---

// PutResult stores p keyed by its id, replacing any earlier record.
func (s *PostgresStore) PutResult(ctx context.Context, p *models.Prediction) error {
	record, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prediction %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO prediction_results (id, record, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record`,
		p.ID, record, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("put prediction result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, id string) (*models.Prediction, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM prediction_results WHERE id = $1`, id,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction result: %w", err)
	}

	var p models.Prediction
	if err := json.Unmarshal(record, &p); err != nil {
		return nil, fmt.Errorf("decode prediction result %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) DeleteResult(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prediction_results WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prediction result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Tokens ---

const tokenColumns = `id, name, token_hash, token_prefix, allow, replicate_token, worker, last_used_at, revoked_at, created_at`

func (s *PostgresStore) GetTokensByPrefix(ctx context.Context, prefix string) ([]*models.APIToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get tokens by prefix: %w", err)
	}
	defer rows.Close()

	var tokens []*models.APIToken
	for rows.Next() {
		var t models.APIToken
		if err := rows.Scan(&t.ID, &t.Name, &t.TokenHash, &t.TokenPrefix,
			&t.Credential.Allow, &t.Credential.ReplicateToken, &t.Credential.Worker,
			&t.LastUsedAt, &t.RevokedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) UpdateTokenLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_tokens SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update token last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *models.APIToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_tokens (id, name, token_hash, token_prefix, allow, replicate_token, worker, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.TokenHash, t.TokenPrefix,
		t.Credential.Allow, t.Credential.ReplicateToken, t.Credential.Worker, t.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api token: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
