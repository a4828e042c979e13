package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	created []*models.APIToken
	revoked []uuid.UUID
	err     error
}

func (s *fakeStore) CreateToken(_ context.Context, t *models.APIToken) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, t)
	return nil
}

func (s *fakeStore) RevokeToken(_ context.Context, id uuid.UUID) error {
	if s.err != nil {
		return s.err
	}
	s.revoked = append(s.revoked, id)
	return nil
}

func openFake(s *fakeStore) opener {
	return func(_ context.Context, _ string) (tokenStore, func(), error) {
		return s, func() {}, nil
	}
}

func TestNewToken(t *testing.T) {
	raw, tok, err := newToken("ci", models.Credential{Allow: true, Worker: "acme-gpu"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, tokenPrefix))
	assert.Len(t, raw, len(tokenPrefix)+2*randomLength)
	assert.Equal(t, raw[:prefixLen], tok.TokenPrefix)
	assert.Equal(t, "ci", tok.Name)
	assert.Equal(t, "acme-gpu", tok.Credential.Worker)
	assert.NotEqual(t, uuid.Nil, tok.ID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(tok.TokenHash), []byte(raw)))

	raw2, _, err := newToken("ci", models.Credential{})
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestCreateCommand(t *testing.T) {
	s := &fakeStore{}
	var out bytes.Buffer

	err := app(&out, openFake(s)).Run([]string{
		"tokens", "create", "--database-url", "postgres://x", "--name", "ci", "--worker", "acme-gpu", "--deny",
	})
	require.NoError(t, err)

	require.Len(t, s.created, 1)
	tok := s.created[0]
	assert.False(t, tok.Credential.Allow)
	assert.Equal(t, "acme-gpu", tok.Credential.Worker)
	assert.Contains(t, out.String(), tok.ID.String())
	assert.Contains(t, out.String(), "token: "+tok.TokenPrefix)
}

func TestRevokeCommand(t *testing.T) {
	s := &fakeStore{}
	var out bytes.Buffer
	id := uuid.New()

	err := app(&out, openFake(s)).Run([]string{"tokens", "revoke", "--database-url", "postgres://x", id.String()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, s.revoked)
	assert.Contains(t, out.String(), "revoked "+id.String())
}

func TestRevokeCommand_InvalidID(t *testing.T) {
	s := &fakeStore{}
	var out bytes.Buffer

	err := app(&out, openFake(s)).Run([]string{"tokens", "revoke", "--database-url", "postgres://x", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token id")
	assert.Empty(t, s.revoked)
}

func TestRevokeCommand_NotFound(t *testing.T) {
	s := &fakeStore{err: store.ErrNotFound}
	var out bytes.Buffer

	err := app(&out, openFake(s)).Run([]string{"tokens", "revoke", "--database-url", "postgres://x", uuid.NewString()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already revoked")
}
