package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/api/response"
	"github.com/kiranshivaraju/cogrelay/internal/cache"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen  = 8
	tokenCacheTTL = 5 * time.Minute
	tokenHeader   = "X-Cogrelay-Token"
)

// Auth resolves bearer tokens to credentials.
type Auth struct {
	tokens store.TokenStore
	cache  cache.Cache
}

// NewAuth creates a new Auth middleware. Resolved tokens are cached in c.
func NewAuth(tokens store.TokenStore, c cache.Cache) *Auth {
	return &Auth{tokens: tokens, cache: c}
}

type cachedToken struct {
	ID         uuid.UUID         `json:"id"`
	Credential models.Credential `json:"credential"`
}

// Authenticate validates the caller's token and sets the credential and
// token prefix in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API token format", nil)
			return
		}
		prefix := rawKey[:keyPrefixLen]

		tok, ok := a.cached(r.Context(), rawKey)
		if !ok {
			var err error
			tok, err = a.lookup(r.Context(), rawKey, prefix)
			if err != nil {
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "Failed to validate API token", nil)
				return
			}
			if tok == nil {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Invalid API token", nil)
				return
			}
			a.remember(r.Context(), rawKey, tok)
		}

		ctx := SetCredential(r.Context(), tok.Credential)
		ctx = setKeyPrefix(ctx, prefix)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAllow rejects credentials that may not create predictions.
func (a *Auth) RequireAllow(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := GetCredential(r)
		if !ok || !cred.Allow {
			response.Error(w, http.StatusUnauthorized,
				"UNAUTHORIZED", "Token is not allowed to run predictions", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) lookup(ctx context.Context, rawKey, prefix string) (*cachedToken, error) {
	tokens, err := a.tokens.GetTokensByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	// Find matching token by bcrypt comparison
	for _, t := range tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(rawKey)) != nil {
			continue
		}
		// Update last_used_at async
		go func(id uuid.UUID) {
			if err := a.tokens.UpdateTokenLastUsed(context.Background(), id); err != nil {
				slog.Warn("updating token last_used_at failed", "token_id", id, "error", err)
			}
		}(t.ID)
		return &cachedToken{ID: t.ID, Credential: t.Credential}, nil
	}
	return nil, nil
}

func (a *Auth) cached(ctx context.Context, rawKey string) (*cachedToken, bool) {
	if a.cache == nil {
		return nil, false
	}
	data, ok, err := a.cache.Get(ctx, cache.TokenKey(digest(rawKey)))
	if err != nil || !ok {
		return nil, false
	}
	var tok cachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, false
	}
	return &tok, true
}

func (a *Auth) remember(ctx context.Context, rawKey string, tok *cachedToken) {
	if a.cache == nil {
		return
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, cache.TokenKey(digest(rawKey)), data, tokenCacheTTL); err != nil {
		slog.Warn("caching token failed", "error", err)
	}
}

func digest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// extractToken accepts "Bearer <t>", "Token <t>" or the X-Cogrelay-Token header.
func extractToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(tokenHeader)); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") && !strings.EqualFold(parts[0], "Token") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
