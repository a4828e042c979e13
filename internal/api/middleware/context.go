package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/cogrelay/pkg/models"
)

type contextKey string

const (
	credentialKey contextKey = "credential"
	keyPrefixKey  contextKey = "key_prefix"
)

func SetCredential(ctx context.Context, cred models.Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

func GetCredential(r *http.Request) (models.Credential, bool) {
	cred, ok := r.Context().Value(credentialKey).(models.Credential)
	return cred, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
