package cache

import "fmt"

// ActorKey addresses one value in an actor's private storage.
func ActorKey(namespace, id, key string) string {
	return fmt.Sprintf("actor:%s:%s:%s", namespace, id, key)
}

// AlarmSetKey is the sorted set holding pending alarms for an actor namespace.
func AlarmSetKey(namespace string) string {
	return fmt.Sprintf("alarms:%s", namespace)
}

// RateLimitKey counts one token prefix's requests in the window starting at
// windowStart (unix seconds).
func RateLimitKey(tokenPrefix string, windowStart int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", tokenPrefix, windowStart)
}

// TokenKey caches a resolved credential by the SHA-256 of the raw token.
func TokenKey(tokenDigest string) string {
	return fmt.Sprintf("token:%s", tokenDigest)
}
