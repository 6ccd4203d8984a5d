package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// UserResolver maps a verified username to a user.
type UserResolver interface {
	ResolveUser(ctx context.Context, username string) (User, error)
}

// Authenticator turns a presented token into a user.
type Authenticator struct {
	cfg   JWTConfig
	users UserResolver
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg JWTConfig, users UserResolver) *Authenticator {
	return &Authenticator{cfg: cfg, users: users}
}

// Authenticate verifies token and resolves its user. Errors wrap
// ErrMissingCredential, ErrInvalidToken, ErrTokenExpired, or ErrUserNotFound;
// any other error is a lookup failure.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (User, error) {
	username, err := VerifyCredential(a.cfg, token)
	if err != nil {
		return User{}, err
	}
	user, err := a.users.ResolveUser(ctx, username)
	if err != nil {
		return User{}, fmt.Errorf("resolve %q: %w", username, err)
	}
	return user, nil
}

// HashToken creates a SHA-256 hash of a token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// IngestKey guards the producer endpoints. The zero value accepts anything.
type IngestKey struct {
	hash string
}

// NewIngestKey keeps the hash of key. An empty key disables the check.
func NewIngestKey(key string) IngestKey {
	if key == "" {
		return IngestKey{}
	}
	return IngestKey{hash: HashToken(key)}
}

// Check reports whether presented matches the configured key.
func (k IngestKey) Check(presented string) bool {
	if k.hash == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(k.hash), []byte(HashToken(presented))) == 1
}

// GenerateIngestKey returns a random key for producers.
func GenerateIngestKey() (string, error) {
	random, err := nanoid.Generate(
		"0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz",
		40,
	)
	if err != nil {
		return "", fmt.Errorf("generate ingest key: %w", err)
	}
	return "ingest_" + random, nil
}
