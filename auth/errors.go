package auth

import "errors"

// Authentication errors.
var (
	// ErrMissingCredential indicates no token was presented.
	ErrMissingCredential = errors.New("missing credential")

	// ErrInvalidToken indicates the token is malformed or has an invalid signature.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates the token has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrSecretTooShort indicates the JWT secret is too short.
	ErrSecretTooShort = errors.New("JWT secret must be at least 32 bytes")

	// ErrUserNotFound indicates the token subject has no user record.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists indicates a username is already taken.
	ErrUserExists = errors.New("user already exists")
)
