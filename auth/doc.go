// Package auth verifies subscriber credentials and resolves them to users.
//
// Tokens are HS256 JWTs whose subject is a username. The user directory maps
// usernames to the numeric IDs that own rooms and transcripts.
//
//	cfg := auth.JWTConfig{Secret: secret, Issuer: "scribesync"}
//	token, err := auth.IssueToken(cfg, "alice")
//
//	a := auth.NewAuthenticator(cfg, auth.NewUsers(db))
//	user, err := a.Authenticate(ctx, token)
//
// Producers posting transcript events present an ingest key instead; only
// its hash is kept in memory.
package auth
