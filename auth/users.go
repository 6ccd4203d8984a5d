package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is an account that can own rooms.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Users is the user directory backed by the users table.
type Users struct {
	db *sql.DB
}

// NewUsers wraps an open database.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// ResolveUser looks up a user by name.
func (u *Users) ResolveUser(ctx context.Context, username string) (User, error) {
	user := User{Username: username}
	err := u.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = ?`, username).Scan(&user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to resolve user: %w", err)
	}
	return user, nil
}

// CreateUser adds a user and returns it with its assigned ID.
func (u *Users) CreateUser(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, errors.New("username is required")
	}

	res, err := u.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)
		 ON CONFLICT(username) DO NOTHING`,
		username, time.Now().Unix())
	if err != nil {
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Username: username}, nil
}
