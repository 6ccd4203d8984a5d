// Package ownership maps room names to the user that owns them.
package ownership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by a Backend that has no owner for a room.
var ErrNotFound = errors.New("room owner not found")

// Backend is the durable half of the registry.
type Backend interface {
	Put(ctx context.Context, room string, userID int64) error
	Get(ctx context.Context, room string) (int64, error)
	Delete(ctx context.Context, room string) error
}

// Registry resolves room owners from a durable backend and keeps an
// in-process copy that answers when the backend cannot.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]int64

	// rooms whose latest Put never reached the backend
	pending map[string]struct{}
}

// NewRegistry creates a registry. A nil backend keeps mappings in memory only.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil {
		logger.Warn("No durable ownership store configured, room mappings will not survive restart")
	}
	return &Registry{
		backend: backend,
		logger:  logger,
		cache:   make(map[string]int64),
		pending: make(map[string]struct{}),
	}
}

// Put records userID as the owner of room. The last write wins. When the
// backend rejects the write the in-memory mapping stays authoritative for
// that room until a later write reaches the backend.
func (r *Registry) Put(ctx context.Context, room string, userID int64) {
	r.mu.Lock()
	r.cache[room] = userID
	r.mu.Unlock()

	if r.backend == nil {
		return
	}
	r.store(ctx, room, userID)
}

func (r *Registry) store(ctx context.Context, room string, userID int64) {
	if err := r.backend.Put(ctx, room, userID); err != nil {
		r.mu.Lock()
		r.pending[room] = struct{}{}
		r.mu.Unlock()
		r.logger.Warn("Ownership store unavailable, using in-memory mapping",
			"error", err,
			"room", room,
			"userID", userID)
		return
	}

	r.mu.Lock()
	// a newer Put may have landed in the meantime
	if r.cache[room] == userID {
		delete(r.pending, room)
	}
	r.mu.Unlock()
	r.logger.Debug("Stored room mapping", "room", room, "userID", userID)
}

// Get returns the owner of room.
func (r *Registry) Get(ctx context.Context, room string) (int64, bool) {
	r.mu.RLock()
	_, degraded := r.pending[room]
	cached, cachedOK := r.cache[room]
	r.mu.RUnlock()

	if degraded {
		r.store(ctx, room, cached)
		return cached, cachedOK
	}

	if r.backend != nil {
		userID, err := r.backend.Get(ctx, room)
		switch {
		case err == nil:
			return userID, true
		case errors.Is(err, ErrNotFound):
		default:
			r.logger.Warn("Ownership store lookup failed, using in-memory mapping",
				"error", err,
				"room", room)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.cache[room]
	return userID, ok
}

// Pending returns the number of rooms whose mapping only lives in memory.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Delete forgets the owner of room.
func (r *Registry) Delete(ctx context.Context, room string) error {
	r.mu.Lock()
	delete(r.cache, room)
	delete(r.pending, room)
	r.mu.Unlock()

	if r.backend == nil {
		return nil
	}
	if err := r.backend.Delete(ctx, room); err != nil {
		return fmt.Errorf("failed to delete room mapping: %w", err)
	}
	return nil
}

// SQLBackend stores room owners in the room_owners table.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend wraps an open database.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) Put(ctx context.Context, room string, userID int64) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO room_owners (room_name, user_id) VALUES (?, ?)
		 ON CONFLICT(room_name) DO UPDATE SET user_id = excluded.user_id`,
		room, userID)
	return err
}

func (b *SQLBackend) Get(ctx context.Context, room string) (int64, error) {
	var userID int64
	err := b.db.QueryRowContext(ctx,
		`SELECT user_id FROM room_owners WHERE room_name = ?`, room).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return userID, err
}

func (b *SQLBackend) Delete(ctx context.Context, room string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM room_owners WHERE room_name = ?`, room)
	return err
}
