package ownership

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/scribesync/sqlite"
)

type downBackend struct{}

func (downBackend) Put(context.Context, string, int64) error { return errors.New("connection refused") }
func (downBackend) Get(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (downBackend) Delete(context.Context, string) error { return errors.New("connection refused") }

func TestRegistrySQLBackend(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := NewRegistry(NewSQLBackend(db), nil)

	_, ok := reg.Get(ctx, "standup")
	assert.False(t, ok)

	reg.Put(ctx, "standup", 1)
	reg.Put(ctx, "standup", 2)

	owner, ok := reg.Get(ctx, "standup")
	require.True(t, ok)
	assert.Equal(t, int64(2), owner)

	// a fresh registry over the same database sees the mapping
	other := NewRegistry(NewSQLBackend(db), nil)
	owner, ok = other.Get(ctx, "standup")
	require.True(t, ok)
	assert.Equal(t, int64(2), owner)

	require.NoError(t, reg.Delete(ctx, "standup"))
	_, ok = other.Get(ctx, "standup")
	assert.False(t, ok)
}

func TestRegistryFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(downBackend{}, nil)

	reg.Put(ctx, "standup", 5)
	owner, ok := reg.Get(ctx, "standup")
	require.True(t, ok)
	assert.Equal(t, int64(5), owner)

	assert.Error(t, reg.Delete(ctx, "standup"))
	_, ok = reg.Get(ctx, "standup")
	assert.False(t, ok)
}

func TestRegistryMemoryOnly(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil)

	reg.Put(ctx, "a", 1)
	reg.Put(ctx, "b", 2)

	owner, ok := reg.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, int64(2), owner)
	require.NoError(t, reg.Delete(ctx, "b"))
	_, ok = reg.Get(ctx, "b")
	assert.False(t, ok)
}

// flakyBackend keeps rows in memory and fails writes while down is set.
type flakyBackend struct {
	mu   sync.Mutex
	rows map[string]int64
	down bool
}

func (b *flakyBackend) Put(_ context.Context, room string, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("disk I/O error")
	}
	b.rows[room] = userID
	return nil
}

func (b *flakyBackend) Get(_ context.Context, room string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.rows[room]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (b *flakyBackend) Delete(_ context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, room)
	return nil
}

func (b *flakyBackend) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func TestRegistryLastWriteWinsWhileBackendRejectsWrites(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{rows: make(map[string]int64)}
	reg := NewRegistry(backend, nil)

	reg.Put(ctx, "standup", 1)
	backend.setDown(true)
	reg.Put(ctx, "standup", 2)
	assert.Equal(t, 1, reg.Pending())

	owner, ok := reg.Get(ctx, "standup")
	require.True(t, ok)
	assert.Equal(t, int64(2), owner)

	// once the backend recovers the next lookup writes the mapping through
	backend.setDown(false)
	owner, ok = reg.Get(ctx, "standup")
	require.True(t, ok)
	assert.Equal(t, int64(2), owner)
	assert.Zero(t, reg.Pending())

	stored, err := backend.Get(ctx, "standup")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored)

	// a fresh registry over the recovered backend agrees
	owner, ok = NewRegistry(backend, nil).Get(ctx, "standup")
	require.True(t, ok)
	assert.Equal(t, int64(2), owner)
}
