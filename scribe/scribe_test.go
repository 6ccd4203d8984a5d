package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bosley/scribesync/archive"
	"github.com/bosley/scribesync/auth"
	"github.com/bosley/scribesync/ownership"
	"github.com/bosley/scribesync/sqlite"
	"github.com/bosley/scribesync/transcript"
)

type fakeConn struct {
	id uuid.UUID

	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
	code   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("peer gone")
	}
	c.msgs = append(c.msgs, data)
	return nil
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
}

// messages decodes everything sent so far into generic maps.
func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeAuth map[string]auth.User

func (a fakeAuth) Authenticate(_ context.Context, token string) (auth.User, error) {
	switch token {
	case "":
		return auth.User{}, auth.ErrMissingCredential
	case "expired":
		return auth.User{}, auth.ErrTokenExpired
	case "ghost":
		return auth.User{}, fmt.Errorf("resolve %q: %w", "ghost", auth.ErrUserNotFound)
	case "db-down":
		return auth.User{}, errors.New("database is locked")
	}
	u, ok := a[token]
	if !ok {
		return auth.User{}, auth.ErrInvalidToken
	}
	return u, nil
}

// brokenArchive fails every call, as an unreachable archival store would.
type brokenArchive struct{}

var errArchiveDown = errors.New("archive unreachable")

func (brokenArchive) Store(context.Context, int64, string, string, []string, time.Time, string) (string, error) {
	return "", errArchiveDown
}
func (brokenArchive) Fetch(context.Context, int64, string) (*archive.Record, error) {
	return nil, errArchiveDown
}
func (brokenArchive) Delete(context.Context, int64, string) (bool, error) {
	return false, errArchiveDown
}
func (brokenArchive) ListForUser(context.Context, int64) ([]archive.Summary, error) {
	return nil, errArchiveDown
}

type testEnv struct {
	scribe  *Scribe
	store   *transcript.FileStore
	owners  *ownership.Registry
	archive *archive.Store
}

type envOption func(*Deps)

func withArchive(a ArchiveStore) envOption {
	return func(d *Deps) { d.Archive = a }
}

func withIngestKey(key string) envOption {
	return func(d *Deps) { d.IngestKey = auth.NewIngestKey(key) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	owners := ownership.NewRegistry(nil, logger)
	archives := archive.NewStore(db, logger)
	store, err := transcript.NewFileStore(transcript.StoreConfig{
		Dir:          t.TempDir(),
		Owners:       owners,
		Archive:      archives,
		RetryBackoff: time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)

	deps := Deps{
		Store:   store,
		Owners:  owners,
		Archive: archives,
		Auth: fakeAuth{
			"alice-token": {ID: 1, Username: "alice"},
			"bob-token":   {ID: 2, Username: "bob"},
		},
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	s, err := New(Config{Debounce: 10 * time.Millisecond}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { s.watcher.Close() })

	return &testEnv{scribe: s, store: store, owners: owners, archive: archives}
}
