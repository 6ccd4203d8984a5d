package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/bosley/scribesync/archive"
	"github.com/bosley/scribesync/auth"
	"github.com/bosley/scribesync/lockmap"
	"github.com/bosley/scribesync/ownership"
	"github.com/bosley/scribesync/transcript"
)

// Configuration for the Scribe service
type Config struct {
	// Certificate files for TLS. Plain HTTP when both are empty.
	CertFile string
	KeyFile  string

	// HTTP server address
	HTTPAddr string

	// Quiet period after a transcript file change before it is read
	Debounce time.Duration

	// Outbound messages buffered per connection
	SendBuffer int

	// Inbound control messages allowed per second, and burst, per connection
	MessageRate  float64
	MessageBurst int

	// Pending change signals
	QueueSize int

	// How often transcripts left unwritten by a failed persist are retried
	FlushInterval time.Duration
}

// ArchiveStore is the long-term transcript store.
type ArchiveStore interface {
	transcript.Archiver
	Fetch(ctx context.Context, userID int64, meeting string) (*archive.Record, error)
	Delete(ctx context.Context, userID int64, meeting string) (bool, error)
	ListForUser(ctx context.Context, userID int64) ([]archive.Summary, error)
}

// Authenticator resolves a subscriber token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.User, error)
}

// Deps are the collaborators a Scribe coordinates.
type Deps struct {
	Store   *transcript.FileStore
	Owners  *ownership.Registry
	Archive ArchiveStore // optional
	Auth    Authenticator

	// IngestKey guards the producer endpoints.
	IngestKey auth.IngestKey

	// BufferWindows are the look-back windows for per-user buffers.
	BufferWindows transcript.Windows

	Logger *slog.Logger
}

// Scribe synchronizes live transcripts with their subscribers
type Scribe struct {
	config Config
	logger *slog.Logger

	store   *transcript.FileStore
	owners  *ownership.Registry
	archive ArchiveStore
	auth    Authenticator
	ingest  auth.IngestKey

	hub     *Hub
	buffers *Buffers
	changes *ChangeWatcher
	locks   lockmap.Map

	// File system watcher and debounce timers
	watcher   *fsnotify.Watcher
	pendingMu sync.Mutex
	pending   map[string]*time.Timer
	stopped   bool

	// Change processing
	queue   chan changeJob
	workers sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	// HTTP/Websocket
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a new Scribe instance
func New(cfg Config, deps Deps) (*Scribe, error) {
	if deps.Store == nil || deps.Owners == nil || deps.Auth == nil {
		return nil, errors.New("transcript store, ownership registry, and authenticator are required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 150 * time.Millisecond
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	s := &Scribe{
		config:  cfg,
		logger:  deps.Logger,
		store:   deps.Store,
		owners:  deps.Owners,
		archive: deps.Archive,
		auth:    deps.Auth,
		ingest:  deps.IngestKey,
		buffers: NewBuffers(deps.BufferWindows),
		watcher: watcher,
		pending: make(map[string]*time.Timer),
		queue:   make(chan changeJob, cfg.QueueSize),
		baseCtx: context.Background(),
		upgrader: websocket.Upgrader{
			// Subscribers authenticate with a token, not by origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.hub = NewHub(deps.Owners, s.buffers, deps.Logger)
	s.changes = NewChangeWatcher(deps.Store, s.hub, deps.Logger)
	s.hub.OnIdle(s.changes.RemoveWatch)

	return s, nil
}

// Start begins the Scribe service and blocks until ctx is done or the HTTP
// server fails.
func (s *Scribe) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.baseCtx = ctx

	if err := s.watcher.Add(s.store.Dir()); err != nil {
		return fmt.Errorf("failed to watch transcripts directory: %w", err)
	}

	// Start the change worker and the file system watcher
	s.workers.Add(2)
	go s.worker(ctx)
	go s.watchFiles(ctx)

	return s.startHTTP(ctx)
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.stopTimers()

	// Wait for workers to finish
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	// Wait for workers or context timeout
	select {
	case <-done:
	case <-ctx.Done():
		if err := s.store.FlushAll(); err != nil {
			return fmt.Errorf("shutdown timed out with unwritten transcripts: %w", err)
		}
		return fmt.Errorf("shutdown timed out")
	}

	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")

	// Stop the HTTP server
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
	}

	// Close the file watcher
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}

	// Producers are gone, write whatever failed persists left in memory
	if err := s.store.FlushAll(); err != nil {
		s.logger.Error("Transcripts left unwritten at shutdown", "error", err, "count", s.store.Unflushed())
		return fmt.Errorf("failed to flush transcripts: %w", err)
	}

	return nil
}

// Hub returns the connection hub.
func (s *Scribe) Hub() *Hub {
	return s.hub
}
