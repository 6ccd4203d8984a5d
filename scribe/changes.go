package scribe

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/bosley/scribesync/transcript"
)

// Delta is the part of a transcript that changed between two reads.
type Delta struct {
	Entries  []transcript.Entry
	IsUpdate bool
}

// Diff compares two snapshots of a meeting's entries. Growth yields the
// appended suffix. Equal length yields every entry that changed, flagged as an
// update. Shrinking yields nothing.
func Diff(old, cur []transcript.Entry) (Delta, bool) {
	switch {
	case len(cur) > len(old):
		suffix := append([]transcript.Entry(nil), cur[len(old):]...)
		return Delta{Entries: suffix}, true

	case len(cur) == len(old):
		var changed []transcript.Entry
		for i := range cur {
			if cur[i] != old[i] {
				changed = append(changed, cur[i])
			}
		}
		if len(changed) == 0 {
			return Delta{}, false
		}
		return Delta{Entries: changed, IsUpdate: true}, true

	default:
		return Delta{}, false
	}
}

type snapshotReader interface {
	Read(ctx context.Context, meeting string, filterInterim bool) (*transcript.Transcript, error)
}

type watchDeliverer interface {
	DeliverWatchUpdate(ctx context.Context, meeting string, entries []transcript.Entry, isUpdate bool) int
}

// ChangeWatcher remembers the last state of every watched meeting and turns
// store changes into deltas for the hub.
type ChangeWatcher struct {
	store  snapshotReader
	hub    watchDeliverer
	logger *slog.Logger

	mu    sync.Mutex
	state map[string][]transcript.Entry // by meeting name
}

// NewChangeWatcher creates a change watcher.
func NewChangeWatcher(store snapshotReader, hub watchDeliverer, logger *slog.Logger) *ChangeWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeWatcher{
		store:  store,
		hub:    hub,
		logger: logger,
		state:  make(map[string][]transcript.Entry),
	}
}

// AddWatch starts tracking meeting. The first watch loads the current state
// so that only later changes are reported.
func (w *ChangeWatcher) AddWatch(ctx context.Context, meeting string) {
	w.mu.Lock()
	_, tracked := w.state[meeting]
	w.mu.Unlock()
	if tracked {
		return
	}

	entries, err := w.snapshot(ctx, meeting)
	if err != nil {
		w.logger.Error("Failed to load initial watch state", "error", err, "meeting", meeting)
	}

	w.mu.Lock()
	if _, ok := w.state[meeting]; !ok {
		w.state[meeting] = entries
	}
	w.mu.Unlock()
}

// RemoveWatch forgets meeting. Called once its last watcher is gone.
func (w *ChangeWatcher) RemoveWatch(meeting string) {
	w.mu.Lock()
	delete(w.state, meeting)
	w.mu.Unlock()
	w.logger.Debug("Dropped watch state", "meeting", meeting)
}

// Watched returns the tracked meetings whose file stem is stem.
func (w *ChangeWatcher) Watched(stem string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for meeting := range w.state {
		if transcript.SafeName(meeting) == stem {
			out = append(out, meeting)
		}
	}
	return out
}

// OnStoreChanged re-reads meeting, diffs it against the remembered state and
// hands any delta to the hub. A meeting that no longer exists resets to empty.
func (w *ChangeWatcher) OnStoreChanged(ctx context.Context, meeting string) {
	w.mu.Lock()
	_, tracked := w.state[meeting]
	w.mu.Unlock()
	if !tracked {
		w.logger.Debug("Transcript changed but no watchers", "meeting", meeting)
		return
	}

	cur, err := w.snapshot(ctx, meeting)
	if err != nil {
		w.logger.Error("Failed to read changed transcript", "error", err, "meeting", meeting)
		return
	}

	w.mu.Lock()
	old, tracked := w.state[meeting]
	if !tracked {
		w.mu.Unlock()
		return
	}
	w.state[meeting] = cur
	w.mu.Unlock()

	delta, ok := Diff(old, cur)
	if !ok {
		if len(cur) < len(old) {
			w.logger.Info("Transcript shrank, resetting watch state",
				"meeting", meeting,
				"was", len(old),
				"now", len(cur))
		}
		return
	}

	w.logger.Info("Detected transcript change",
		"meeting", meeting,
		"entries", len(delta.Entries),
		"update", delta.IsUpdate)
	w.hub.DeliverWatchUpdate(ctx, meeting, delta.Entries, delta.IsUpdate)
}

func (w *ChangeWatcher) snapshot(ctx context.Context, meeting string) ([]transcript.Entry, error) {
	t, err := w.store.Read(ctx, meeting, false)
	if errors.Is(err, transcript.ErrNotFound) {
		return []transcript.Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return t.Entries, nil
}
