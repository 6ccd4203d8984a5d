package scribe

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

func (s *Scribe) watchFiles(ctx context.Context) {
	defer s.workers.Done()

	s.logger.Info("Started watching transcripts directory", "path", s.store.Dir())

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("File watcher error", "error", err)
		}
	}
}

func (s *Scribe) handleFSEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	// Skip temporary files from atomic writes and anything that is not a transcript
	if strings.HasSuffix(name, ".tmp") || filepath.Ext(name) != ".json" {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	s.debounce(strings.TrimSuffix(name, ".json"))
}

// debounce queues a change signal for stem once writes to it have been quiet
// for the configured delay.
func (s *Scribe) debounce(stem string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.pending[stem]; ok {
		t.Reset(s.config.Debounce)
		return
	}
	s.pending[stem] = time.AfterFunc(s.config.Debounce, func() {
		s.pendingMu.Lock()
		delete(s.pending, stem)
		s.pendingMu.Unlock()
		s.enqueue(changeJob{Stem: stem, Timestamp: time.Now()})
	})
}

func (s *Scribe) enqueue(job changeJob) {
	select {
	case s.queue <- job:
		s.logger.Debug("Queued transcript change", "file", job.Stem)
	default:
		s.logger.Warn("Change queue is full, dropping signal", "file", job.Stem)
	}
}

func (s *Scribe) stopTimers() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.stopped = true
	for stem, t := range s.pending {
		t.Stop()
		delete(s.pending, stem)
	}
	if n := len(s.queue); n > 0 {
		s.logger.Debug("Discarding queued changes", "count", n)
	}
}
