package scribe

import (
	"context"
	"time"
)

// changeJob is a debounced signal that a transcript file changed.
type changeJob struct {
	Stem      string
	Timestamp time.Time
}

// worker is the only goroutine that applies change signals, so diffs for a
// meeting are computed one at a time and in signal order. It also retries
// transcripts a failed persist left in memory.
func (s *Scribe) worker(ctx context.Context) {
	s.logger.Debug("Worker starting")
	defer func() {
		s.logger.Debug("Worker shutting down")
		s.workers.Done()
	}()

	flush := time.NewTicker(s.config.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker context cancelled")
			return

		case job := <-s.queue:
			s.processChange(ctx, job)

		case <-flush.C:
			s.flushUnwritten()
		}
	}
}

func (s *Scribe) flushUnwritten() {
	n := s.store.Unflushed()
	if n == 0 {
		return
	}
	if err := s.store.FlushAll(); err != nil {
		s.logger.Warn("Transcripts still unwritten", "error", err, "count", s.store.Unflushed())
		return
	}
	s.logger.Info("Wrote transcripts left by failed persists", "count", n)
}

func (s *Scribe) processChange(ctx context.Context, job changeJob) {
	meetings := s.changes.Watched(job.Stem)
	if len(meetings) == 0 {
		s.logger.Debug("Transcript file changed but no watchers", "file", job.Stem)
		return
	}

	for _, meeting := range meetings {
		s.changes.OnStoreChanged(ctx, meeting)
	}

	s.logger.Debug("Processed transcript change",
		"file", job.Stem,
		"meetings", len(meetings),
		"latency", time.Since(job.Timestamp))
}
