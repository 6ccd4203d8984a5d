package scribe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bosley/scribesync/archive"
	"github.com/bosley/scribesync/transcript"
)

// HandleEvent applies one speech event for room: it is merged into the
// working transcript and the owner's buffer, then pushed to the owner's
// connections. Events for the same room are applied in call order.
func (s *Scribe) HandleEvent(ctx context.Context, room, speaker, text string, isFinal bool) error {
	unlock := s.locks.Lock(transcript.SafeName(room))
	defer unlock()

	res, err := s.store.MergeIncremental(ctx, room, speaker, text, isFinal)
	var persistErr error
	if err != nil {
		if !errors.Is(err, transcript.ErrPersist) {
			return err
		}
		// the merge itself succeeded; deliver it and report the write failure
		persistErr = err
	}
	if res.Outcome == transcript.Ignored {
		return nil
	}

	owner, ok := s.owners.Get(ctx, room)
	if !ok {
		s.logger.Debug("No owner for room, event not broadcast", "meeting", room)
		return persistErr
	}

	s.buffers.Merge(owner, speaker, text, isFinal)

	if res.Outcome == transcript.Duplicate {
		s.logger.Debug("Skipping duplicate transcript",
			"meeting", room,
			"speaker", speaker,
			"final", isFinal)
		return persistErr
	}

	sent := s.hub.BroadcastToOwner(owner, encode(TranscriptEvent{
		Type:        TypeTranscript,
		Speaker:     res.Entry.Speaker,
		Text:        res.Entry.Text,
		IsFinal:     res.Entry.IsFinal,
		MeetingName: room,
	}))
	s.logger.Debug("Broadcast transcript",
		"meeting", room,
		"userID", owner,
		"outcome", res.Outcome.String(),
		"connections", sent)
	return persistErr
}

// BulkResult describes an applied bulk update.
type BulkResult struct {
	MeetingName string
	UserID      int64
	Count       int
}

// BulkUpdate replaces room's transcript, and its owner's buffer, with pairs.
func (s *Scribe) BulkUpdate(ctx context.Context, room string, pairs []transcript.Pair) (BulkResult, error) {
	res := BulkResult{MeetingName: room}

	owner, ok := s.owners.Get(ctx, room)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	res.UserID = owner

	unlock := s.locks.Lock(transcript.SafeName(room))
	defer unlock()

	t, err := s.store.BulkReplace(ctx, room, pairs)
	if t != nil {
		s.buffers.Replace(owner, t.Entries)
		res.Count = len(t.Entries)
	}
	if err != nil {
		return res, err
	}

	s.logger.Info("Applied bulk transcript update",
		"meeting", room,
		"userID", owner,
		"entries", res.Count)
	return res, nil
}

// Transcript sources reported by RequestFullTranscript.
const (
	SourceArchive = "archive"
	SourceLive    = "live"
	SourceBuffer  = "buffer"
	SourceNone    = "none"
)

// FullTranscript is the answer to a complete-transcript request.
type FullTranscript struct {
	MeetingName string
	Entries     []transcript.Entry
	Source      string
}

// RequestFullTranscript looks for meeting in the archive, then the working
// store, then user's buffer. Finding nothing is not an error: the result is
// empty with SourceNone. A working transcript owned by another user yields
// ErrAccessDenied.
func (s *Scribe) RequestFullTranscript(ctx context.Context, user int64, meeting string) (FullTranscript, error) {
	return s.findTranscript(ctx, user, meeting, true)
}

func (s *Scribe) findTranscript(ctx context.Context, user int64, meeting string, useBuffer bool) (FullTranscript, error) {
	out := FullTranscript{MeetingName: meeting, Entries: []transcript.Entry{}, Source: SourceNone}

	if s.archive != nil {
		rec, err := s.archive.Fetch(ctx, user, meeting)
		switch {
		case err == nil:
			if entries := rec.Entries(); len(entries) > 0 {
				out.Entries, out.Source = entries, SourceArchive
				return out, nil
			}
		case errors.Is(err, archive.ErrNotFound):
		default:
			s.logger.Warn("Archive unavailable, falling back to live transcript",
				"error", err,
				"meeting", meeting,
				"userID", user)
		}
	}

	t, err := s.store.Read(ctx, meeting, true)
	switch {
	case err == nil:
		if err := s.checkOwner(ctx, user, meeting, t); err != nil {
			return out, err
		}
		if len(t.Entries) > 0 {
			out.Entries, out.Source = t.Entries, SourceLive
			return out, nil
		}
	case errors.Is(err, transcript.ErrNotFound):
	default:
		s.logger.Warn("Failed to read live transcript", "error", err, "meeting", meeting)
	}

	if !useBuffer {
		return out, nil
	}
	if entries := s.buffers.Entries(user); len(entries) > 0 {
		out.Entries, out.Source = entries, SourceBuffer
	}
	return out, nil
}

// checkOwner allows user to read t when the recorded owner, or failing that
// the registered room owner, is user. A transcript with no known owner is
// readable by nobody.
func (s *Scribe) checkOwner(ctx context.Context, user int64, meeting string, t *transcript.Transcript) error {
	owner, ok := t.OwnerID()
	if !ok {
		owner, ok = s.owners.Get(ctx, meeting)
	}
	if !ok || owner != user {
		s.logger.Warn("Denied transcript access",
			"meeting", meeting,
			"userID", user,
			"ownerKnown", ok)
		return fmt.Errorf("%w: %s", ErrAccessDenied, meeting)
	}
	return nil
}

// liveOwnedBy reports whether meeting has a working transcript, failing with
// ErrAccessDenied when it belongs to someone other than user.
func (s *Scribe) liveOwnedBy(ctx context.Context, user int64, meeting string) (bool, error) {
	live, err := s.store.Read(ctx, meeting, false)
	switch {
	case err == nil:
		if err := s.checkOwner(ctx, user, meeting, live); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(err, transcript.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// SendCompleteTranscript saves entries as meeting's transcript and pushes it
// to the owner's connections.
func (s *Scribe) SendCompleteTranscript(ctx context.Context, meeting string, entries []transcript.Pair) error {
	owner, ok := s.owners.Get(ctx, meeting)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, meeting)
	}

	unlock := s.locks.Lock(transcript.SafeName(meeting))
	t, err := s.store.BulkReplace(ctx, meeting, entries)
	unlock()
	if err != nil && t == nil {
		return err
	}

	s.hub.BroadcastToOwner(owner, encode(CompleteTranscript{
		Type:         TypeCompleteTranscript,
		MeetingTitle: meeting,
		Transcripts:  nonNil(t.Entries),
	}))
	return err
}

// RegisterRoom records user as the owner of room.
func (s *Scribe) RegisterRoom(ctx context.Context, room string, user int64) {
	s.owners.Put(ctx, room, user)
}

// StopRecording archives meeting on behalf of user.
func (s *Scribe) StopRecording(ctx context.Context, user int64, meeting string) (transcript.ArchiveResult, error) {
	if owner, ok := s.owners.Get(ctx, meeting); ok && owner != user {
		return transcript.ArchiveResult{MeetingName: meeting}, fmt.Errorf("%w: %s", ErrAccessDenied, meeting)
	}

	unlock := s.locks.Lock(transcript.SafeName(meeting))
	defer unlock()

	res, err := s.store.Archive(ctx, meeting)
	if err != nil {
		return res, err
	}
	s.buffers.Clear(user)
	return res, nil
}

// EditTranscript replaces the text of meeting in the archive and, when one
// exists, in the working store.
func (s *Scribe) EditTranscript(ctx context.Context, user int64, meeting string, pairs []transcript.Pair) (int, error) {
	entries := make([]transcript.Entry, 0, len(pairs))
	for _, p := range pairs {
		if text := strings.TrimSpace(p.Text); text != "" {
			entries = append(entries, transcript.Entry{Speaker: p.Speaker, Text: text, IsFinal: true})
		}
	}
	if len(entries) == 0 {
		return 0, ErrEmptyTranscript
	}

	unlock := s.locks.Lock(transcript.SafeName(meeting))
	defer unlock()

	hasLive, err := s.liveOwnedBy(ctx, user, meeting)
	if err != nil {
		return 0, err
	}

	updated := false
	if s.archive != nil {
		rec, err := s.archive.Fetch(ctx, user, meeting)
		switch {
		case err == nil:
			text, speakers := transcript.FormatText(entries)
			if _, err := s.archive.Store(ctx, user, meeting, text, speakers, time.Now(), rec.MeetingID); err != nil {
				return 0, fmt.Errorf("failed to update archived transcript: %w", err)
			}
			updated = true
		case errors.Is(err, archive.ErrNotFound):
		default:
			return 0, fmt.Errorf("failed to fetch archived transcript: %w", err)
		}
	}

	if hasLive {
		if _, err := s.store.BulkReplace(ctx, meeting, pairs); err != nil {
			return 0, err
		}
		updated = true
	}

	if !updated {
		return 0, fmt.Errorf("%w: %s", transcript.ErrNotFound, meeting)
	}
	s.logger.Info("Edited transcript", "meeting", meeting, "userID", user, "entries", len(entries))
	return len(entries), nil
}

// DeleteTranscript removes meeting from the archive and the working store.
// A trailing ".json" is ignored.
func (s *Scribe) DeleteTranscript(ctx context.Context, user int64, meeting string) error {
	meeting = strings.TrimSuffix(meeting, ".json")

	unlock := s.locks.Lock(transcript.SafeName(meeting))
	defer unlock()

	hasLive, err := s.liveOwnedBy(ctx, user, meeting)
	if err != nil {
		return err
	}

	deleted := false
	if s.archive != nil {
		ok, err := s.archive.Delete(ctx, user, meeting)
		if err != nil {
			return fmt.Errorf("failed to delete archived transcript: %w", err)
		}
		deleted = ok
	}

	if hasLive {
		ok, err := s.store.Delete(ctx, meeting)
		if err != nil {
			return err
		}
		deleted = deleted || ok
	}

	if !deleted {
		return fmt.Errorf("%w: %s", transcript.ErrNotFound, meeting)
	}
	s.logger.Info("Deleted transcript", "meeting", meeting, "userID", user)
	return nil
}

// Listing is one row of ListTranscripts.
type Listing struct {
	MeetingName string    `json:"meeting_name"`
	MeetingID   string    `json:"meeting_id,omitempty"`
	Speakers    []string  `json:"speakers,omitempty"`
	Entries     int       `json:"total_entries"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListTranscripts returns user's archived transcripts plus working transcripts
// owned by user that are not archived yet, newest first.
func (s *Scribe) ListTranscripts(ctx context.Context, user int64) ([]Listing, error) {
	out := make([]Listing, 0)
	archived := make(map[string]struct{})

	if s.archive != nil {
		sums, err := s.archive.ListForUser(ctx, user)
		if err != nil {
			s.logger.Warn("Archive unavailable, listing live transcripts only", "error", err, "userID", user)
		}
		for _, sum := range sums {
			archived[sum.MeetingName] = struct{}{}
			out = append(out, Listing{
				MeetingName: sum.MeetingName,
				MeetingID:   sum.MeetingID,
				Speakers:    sum.Speakers,
				Source:      SourceArchive,
				Timestamp:   sum.Timestamp,
			})
		}
	}

	live, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list live transcripts: %w", err)
	}
	for _, sum := range live {
		if sum.UserID == nil || *sum.UserID != user {
			continue
		}
		if _, ok := archived[sum.MeetingName]; ok {
			continue
		}
		out = append(out, Listing{
			MeetingName: sum.MeetingName,
			Entries:     sum.TotalEntries,
			Source:      SourceLive,
			Timestamp:   time.Unix(sum.ModTime, 0).UTC(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}
