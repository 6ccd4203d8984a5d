package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bosley/scribesync/lockmap"
)

// OwnerLookup resolves the user that owns a room.
type OwnerLookup interface {
	Get(ctx context.Context, room string) (int64, bool)
}

// Archiver is the long-term store a transcript graduates to.
type Archiver interface {
	Store(ctx context.Context, userID int64, meeting, fullText string, speakers []string, ts time.Time, meetingID string) (string, error)
}

// StoreConfig holds configuration for the working transcript store.
type StoreConfig struct {
	// Dir holds one JSON file per meeting.
	Dir string

	// Windows bounds duplicate detection for incremental merges.
	Windows Windows

	// Owners stamps the owner into a transcript on first write. Optional.
	Owners OwnerLookup

	// Archive receives transcripts on Archive. Optional.
	Archive Archiver

	// PersistAttempts is how many times a write is tried. Defaults to 3.
	PersistAttempts int

	// RetryBackoff is the delay before the second attempt, doubled after
	// each failure. Defaults to 25ms.
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// FileStore keeps working transcripts as JSON files, one per meeting.
// Every operation on a meeting runs under that meeting's lock.
type FileStore struct {
	dir      string
	windows  Windows
	owners   OwnerLookup
	archive  Archiver
	attempts int
	backoff  time.Duration
	logger   *slog.Logger

	locks lockmap.Map

	mu    sync.Mutex
	dirty map[string]*Transcript // by SafeName, merged but not yet written

	writeFile func(path string, data []byte) error
	now       func() time.Time
}

// NewFileStore creates a file-based transcript store.
func NewFileStore(cfg StoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	if cfg.Windows == (Windows{}) {
		cfg.Windows = DefaultWindows()
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 25 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &FileStore{
		dir:       cfg.Dir,
		windows:   cfg.Windows,
		owners:    cfg.Owners,
		archive:   cfg.Archive,
		attempts:  cfg.PersistAttempts,
		backoff:   cfg.RetryBackoff,
		logger:    cfg.Logger,
		dirty:     make(map[string]*Transcript),
		writeFile: writeFileAtomic,
		now:       time.Now,
	}, nil
}

// Dir returns the directory transcripts are written to.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file backing a meeting's transcript.
func (s *FileStore) Path(meeting string) string {
	return filepath.Join(s.dir, SafeName(meeting)+".json")
}

// MergeResult describes the effect of one incremental event.
type MergeResult struct {
	Outcome Outcome
	Entry   Entry
}

// MergeIncremental applies a speech event to the meeting's transcript and
// persists the result when anything changed.
func (s *FileStore) MergeIncremental(ctx context.Context, meeting, speaker, text string, isFinal bool) (MergeResult, error) {
	text = strings.TrimSpace(text)
	res := MergeResult{Entry: Entry{Speaker: speaker, Text: text, IsFinal: isFinal}}
	if text == "" {
		res.Outcome = Ignored
		return res, nil
	}

	unlock := s.locks.Lock(SafeName(meeting))
	defer unlock()

	t, err := s.load(meeting)
	if err != nil {
		return res, err
	}
	if t == nil {
		t = &Transcript{MeetingName: meeting, Entries: make([]Entry, 0)}
	}

	t.Entries, res.Outcome = Merge(t.Entries, speaker, text, isFinal, s.windows)
	if !res.Outcome.Changed() {
		s.logger.Debug("Skipping transcript event",
			"meeting", meeting,
			"speaker", speaker,
			"final", isFinal,
			"outcome", res.Outcome.String())
		return res, nil
	}

	s.stampOwner(ctx, meeting, t)
	t.countFinal()

	return res, s.persist(meeting, t)
}

// BulkReplace replaces the meeting's entries with pairs, all marked final.
func (s *FileStore) BulkReplace(ctx context.Context, meeting string, pairs []Pair) (*Transcript, error) {
	unlock := s.locks.Lock(SafeName(meeting))
	defer unlock()

	t, err := s.load(meeting)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &Transcript{MeetingName: meeting}
	}

	t.Entries = make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		t.Entries = append(t.Entries, Entry{Speaker: p.Speaker, Text: text, IsFinal: true})
	}
	s.stampOwner(ctx, meeting, t)
	t.countFinal()

	if err := s.persist(meeting, t); err != nil {
		return t.clone(), err
	}
	return t.clone(), nil
}

// Read returns the meeting's transcript. With filterInterim only final
// entries are returned, deduplicated by speaker and text.
func (s *FileStore) Read(ctx context.Context, meeting string, filterInterim bool) (*Transcript, error) {
	unlock := s.locks.Lock(SafeName(meeting))
	defer unlock()

	t, err := s.load(meeting)
	if errors.Is(err, ErrNameCollision) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}

	out := t.clone()
	if filterInterim {
		out.Entries = FinalEntries(out.Entries)
		out.TotalEntries = len(out.Entries)
	}
	return out, nil
}

// Exists reports whether a working transcript exists for the meeting.
func (s *FileStore) Exists(meeting string) bool {
	if SafeName(meeting) == "" {
		return false
	}
	s.mu.Lock()
	_, dirty := s.dirty[SafeName(meeting)]
	s.mu.Unlock()
	if dirty {
		return true
	}
	_, err := os.Stat(s.Path(meeting))
	return err == nil
}

// Delete removes the working transcript. It reports whether one existed.
func (s *FileStore) Delete(ctx context.Context, meeting string) (bool, error) {
	unlock := s.locks.Lock(SafeName(meeting))
	defer unlock()

	if _, err := s.load(meeting); errors.Is(err, ErrNameCollision) || errors.Is(err, ErrInvalidName) {
		return false, err
	}
	return s.remove(meeting)
}

// Flush retries persisting a transcript left in memory by a failed write.
func (s *FileStore) Flush(meeting string) error {
	unlock := s.locks.Lock(SafeName(meeting))
	defer unlock()

	s.mu.Lock()
	t, ok := s.dirty[SafeName(meeting)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.persist(meeting, t)
}

// FlushAll retries every transcript left in memory by failed writes.
func (s *FileStore) FlushAll() error {
	s.mu.Lock()
	meetings := make([]string, 0, len(s.dirty))
	for _, t := range s.dirty {
		meetings = append(meetings, t.MeetingName)
	}
	s.mu.Unlock()

	var errs []error
	for _, meeting := range meetings {
		if err := s.Flush(meeting); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unflushed returns the number of transcripts that only live in memory.
func (s *FileStore) Unflushed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// List returns summaries of every working transcript, newest first.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		t, err := readTranscriptFile(path)
		if err != nil {
			s.logger.Warn("Failed to read transcript file", "error", err, "path", path)
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(path), ".json")
		name := t.MeetingName
		if name == "" {
			name = stem
		}
		summaries = append(summaries, Summary{
			MeetingName:  name,
			FileName:     stem,
			TotalEntries: t.TotalEntries,
			UserID:       t.UserID,
			ModTime:      info.ModTime().Unix(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ModTime > summaries[j].ModTime
	})
	return summaries, nil
}

// ArchiveResult reports what Archive did.
type ArchiveResult struct {
	MeetingName string
	MeetingID   string
	Entries     int
	Archived    bool
	Removed     bool
}

// Archive moves the meeting's transcript into the archival store and removes
// the working copy once the archive confirms the write. A transcript with no
// text is removed without archiving.
func (s *FileStore) Archive(ctx context.Context, meeting string) (ArchiveResult, error) {
	res := ArchiveResult{MeetingName: meeting}

	unlock := s.locks.Lock(SafeName(meeting))
	defer unlock()

	t, err := s.load(meeting)
	if errors.Is(err, ErrNameCollision) {
		return res, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return res, err
	}
	if t == nil {
		return res, ErrNotFound
	}

	entries := make([]Entry, 0, len(t.Entries))
	for _, e := range t.Entries {
		if strings.TrimSpace(e.Text) != "" {
			entries = append(entries, e)
		}
	}
	res.Entries = len(entries)

	if len(entries) == 0 {
		removed, err := s.remove(meeting)
		res.Removed = removed
		return res, err
	}

	owner, ok := t.OwnerID()
	if !ok && s.owners != nil {
		owner, ok = s.owners.Get(ctx, meeting)
	}
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNoOwner, meeting)
	}
	if s.archive == nil {
		return res, fmt.Errorf("%w: no archival store configured", ErrArchiveFailed)
	}

	text, speakers := FormatText(entries)
	id, err := s.archive.Store(ctx, owner, meeting, text, speakers, s.now(), "")
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrArchiveFailed, err)
	}
	if id == "" {
		return res, fmt.Errorf("%w: archive returned no meeting id", ErrArchiveFailed)
	}
	res.MeetingID = id
	res.Archived = true

	removed, err := s.remove(meeting)
	res.Removed = removed
	if err != nil {
		return res, fmt.Errorf("archived but failed to remove working copy: %w", err)
	}

	s.logger.Info("Archived transcript",
		"meeting", meeting,
		"meetingID", id,
		"entries", len(entries),
		"userID", owner)
	return res, nil
}

func (s *FileStore) stampOwner(ctx context.Context, meeting string, t *Transcript) {
	if t.UserID != nil || s.owners == nil {
		return
	}
	if owner, ok := s.owners.Get(ctx, meeting); ok {
		t.setOwner(owner)
	}
}

// load must be called with the meeting's lock held.
func (s *FileStore) load(meeting string) (*Transcript, error) {
	key := SafeName(meeting)
	if key == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, meeting)
	}

	s.mu.Lock()
	t, ok := s.dirty[key]
	if ok {
		t = t.clone()
	}
	s.mu.Unlock()

	if !ok {
		var err error
		t, err = readTranscriptFile(s.Path(meeting))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to load transcript %q: %w", meeting, err)
		}
	}

	if t.MeetingName == "" {
		t.MeetingName = meeting
	}
	if t.MeetingName != meeting {
		return nil, fmt.Errorf("%w: %q is stored as %q", ErrNameCollision, meeting, t.MeetingName)
	}
	return t, nil
}

// persist must be called with the meeting's lock held.
func (s *FileStore) persist(meeting string, t *Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	key := SafeName(meeting)
	path := s.Path(meeting)
	delay := s.backoff

	for attempt := 1; ; attempt++ {
		err = s.writeFile(path, data)
		if err == nil {
			break
		}
		if attempt >= s.attempts {
			s.mu.Lock()
			s.dirty[key] = t.clone()
			s.mu.Unlock()
			s.logger.Error("Failed to persist transcript",
				"error", err,
				"meeting", meeting,
				"attempts", attempt)
			return fmt.Errorf("%w: %s: %w", ErrPersist, meeting, err)
		}
		s.logger.Warn("Retrying transcript persist",
			"error", err,
			"meeting", meeting,
			"attempt", attempt)
		time.Sleep(delay)
		delay *= 2
	}

	s.mu.Lock()
	delete(s.dirty, key)
	s.mu.Unlock()
	return nil
}

// remove must be called with the meeting's lock held.
func (s *FileStore) remove(meeting string) (bool, error) {
	s.mu.Lock()
	_, wasDirty := s.dirty[SafeName(meeting)]
	delete(s.dirty, SafeName(meeting))
	s.mu.Unlock()

	if err := os.Remove(s.Path(meeting)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return wasDirty, nil
		}
		return wasDirty, fmt.Errorf("failed to delete transcript %q: %w", meeting, err)
	}
	return true, nil
}

func readTranscriptFile(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if t.Entries == nil {
		t.Entries = make([]Entry, 0)
	}
	return &t, nil
}

// writeFileAtomic writes through a temp file so readers never see a partial
// transcript. Temp files end in .tmp, which the change watcher ignores.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
