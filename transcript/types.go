package transcript

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound is returned when no working transcript exists for a meeting.
	ErrNotFound = errors.New("transcript not found")

	// ErrPersist indicates the merged state could not be written. The logical
	// update is kept in memory and written by the next successful persist.
	ErrPersist = errors.New("transcript persist failed")

	// ErrArchiveFailed indicates the archival store did not confirm the write.
	// The working copy is kept.
	ErrArchiveFailed = errors.New("transcript archive failed")

	// ErrNoOwner indicates a transcript cannot be archived because no owner is known.
	ErrNoOwner = errors.New("transcript has no owner")

	// ErrNameCollision indicates the file for a meeting already holds a
	// different meeting whose name sanitises to the same stem.
	ErrNameCollision = errors.New("meeting name collides with another meeting")

	// ErrInvalidName indicates a meeting name with no usable characters.
	ErrInvalidName = errors.New("invalid meeting name")
)

// Entry is a single transcript line.
type Entry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Pair is a speaker/text tuple as delivered by batch producers.
type Pair struct {
	Speaker string
	Text    string
}

// Transcript is the persisted form of one meeting's working transcript.
type Transcript struct {
	MeetingName  string  `json:"meeting_name"`
	Entries      []Entry `json:"transcripts"`
	TotalEntries int     `json:"total_entries"`
	UserID       *int64  `json:"user_id,omitempty"`
}

// OwnerID returns the owner recorded in the transcript metadata.
func (t *Transcript) OwnerID() (int64, bool) {
	if t == nil || t.UserID == nil {
		return 0, false
	}
	return *t.UserID, true
}

func (t *Transcript) setOwner(userID int64) {
	if t.UserID != nil {
		return
	}
	id := userID
	t.UserID = &id
}

func (t *Transcript) countFinal() {
	n := 0
	for _, e := range t.Entries {
		if e.IsFinal {
			n++
		}
	}
	t.TotalEntries = n
}

func (t *Transcript) clone() *Transcript {
	c := *t
	c.Entries = append([]Entry(nil), t.Entries...)
	if t.UserID != nil {
		id := *t.UserID
		c.UserID = &id
	}
	return &c
}

// Summary describes a working transcript without its entries.
type Summary struct {
	MeetingName  string
	FileName     string
	TotalEntries int
	UserID       *int64
	ModTime      int64
}

// SafeName maps a meeting name to the stem used for its file. Letters,
// digits, '-', '_' and spaces survive; spaces become underscores.
func SafeName(meeting string) string {
	var b strings.Builder
	for _, r := range norm.NFC.String(meeting) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}

// FinalEntries returns the final entries of entries deduplicated by exact
// speaker/text pair, keeping the first occurrence. Empty texts are dropped.
func FinalEntries(entries []Entry) []Entry {
	type key struct{ speaker, text string }
	seen := make(map[key]struct{}, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsFinal {
			continue
		}
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		k := key{e.Speaker, text}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, Entry{Speaker: e.Speaker, Text: text, IsFinal: true})
	}
	return out
}
