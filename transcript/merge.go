package transcript

import "strings"

// Default look-back windows for duplicate suppression.
const (
	DefaultInterimWindow = 10
	DefaultFinalWindow   = 20
)

// Windows sets how many trailing entries are searched for duplicates.
// Each call site that merges events carries its own Windows.
type Windows struct {
	Interim int `yaml:"interim_window"`
	Final   int `yaml:"final_window"`
}

// DefaultWindows returns the windows used when none are configured.
func DefaultWindows() Windows {
	return Windows{Interim: DefaultInterimWindow, Final: DefaultFinalWindow}
}

// Outcome reports what a merge did to the entry sequence.
type Outcome int

const (
	// Ignored means the event carried no text.
	Ignored Outcome = iota
	// Appended means a new entry was added.
	Appended
	// Replaced means the trailing entry was overwritten in place.
	Replaced
	// Promoted means a trailing interim entry became final.
	Promoted
	// Duplicate means the event repeated content already present.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Promoted:
		return "promoted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Changed reports whether the entry sequence was modified.
func (o Outcome) Changed() bool {
	return o == Appended || o == Replaced || o == Promoted
}

// Merge applies one speech event to entries and returns the new sequence.
// The input slice may be modified. Text is trimmed; empty text is ignored.
func Merge(entries []Entry, speaker, text string, isFinal bool, w Windows) ([]Entry, Outcome) {
	text = strings.TrimSpace(text)
	if text == "" {
		return entries, Ignored
	}
	incoming := Entry{Speaker: speaker, Text: text, IsFinal: isFinal}

	if len(entries) == 0 {
		return append(entries, incoming), Appended
	}
	last := &entries[len(entries)-1]
	sameSpeaker := last.Speaker == speaker

	if !isFinal {
		if sameSpeaker && !last.IsFinal {
			*last = incoming
			return entries, Replaced
		}
		if containsEntry(entries, w.Interim, incoming) {
			return entries, Duplicate
		}
		return append(entries, incoming), Appended
	}

	switch {
	case sameSpeaker && !last.IsFinal:
		*last = incoming
		return entries, Promoted
	case sameSpeaker:
		lastText := strings.TrimSpace(last.Text)
		if lastText == text {
			return entries, Duplicate
		}
		if len(text) > len(lastText) && strings.Contains(text, lastText) {
			*last = incoming
			return entries, Replaced
		}
	}

	if containsEntry(entries, w.Final, incoming) {
		return entries, Duplicate
	}
	return append(entries, incoming), Appended
}

// containsEntry looks for an exact match among the last window entries.
func containsEntry(entries []Entry, window int, want Entry) bool {
	start := 0
	if window > 0 && len(entries) > window {
		start = len(entries) - window
	}
	for _, e := range entries[start:] {
		if e.Speaker == want.Speaker && e.IsFinal == want.IsFinal && strings.TrimSpace(e.Text) == want.Text {
			return true
		}
	}
	return false
}
