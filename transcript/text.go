package transcript

import (
	"sort"
	"strings"
)

// FormatText renders entries as "Speaker: text" lines and returns the sorted
// distinct speakers. Entries without text are skipped. Line breaks inside a
// speaker or a text are folded to single spaces so every entry stays on one
// line.
func FormatText(entries []Entry) (string, []string) {
	lines := make([]string, 0, len(entries))
	seen := make(map[string]struct{})
	speakers := make([]string, 0)

	for _, e := range entries {
		text := oneLine(e.Text)
		if text == "" {
			continue
		}
		speaker := oneLine(e.Speaker)
		lines = append(lines, speaker+": "+text)
		if _, ok := seen[speaker]; !ok {
			seen[speaker] = struct{}{}
			speakers = append(speakers, speaker)
		}
	}

	sort.Strings(speakers)
	return strings.Join(lines, "\n"), speakers
}

// ParseText is the inverse of FormatText. Every entry it returns is final.
// A line starting with one of speakers followed by a colon is attributed to
// the longest such speaker, so speaker names may contain colons. Other lines
// split at their first colon. Lines without a colon or without text are
// dropped.
func ParseText(text string, speakers ...string) []Entry {
	known := append([]string(nil), speakers...)
	sort.Slice(known, func(i, j int) bool { return len(known[i]) > len(known[j]) })

	entries := make([]Entry, 0)
	for _, line := range strings.Split(text, "\n") {
		speaker, body, ok := splitLine(line, known)
		if !ok {
			continue
		}
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		entries = append(entries, Entry{
			Speaker: strings.TrimSpace(speaker),
			Text:    body,
			IsFinal: true,
		})
	}
	return entries
}

func splitLine(line string, known []string) (string, string, bool) {
	for _, sp := range known {
		if sp == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, sp+":"); ok {
			return sp, rest, true
		}
	}
	return strings.Cut(line, ":")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
