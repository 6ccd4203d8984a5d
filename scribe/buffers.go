package scribe

import (
	"sync"

	"github.com/bosley/scribesync/transcript"
)

// Buffers accumulates each user's live entries so a connection opened
// mid-meeting can catch up.
type Buffers struct {
	windows transcript.Windows

	mu     sync.Mutex
	byUser map[int64][]transcript.Entry
}

// NewBuffers creates empty buffers. Zero windows use the defaults.
func NewBuffers(w transcript.Windows) *Buffers {
	if w == (transcript.Windows{}) {
		w = transcript.DefaultWindows()
	}
	return &Buffers{
		windows: w,
		byUser:  make(map[int64][]transcript.Entry),
	}
}

// Merge applies an event to the user's buffer with the same rules as the store.
func (b *Buffers) Merge(user int64, speaker, text string, isFinal bool) transcript.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, outcome := transcript.Merge(b.byUser[user], speaker, text, isFinal, b.windows)
	b.byUser[user] = entries
	return outcome
}

// Replace overwrites the user's buffer.
func (b *Buffers) Replace(user int64, entries []transcript.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byUser[user] = append([]transcript.Entry(nil), entries...)
}

// Entries returns a copy of the user's buffer.
func (b *Buffers) Entries(user int64) []transcript.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transcript.Entry(nil), b.byUser[user]...)
}

// Clear drops the user's buffer.
func (b *Buffers) Clear(user int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byUser, user)
}
