package scribe

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/scribesync/transcript"
)

func e(speaker, text string, final bool) transcript.Entry {
	return transcript.Entry{Speaker: speaker, Text: text, IsFinal: final}
}

func TestDiff(t *testing.T) {
	base := []transcript.Entry{e("A", "one", true), e("B", "two", false)}

	tests := []struct {
		name   string
		old    []transcript.Entry
		cur    []transcript.Entry
		want   Delta
		wantOK bool
	}{
		{
			name:   "appended suffix",
			old:    base,
			cur:    append(append([]transcript.Entry{}, base...), e("C", "three", true)),
			want:   Delta{Entries: []transcript.Entry{e("C", "three", true)}},
			wantOK: true,
		},
		{
			name:   "from empty",
			old:    nil,
			cur:    base,
			want:   Delta{Entries: base},
			wantOK: true,
		},
		{
			name:   "last entry updated",
			old:    base,
			cur:    []transcript.Entry{e("A", "one", true), e("B", "two three", false)},
			want:   Delta{Entries: []transcript.Entry{e("B", "two three", false)}, IsUpdate: true},
			wantOK: true,
		},
		{
			name:   "several entries updated",
			old:    base,
			cur:    []transcript.Entry{e("A", "uno", true), e("B", "dos", true)},
			want:   Delta{Entries: []transcript.Entry{e("A", "uno", true), e("B", "dos", true)}, IsUpdate: true},
			wantOK: true,
		},
		{
			name:   "unchanged",
			old:    base,
			cur:    []transcript.Entry{e("A", "one", true), e("B", "two", false)},
			wantOK: false,
		},
		{
			name:   "shrunk",
			old:    base,
			cur:    base[:1],
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Diff(tt.old, tt.cur)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

type delivery struct {
	meeting  string
	entries  []transcript.Entry
	isUpdate bool
}

type recordingHub struct {
	mu    sync.Mutex
	calls []delivery
}

func (h *recordingHub) DeliverWatchUpdate(_ context.Context, meeting string, entries []transcript.Entry, isUpdate bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, delivery{meeting, entries, isUpdate})
	return 1
}

func (h *recordingHub) deliveries() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.calls...)
}

func TestChangeWatcher(t *testing.T) {
	ctx := context.Background()
	store, err := transcript.NewFileStore(transcript.StoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	hub := &recordingHub{}
	w := NewChangeWatcher(store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = store.MergeIncremental(ctx, "standup", "Alice", "before watch", true)
	require.NoError(t, err)

	w.AddWatch(ctx, "standup")
	assert.Equal(t, []string{"standup"}, w.Watched("standup"))

	// no change since the watch began
	w.OnStoreChanged(ctx, "standup")
	assert.Empty(t, hub.deliveries())

	_, err = store.MergeIncremental(ctx, "standup", "Bob", "Hi", false)
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")

	_, err = store.MergeIncremental(ctx, "standup", "Bob", "Hi there", false)
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")

	got := hub.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, delivery{"standup", []transcript.Entry{e("Bob", "Hi", false)}, false}, got[0])
	assert.Equal(t, delivery{"standup", []transcript.Entry{e("Bob", "Hi there", false)}, true}, got[1])

	// truncation resets silently, later growth is measured from the new state
	_, err = store.BulkReplace(ctx, "standup", []transcript.Pair{{Speaker: "Alice", Text: "only"}})
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")
	assert.Len(t, hub.deliveries(), 2)

	_, err = store.MergeIncremental(ctx, "standup", "Carol", "new", true)
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")
	got = hub.deliveries()
	require.Len(t, got, 3)
	assert.Equal(t, []transcript.Entry{e("Carol", "new", true)}, got[2].entries)

	// a deleted transcript resets to empty
	_, err = store.Delete(ctx, "standup")
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")
	assert.Len(t, hub.deliveries(), 3)

	_, err = store.MergeIncremental(ctx, "standup", "Dan", "back", true)
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")
	got = hub.deliveries()
	require.Len(t, got, 4)
	assert.Equal(t, []transcript.Entry{e("Dan", "back", true)}, got[3].entries)

	w.RemoveWatch("standup")
	_, err = store.MergeIncremental(ctx, "standup", "Dan", "gone", true)
	require.NoError(t, err)
	w.OnStoreChanged(ctx, "standup")
	assert.Len(t, hub.deliveries(), 4)
	assert.Empty(t, w.Watched("standup"))
}

func TestChangeWatcherMapsFileStem(t *testing.T) {
	store, err := transcript.NewFileStore(transcript.StoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	w := NewChangeWatcher(store, &recordingHub{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w.AddWatch(context.Background(), "Team Sync")
	assert.Equal(t, []string{"Team Sync"}, w.Watched("Team_Sync"))
	assert.Empty(t, w.Watched("Team"))
}

func TestFileSignalsReachWatchers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t)
	s := env.scribe
	env.owners.Put(ctx, "standup", 1)

	c := newFakeConn()
	s.hub.Register(c, 1)
	s.hub.Watch(c.ID(), "standup")
	s.changes.AddWatch(ctx, "standup")

	s.workers.Add(1)
	go s.worker(ctx)

	_, err := env.store.MergeIncremental(ctx, "standup", "Alice", "written elsewhere", true)
	require.NoError(t, err)
	s.debounce("standup")

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	msgs := c.messages(t)
	assert.Equal(t, TypeTranscriptNew, msgs[0]["type"])

	cancel()
	s.workers.Wait()
}

func fsEvent(name string, op fsnotify.Op) fsnotify.Event {
	return fsnotify.Event{Name: name, Op: op}
}

func TestHandleFSEventFilters(t *testing.T) {
	env := newTestEnv(t)
	s := env.scribe
	dir := env.store.Dir()

	s.handleFSEvent(fsEvent(dir+"/.standup.json-123.tmp", fsnotify.Create))
	s.handleFSEvent(fsEvent(dir+"/notes.txt", fsnotify.Write))
	s.handleFSEvent(fsEvent(dir+"/standup.json", fsnotify.Chmod))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, len(s.queue))

	// a burst of writes collapses into one signal
	for i := 0; i < 5; i++ {
		s.handleFSEvent(fsEvent(dir+"/standup.json", fsnotify.Write))
	}
	select {
	case job := <-s.queue:
		assert.Equal(t, "standup", job.Stem)
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal queued")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, len(s.queue))
}
