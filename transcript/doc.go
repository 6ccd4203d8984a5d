// Package transcript holds the working copy of live meeting transcripts.
//
// Core types:
//   - Entry: a speaker line, interim or final
//   - Transcript: a meeting's ordered entries plus owner metadata
//   - FileStore: JSON-file backed store that merges speech events
//
// Merge is the single place where incremental events change an entry
// sequence. Interim events replace a trailing interim entry from the same
// speaker; final events promote, extend, or append, and exact repeats inside
// a look-back window are dropped.
//
// Example usage:
//
//	store, err := transcript.NewFileStore(transcript.StoreConfig{
//	    Dir: "transcripts",
//	})
//	res, err := store.MergeIncremental(ctx, "standup", "Alice", "Hello", true)
//	t, err := store.Read(ctx, "standup", true)
package transcript
