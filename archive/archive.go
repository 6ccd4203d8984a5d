// Package archive is the long-term home of finished meeting transcripts.
// Records are keyed by meeting ID and unique per (user, meeting name).
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bosley/scribesync/transcript"
)

// ErrNotFound is returned when no archived record exists.
var ErrNotFound = errors.New("archived transcript not found")

// Record is an archived transcript.
type Record struct {
	MeetingID   string    `json:"meeting_id"`
	UserID      int64     `json:"user_id"`
	MeetingName string    `json:"meeting_name"`
	Text        string    `json:"transcript_text"`
	Speakers    []string  `json:"speakers"`
	Timestamp   time.Time `json:"timestamp"`
}

// Entries parses the record text back into final entries, using the
// recorded speakers to attribute lines.
func (r *Record) Entries() []transcript.Entry {
	return transcript.ParseText(r.Text, r.Speakers...)
}

// Summary describes an archived transcript without its text.
type Summary struct {
	MeetingID   string    `json:"meeting_id"`
	MeetingName string    `json:"meeting_name"`
	Speakers    []string  `json:"speakers"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store persists archive records in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore wraps an open database carrying the archives table.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// MeetingID builds the identifier for a new archive record.
func MeetingID(userID int64, meeting string, ts time.Time) string {
	return fmt.Sprintf("%d_%s_%d", userID, meeting, ts.Unix())
}

// Store writes or replaces the record for (userID, meeting). An existing
// record keeps its meeting ID; meetingID is used for new records when set.
func (s *Store) Store(ctx context.Context, userID int64, meeting, fullText string, speakers []string, ts time.Time, meetingID string) (string, error) {
	if speakers == nil {
		speakers = []string{}
	}
	speakersJSON, err := json.Marshal(speakers)
	if err != nil {
		return "", fmt.Errorf("failed to encode speakers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin archive write: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT meeting_id FROM archives WHERE user_id = ? AND meeting_name = ?`,
		userID, meeting).Scan(&existing)
	switch {
	case err == nil:
		meetingID = existing
	case errors.Is(err, sql.ErrNoRows):
		if meetingID == "" {
			meetingID = MeetingID(userID, meeting, ts)
		}
	default:
		return "", fmt.Errorf("failed to look up archive record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO archives (meeting_id, user_id, meeting_name, transcript_text, speakers, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(meeting_id) DO UPDATE SET
		   transcript_text = excluded.transcript_text,
		   speakers = excluded.speakers,
		   timestamp = excluded.timestamp`,
		meetingID, userID, meeting, fullText, string(speakersJSON), ts.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to write archive record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit archive record: %w", err)
	}

	s.logger.Debug("Stored archive record",
		"meetingID", meetingID,
		"userID", userID,
		"speakers", len(speakers))
	return meetingID, nil
}

// Fetch returns the record for (userID, meeting).
func (s *Store) Fetch(ctx context.Context, userID int64, meeting string) (*Record, error) {
	var (
		r        Record
		speakers string
		ts       int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT meeting_id, user_id, meeting_name, transcript_text, speakers, timestamp
		 FROM archives WHERE user_id = ? AND meeting_name = ?`,
		userID, meeting).Scan(&r.MeetingID, &r.UserID, &r.MeetingName, &r.Text, &speakers, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archive record: %w", err)
	}
	if err := json.Unmarshal([]byte(speakers), &r.Speakers); err != nil {
		return nil, fmt.Errorf("failed to decode speakers for %s: %w", r.MeetingID, err)
	}
	r.Timestamp = time.Unix(ts, 0).UTC()
	return &r, nil
}

// ListForUser returns the user's archived transcripts, newest first.
func (s *Store) ListForUser(ctx context.Context, userID int64) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT meeting_id, meeting_name, speakers, timestamp
		 FROM archives WHERE user_id = ? ORDER BY timestamp DESC, meeting_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive records: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum      Summary
			speakers string
			ts       int64
		)
		if err := rows.Scan(&sum.MeetingID, &sum.MeetingName, &speakers, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(speakers), &sum.Speakers); err != nil {
			s.logger.Warn("Skipping archive record with bad speakers", "error", err, "meetingID", sum.MeetingID)
			continue
		}
		sum.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes the record for (userID, meeting) and reports whether one existed.
func (s *Store) Delete(ctx context.Context, userID int64, meeting string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archives WHERE user_id = ? AND meeting_name = ?`, userID, meeting)
	if err != nil {
		return false, fmt.Errorf("failed to delete archive record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
