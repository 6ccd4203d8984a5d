package scribe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bosley/scribesync/transcript"
)

var (
	// ErrAccessDenied is returned when a user asks for a meeting owned by someone else.
	ErrAccessDenied = errors.New("access denied")

	// ErrMalformedMessage is returned for inbound frames that are not a known command.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownRoom is returned when a room has no registered owner.
	ErrUnknownRoom = errors.New("no owner registered for room")

	// ErrEmptyTranscript is returned when an edit carries no text.
	ErrEmptyTranscript = errors.New("transcript has no entries")
)

// Outbound message types.
const (
	TypeTranscript         = "transcript"
	TypeTranscriptNew      = "transcript_new"
	TypeTranscriptUpdate   = "transcript_update"
	TypeCompleteTranscript = "complete_transcript"
	TypeInitialTranscripts = "initial_transcripts"
	TypeError              = "error"
)

// Inbound message types.
const (
	TypeRequestTranscript = "request_transcript"
	TypeWatchTranscript   = "watch_transcript"
	TypeUnwatchTranscript = "unwatch_transcript"
)

// TranscriptEvent is pushed to an owner's connections for every accepted live event.
type TranscriptEvent struct {
	Type        string `json:"type"`
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	MeetingName string `json:"meeting_name"`
}

// CompleteTranscript answers request_transcript and watch_transcript.
type CompleteTranscript struct {
	Type         string             `json:"type"`
	MeetingTitle string             `json:"meeting_title"`
	Transcripts  []transcript.Entry `json:"transcripts"`
}

// WatchDelta carries entries detected by the change watcher.
type WatchDelta struct {
	Type        string             `json:"type"`
	MeetingName string             `json:"meeting_name"`
	Transcripts []transcript.Entry `json:"transcripts"`
	IsUpdate    bool               `json:"is_update"`
}

// InitialTranscripts is sent once on connect when the user has buffered entries.
type InitialTranscripts struct {
	Type        string             `json:"type"`
	Transcripts []transcript.Entry `json:"transcripts"`
}

// ErrorMessage reports a refused request. The connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Command is a decoded inbound control message.
type Command interface {
	Meeting() string
}

// RequestTranscript asks for the complete transcript of a meeting.
type RequestTranscript struct{ Name string }

// WatchTranscript subscribes to change deltas for a meeting.
type WatchTranscript struct{ Name string }

// UnwatchTranscript cancels a WatchTranscript.
type UnwatchTranscript struct{ Name string }

func (c RequestTranscript) Meeting() string { return c.Name }
func (c WatchTranscript) Meeting() string   { return c.Name }
func (c UnwatchTranscript) Meeting() string { return c.Name }

type inboundFrame struct {
	Type        string `json:"type"`
	RoomName    string `json:"room_name"`
	MeetingName string `json:"meeting_name"`
}

// DecodeCommand parses an inbound frame. Either room_name or meeting_name
// names the meeting; room_name wins when both are present.
func DecodeCommand(data []byte) (Command, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	name := strings.TrimSpace(f.RoomName)
	if name == "" {
		name = strings.TrimSpace(f.MeetingName)
	}

	var cmd Command
	switch f.Type {
	case TypeRequestTranscript:
		cmd = RequestTranscript{Name: name}
	case TypeWatchTranscript:
		cmd = WatchTranscript{Name: name}
	case TypeUnwatchTranscript:
		cmd = UnwatchTranscript{Name: name}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, f.Type)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %s without a meeting name", ErrMalformedMessage, f.Type)
	}
	return cmd, nil
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// every message type here is plain data
		panic(fmt.Sprintf("scribe: encode %T: %v", v, err))
	}
	return data
}

func nonNil(entries []transcript.Entry) []transcript.Entry {
	if entries == nil {
		return []transcript.Entry{}
	}
	return entries
}
