package scribe

import (
	"context"
	"errors"
)

// handleMessage runs one inbound control message. Malformed messages are
// logged and ignored; the connection stays open.
func (s *Scribe) handleMessage(ctx context.Context, c *wsConnection, data []byte) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		s.logger.Warn("Ignoring malformed message", "error", err, "connID", c.id)
		return
	}

	switch cmd := cmd.(type) {
	case RequestTranscript:
		s.sendFullTranscript(ctx, c, cmd.Name, true)

	case WatchTranscript:
		if owner, ok := s.owners.Get(ctx, cmd.Name); ok && owner != c.user.ID {
			s.logger.Warn("Denied watch request",
				"meeting", cmd.Name,
				"userID", c.user.ID,
				"ownerID", owner)
			s.sendError(c, "You don't have permission to watch this transcript")
			return
		}
		if !s.hub.Watch(c.id, cmd.Name) {
			return
		}
		s.changes.AddWatch(ctx, cmd.Name)
		s.sendFullTranscript(ctx, c, cmd.Name, false)

	case UnwatchTranscript:
		s.hub.Unwatch(c.id, cmd.Name)
	}
}

// sendFullTranscript answers with complete_transcript. A request always gets
// an answer, falling back to the user's buffer; a watch is answered only when
// the meeting has stored entries.
func (s *Scribe) sendFullTranscript(ctx context.Context, c Conn, meeting string, request bool) {
	owner, _ := s.hub.Owner(c.ID())

	full, err := s.findTranscript(ctx, owner, meeting, request)
	if errors.Is(err, ErrAccessDenied) {
		if request {
			s.sendError(c, "You don't have permission to access this transcript")
		}
		return
	}
	if len(full.Entries) == 0 && !request {
		return
	}

	s.logger.Debug("Sending complete transcript",
		"meeting", meeting,
		"userID", owner,
		"source", full.Source,
		"entries", len(full.Entries))
	s.send(c, encode(CompleteTranscript{
		Type:         TypeCompleteTranscript,
		MeetingTitle: meeting,
		Transcripts:  nonNil(full.Entries),
	}))
}

func (s *Scribe) sendError(c Conn, message string) {
	s.send(c, encode(ErrorMessage{Type: TypeError, Message: message}))
}

func (s *Scribe) send(c Conn, msg []byte) {
	if err := c.Send(msg); err != nil {
		s.logger.Warn("Failed to send to subscriber", "error", err, "connID", c.ID())
		s.hub.drop(c)
	}
}
