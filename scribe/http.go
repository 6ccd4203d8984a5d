package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/scribesync/auth"
	"github.com/bosley/scribesync/transcript"
)

// maxBodySize bounds request bodies; a bulk update carries a whole transcript.
const maxBodySize = 8 << 20

// Handler returns the HTTP routes of the service.
func (s *Scribe) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/ws/transcripts", s.handleWebSocket)

	// Producer routes
	router.HandleFunc("/transcripts/events", s.requireIngestKey(s.handleEvent)).Methods("POST")
	router.HandleFunc("/transcripts/update", s.requireIngestKey(s.handleBulkUpdate)).Methods("POST")

	// User routes
	router.HandleFunc("/rooms", s.requireUser(s.handleRegisterRoom)).Methods("POST")
	router.HandleFunc("/transcripts", s.requireUser(s.handleGetTranscript)).Methods("GET")
	router.HandleFunc("/transcripts/list", s.requireUser(s.handleListTranscripts)).Methods("GET")
	router.HandleFunc("/transcripts/stop-recording", s.requireUser(s.handleStopRecording)).Methods("POST")
	router.HandleFunc("/transcripts/{meeting_name}", s.requireUser(s.handleEditTranscript)).Methods("PUT")
	router.HandleFunc("/transcripts/{meeting_name}", s.requireUser(s.handleDeleteTranscript)).Methods("DELETE")

	return router
}

func (s *Scribe) startHTTP(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.CertFile != "" {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("HTTP server listening",
		"addr", s.config.HTTPAddr,
		"tls", s.config.CertFile != "")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

type userKey struct{}

func userFrom(r *http.Request) auth.User {
	u, _ := r.Context().Value(userKey{}).(auth.User)
	return u
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Scribe) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			code, reason := closeCodeFor(err)
			if code == CloseUserLookupFailed {
				s.logger.Error("User lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, reason)
				return
			}
			writeError(w, http.StatusUnauthorized, reason)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

func (s *Scribe) requireIngestKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ingest.Check(r.Header.Get("X-Ingest-Key")) {
			writeError(w, http.StatusUnauthorized, "invalid ingest key")
			return
		}
		next(w, r)
	}
}

// closeCodeFor maps an authentication failure to its handshake close code.
func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return CloseMissingCredential, "missing token"
	case errors.Is(err, auth.ErrTokenExpired):
		return CloseInvalidCredential, "token expired"
	case errors.Is(err, auth.ErrInvalidToken):
		return CloseInvalidCredential, "invalid token"
	case errors.Is(err, auth.ErrUserNotFound):
		return CloseUnknownUser, "user not found"
	default:
		return CloseUserLookupFailed, "user lookup failed"
	}
}

func (s *Scribe) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authentication happens after the upgrade so the client receives a close code
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	user, err := s.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		code, reason := closeCodeFor(err)
		s.logger.Warn("Rejected WebSocket connection", "error", err, "code", code)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	wsConn := newWSConnection(s, conn, user)

	// Start the writer before registering so the initial replay drains
	go wsConn.writePump()
	s.hub.Register(wsConn, user.ID)
	go wsConn.readPump(s.baseCtx)
}

func (s *Scribe) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Len(),
	})
}

type eventRequest struct {
	RoomName string `json:"room_name"`
	Speaker  string `json:"speaker"`
	Text     string `json:"text"`
	IsFinal  bool   `json:"is_final"`
}

func (s *Scribe) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RoomName == "" || req.Speaker == "" {
		writeError(w, http.StatusBadRequest, "room_name and speaker are required")
		return
	}

	err := s.HandleEvent(r.Context(), req.RoomName, req.Speaker, req.Text, req.IsFinal)
	if writeNameError(w, err) {
		return
	}
	if err != nil {
		s.logger.Error("Failed to apply transcript event", "error", err, "meeting", req.RoomName)
		writeError(w, http.StatusInternalServerError, "failed to save transcript")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// writeNameError answers requests whose meeting name the store refused.
func writeNameError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, transcript.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "meeting name must contain a letter or digit")
	case errors.Is(err, transcript.ErrNameCollision) && !errors.Is(err, transcript.ErrNotFound):
		writeError(w, http.StatusConflict, "meeting name is already used by another meeting")
	default:
		return false
	}
	return true
}

type bulkUpdateRequest struct {
	Transcripts [][]string `json:"transcripts"`
	RoomName    string     `json:"room_name"`
}

func (s *Scribe) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "room_name is required")
		return
	}

	pairs := make([]transcript.Pair, 0, len(req.Transcripts))
	for i, t := range req.Transcripts {
		if len(t) != 2 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("transcripts[%d] must be [speaker, text]", i))
			return
		}
		pairs = append(pairs, transcript.Pair{Speaker: t[0], Text: t[1]})
	}

	s.logger.Info("Received transcript update",
		"meeting", req.RoomName,
		"entries", len(pairs))

	res, err := s.BulkUpdate(r.Context(), req.RoomName, pairs)
	if writeNameError(w, err) {
		return
	}
	switch {
	case errors.Is(err, ErrUnknownRoom):
		s.logger.Warn("No owner for room, cannot update transcripts", "meeting", req.RoomName)
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status":       "error",
			"message":      "No user_id found for this room",
			"meeting_name": req.RoomName,
		})
		return
	case err != nil:
		s.logger.Error("Failed to apply transcript update", "error", err, "meeting", req.RoomName)
		writeError(w, http.StatusInternalServerError, "failed to save transcript")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"count":        res.Count,
		"meeting_name": res.MeetingName,
		"user_id":      res.UserID,
	})
}

type roomRequest struct {
	RoomName string `json:"room_name"`
}

func (s *Scribe) handleRegisterRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RoomName) == "" {
		writeError(w, http.StatusBadRequest, "room_name is required")
		return
	}
	if transcript.SafeName(req.RoomName) == "" {
		writeError(w, http.StatusBadRequest, "room_name must contain a letter or digit")
		return
	}

	user := userFrom(r)
	s.RegisterRoom(r.Context(), req.RoomName, user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":    "ok",
		"room_name": req.RoomName,
		"user_id":   user.ID,
	})
}

func (s *Scribe) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	meeting := r.URL.Query().Get("meeting_name")

	if meeting == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"transcripts": nonNil(s.buffers.Entries(user.ID)),
			"source":      SourceBuffer,
		})
		return
	}

	full, err := s.findTranscript(r.Context(), user.ID, meeting, false)
	if errors.Is(err, ErrAccessDenied) {
		writeError(w, http.StatusForbidden, "you don't have permission to access this transcript")
		return
	}
	if full.Source == SourceNone {
		writeError(w, http.StatusNotFound, "transcript not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting_name":  meeting,
		"transcripts":   full.Entries,
		"total_entries": len(full.Entries),
		"source":        full.Source,
	})
}

func (s *Scribe) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	list, err := s.ListTranscripts(r.Context(), userFrom(r).ID)
	if err != nil {
		s.logger.Error("Failed to list transcripts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transcripts": list,
		"count":       len(list),
	})
}

type stopRecordingRequest struct {
	MeetingName string `json:"meeting_name"`
}

func (s *Scribe) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	var req stopRecordingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MeetingName == "" {
		writeError(w, http.StatusBadRequest, "meeting_name is required")
		return
	}

	res, err := s.StopRecording(r.Context(), userFrom(r).ID, req.MeetingName)
	if writeNameError(w, err) {
		return
	}
	switch {
	case errors.Is(err, ErrAccessDenied):
		writeError(w, http.StatusForbidden, "you don't have permission to stop this recording")
		return
	case errors.Is(err, transcript.ErrNotFound):
		writeError(w, http.StatusNotFound, "transcript not found for meeting: "+req.MeetingName)
		return
	case err != nil:
		s.logger.Error("Failed to archive transcript", "error", err, "meeting", req.MeetingName)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"meeting_name": res.MeetingName,
		"meeting_id":   res.MeetingID,
		"entries":      res.Entries,
		"archived":     res.Archived,
		"deleted_file": res.Removed,
	})
}

type editRequest struct {
	Transcripts []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"transcripts"`
}

func (s *Scribe) handleEditTranscript(w http.ResponseWriter, r *http.Request) {
	meeting := mux.Vars(r)["meeting_name"]

	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pairs := make([]transcript.Pair, 0, len(req.Transcripts))
	for _, t := range req.Transcripts {
		pairs = append(pairs, transcript.Pair{Speaker: t.Speaker, Text: t.Text})
	}

	n, err := s.EditTranscript(r.Context(), userFrom(r).ID, meeting, pairs)
	if writeNameError(w, err) {
		return
	}
	switch {
	case errors.Is(err, ErrEmptyTranscript):
		writeError(w, http.StatusBadRequest, "transcript has no entries")
		return
	case errors.Is(err, ErrAccessDenied):
		writeError(w, http.StatusForbidden, "you don't have permission to edit this transcript")
		return
	case errors.Is(err, transcript.ErrNotFound):
		writeError(w, http.StatusNotFound, "transcript not found")
		return
	case err != nil:
		s.logger.Error("Failed to edit transcript", "error", err, "meeting", meeting)
		writeError(w, http.StatusInternalServerError, "failed to update transcript")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"meeting_name":  meeting,
		"total_entries": n,
	})
}

func (s *Scribe) handleDeleteTranscript(w http.ResponseWriter, r *http.Request) {
	meeting := mux.Vars(r)["meeting_name"]

	err := s.DeleteTranscript(r.Context(), userFrom(r).ID, meeting)
	if writeNameError(w, err) {
		return
	}
	switch {
	case errors.Is(err, ErrAccessDenied):
		writeError(w, http.StatusForbidden, "you don't have permission to delete this transcript")
		return
	case errors.Is(err, transcript.ErrNotFound):
		writeError(w, http.StatusNotFound, "transcript not found")
		return
	case err != nil:
		s.logger.Error("Failed to delete transcript", "error", err, "meeting", meeting)
		writeError(w, http.StatusInternalServerError, "failed to delete transcript")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"meeting_name": strings.TrimSuffix(meeting, ".json"),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
