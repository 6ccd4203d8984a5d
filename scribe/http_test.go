package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIngestKey = "ingest_test_key"

func newTestServer(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, withIngestKey(testIngestKey))
	srv := httptest.NewServer(env.scribe.Handler())
	t.Cleanup(srv.Close)
	return env, srv
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transcripts"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		m := readJSON(t, conn)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s message received", typ)
	return nil
}

type request struct {
	method string
	path   string
	token  string
	ingest string
	body   any
}

func do(t *testing.T, srv *httptest.Server, req request) (int, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(req.body))
	}
	r, err := http.NewRequest(req.method, srv.URL+req.path, &body)
	require.NoError(t, err)
	if req.token != "" {
		r.Header.Set("Authorization", "Bearer "+req.token)
	}
	if req.ingest != "" {
		r.Header.Set("X-Ingest-Key", req.ingest)
	}

	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestWebSocketHandshakeCloseCodes(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"missing token", "", CloseMissingCredential},
		{"invalid token", "forged", CloseInvalidCredential},
		{"expired token", "expired", CloseInvalidCredential},
		{"unknown user", "ghost", CloseUnknownUser},
		{"lookup failure", "db-down", CloseUserLookupFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialWS(t, srv, tt.token)
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := conn.ReadMessage()

			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
			assert.Equal(t, tt.code, closeErr.Code)
		})
	}
}

func TestLiveEventReachesOwnerConnection(t *testing.T) {
	env, srv := newTestServer(t)

	status, _ := do(t, srv, request{method: "POST", path: "/rooms", token: "alice-token",
		body: map[string]any{"room_name": "standup"}})
	require.Equal(t, http.StatusCreated, status)

	alice := dialWS(t, srv, "alice-token")
	bob := dialWS(t, srv, "bob-token")
	require.Eventually(t, func() bool { return env.scribe.Hub().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/events", ingest: testIngestKey,
		body: map[string]any{"room_name": "standup", "speaker": "Alice", "text": "Hello", "is_final": true}})
	require.Equal(t, http.StatusAccepted, status)

	msg := readJSON(t, alice)
	assert.Equal(t, TypeTranscript, msg["type"])
	assert.Equal(t, "Hello", msg["text"])
	assert.Equal(t, "standup", msg["meeting_name"])

	// bob's connection sees nothing
	bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	require.Error(t, err)

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "request_transcript", "room_name": "standup"}))
	msg = readJSON(t, alice)
	assert.Equal(t, TypeCompleteTranscript, msg["type"])
	assert.Equal(t, "standup", msg["meeting_title"])
	assert.Len(t, msg["transcripts"], 1)
}

func TestReconnectReplaysBuffer(t *testing.T) {
	env, srv := newTestServer(t)
	ctx := context.Background()
	env.scribe.RegisterRoom(ctx, "standup", 1)
	require.NoError(t, env.scribe.HandleEvent(ctx, "standup", "Alice", "earlier", true))

	alice := dialWS(t, srv, "alice-token")
	msg := readJSON(t, alice)
	assert.Equal(t, TypeInitialTranscripts, msg["type"])
	assert.Len(t, msg["transcripts"], 1)
}

func TestWatchOverWebSocket(t *testing.T) {
	env, srv := newTestServer(t)
	s := env.scribe
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.workers.Wait()
	})

	require.NoError(t, s.watcher.Add(env.store.Dir()))
	s.workers.Add(2)
	go s.worker(ctx)
	go s.watchFiles(ctx)

	s.RegisterRoom(ctx, "standup", 1)
	require.NoError(t, s.HandleEvent(ctx, "standup", "Alice", "before", true))

	alice := dialWS(t, srv, "alice-token")
	readUntil(t, alice, TypeInitialTranscripts)
	bob := dialWS(t, srv, "bob-token")
	require.Eventually(t, func() bool { return s.Hub().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.WriteJSON(map[string]string{"type": "watch_transcript", "meeting_name": "standup"}))
	msg := readJSON(t, bob)
	assert.Equal(t, TypeError, msg["type"])
	assert.Equal(t, "You don't have permission to watch this transcript", msg["message"])

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "watch_transcript", "meeting_name": "standup"}))
	msg = readUntil(t, alice, TypeCompleteTranscript)
	assert.Len(t, msg["transcripts"], 1)
	require.Eventually(t, func() bool { return s.Hub().Watching("standup") == 1 }, 2*time.Second, 10*time.Millisecond)

	status, _ := do(t, srv, request{method: "POST", path: "/transcripts/events", ingest: testIngestKey,
		body: map[string]any{"room_name": "standup", "speaker": "Bob", "text": "after", "is_final": true}})
	require.Equal(t, http.StatusAccepted, status)

	msg = readUntil(t, alice, TypeTranscriptNew)
	assert.Equal(t, "standup", msg["meeting_name"])
	assert.Equal(t, false, msg["is_update"])
	entries, ok := msg["transcripts"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].(map[string]any)["text"])
}

func TestProducerRoutes(t *testing.T) {
	_, srv := newTestServer(t)

	status, _ := do(t, srv, request{method: "POST", path: "/transcripts/events",
		body: map[string]any{"room_name": "standup", "speaker": "A", "text": "x"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/events", ingest: testIngestKey,
		body: map[string]any{"room_name": "standup", "text": "x"}})
	assert.Equal(t, http.StatusBadRequest, status)

	update := map[string]any{
		"room_name":   "standup",
		"transcripts": [][]string{{"Alice", "one"}, {"Bob", "two"}},
	}
	status, body := do(t, srv, request{method: "POST", path: "/transcripts/update", ingest: testIngestKey, body: update})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "No user_id found for this room", body["message"])
	assert.Equal(t, "standup", body["meeting_name"])

	status, _ = do(t, srv, request{method: "POST", path: "/rooms", token: "alice-token",
		body: map[string]any{"room_name": "standup"}})
	require.Equal(t, http.StatusCreated, status)

	status, body = do(t, srv, request{method: "POST", path: "/transcripts/update", ingest: testIngestKey, body: update})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(1), body["user_id"])

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/update", ingest: testIngestKey,
		body: map[string]any{"room_name": "standup", "transcripts": [][]string{{"only speaker"}}}})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUserRoutes(t *testing.T) {
	env, srv := newTestServer(t)
	ctx := context.Background()
	env.scribe.RegisterRoom(ctx, "standup", 1)
	require.NoError(t, env.scribe.HandleEvent(ctx, "standup", "Alice", "agenda", true))

	status, _ := do(t, srv, request{method: "GET", path: "/health"})
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, srv, request{method: "GET", path: "/transcripts?meeting_name=standup"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, srv, request{method: "GET", path: "/transcripts?meeting_name=standup", token: "db-down"})
	assert.Equal(t, http.StatusInternalServerError, status)

	status, body := do(t, srv, request{method: "GET", path: "/transcripts?meeting_name=standup", token: "alice-token"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, SourceLive, body["source"])
	assert.Equal(t, float64(1), body["total_entries"])

	status, _ = do(t, srv, request{method: "GET", path: "/transcripts?meeting_name=standup", token: "bob-token"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = do(t, srv, request{method: "GET", path: "/transcripts?meeting_name=nope", token: "alice-token"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, srv, request{method: "GET", path: "/transcripts", token: "alice-token"})
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["transcripts"], 1)

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/stop-recording", token: "bob-token",
		body: map[string]any{"meeting_name": "standup"}})
	assert.Equal(t, http.StatusForbidden, status)

	status, body = do(t, srv, request{method: "POST", path: "/transcripts/stop-recording", token: "alice-token",
		body: map[string]any{"meeting_name": "standup"}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["archived"])
	assert.Equal(t, true, body["deleted_file"])
	assert.NotEmpty(t, body["meeting_id"])

	status, body = do(t, srv, request{method: "GET", path: "/transcripts/list", token: "alice-token"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = do(t, srv, request{method: "PUT", path: "/transcripts/standup", token: "alice-token",
		body: map[string]any{"transcripts": []map[string]string{{"speaker": "Alice", "text": ""}}}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, srv, request{method: "PUT", path: "/transcripts/standup", token: "alice-token",
		body: map[string]any{"transcripts": []map[string]string{{"speaker": "Alice", "text": "new agenda"}}}})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total_entries"])

	status, _ = do(t, srv, request{method: "DELETE", path: "/transcripts/standup.json", token: "alice-token"})
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, srv, request{method: "DELETE", path: "/transcripts/standup", token: "alice-token"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRoutesRefuseUnusableMeetingNames(t *testing.T) {
	env, srv := newTestServer(t)
	env.scribe.RegisterRoom(context.Background(), "team a", 1)

	status, _ := do(t, srv, request{method: "POST", path: "/rooms", token: "alice-token",
		body: map[string]any{"room_name": "!!!"}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/events", ingest: testIngestKey,
		body: map[string]any{"room_name": "???", "speaker": "A", "text": "x", "is_final": true}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/events", ingest: testIngestKey,
		body: map[string]any{"room_name": "team a", "speaker": "Alice", "text": "plan", "is_final": true}})
	require.Equal(t, http.StatusAccepted, status)

	status, _ = do(t, srv, request{method: "POST", path: "/transcripts/events", ingest: testIngestKey,
		body: map[string]any{"room_name": "team_a", "speaker": "Bob", "text": "intrusion", "is_final": true}})
	assert.Equal(t, http.StatusConflict, status)

	stored, err := env.store.Read(context.Background(), "team a", false)
	require.NoError(t, err)
	assert.Len(t, stored.Entries, 1)
}
