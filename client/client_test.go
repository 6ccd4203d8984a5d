package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func TestWebsocketURL(t *testing.T) {
	got, err := WebsocketURL("https://scribe.example:8444", "tok en")
	require.NoError(t, err)
	assert.Equal(t, "wss://scribe.example:8444/ws/transcripts?token=tok+en", got)

	got, err = WebsocketURL("http://localhost:8444/", "t")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8444/ws/transcripts?token=t", got)

	_, err = WebsocketURL("ftp://host", "t")
	assert.Error(t, err)
}

func TestRunWatchesMeeting(t *testing.T) {
	commands := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/transcripts", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd map[string]string
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		commands <- cmd

		conn.WriteJSON(map[string]any{
			"type":         "transcript_new",
			"meeting_name": "standup",
			"transcripts":  []map[string]any{{"speaker": "Alice", "text": "hi", "is_final": true}},
		})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	var got []Message
	err := Run(context.Background(), Config{
		ServerURL: srv.URL,
		Token:     "secret",
		Meeting:   "standup",
		Watch:     true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, func(m Message) { got = append(got, m) })
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"type": "watch_transcript", "meeting_name": "standup"}, <-commands)
	require.Len(t, got, 1)
	assert.Equal(t, "transcript_new", got[0].Type)
	assert.Equal(t, []Entry{{Speaker: "Alice", Text: "hi", IsFinal: true}}, got[0].Transcripts)
}

func TestRunRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4002, "invalid token"), time.Now().Add(time.Second))
	}))
	defer srv.Close()

	err := Run(context.Background(), Config{
		ServerURL: srv.URL,
		Token:     "forged",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, func(Message) {})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "4002")
}
