// Package client is a subscriber for the transcript websocket. It follows one
// meeting and hands every message it receives to a callback.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// ErrRejected is returned when the server closes the handshake with one of
// its authentication close codes.
var ErrRejected = errors.New("connection rejected")

// Config holds what a subscriber needs to reach the server.
type Config struct {
	// ServerURL is the base address, e.g. "https://localhost:8444".
	ServerURL string
	Token     string

	// Meeting to follow. With Watch unset it is requested once.
	Meeting string
	Watch   bool

	// Insecure skips certificate verification. CertFile pins a server
	// certificate instead.
	Insecure bool
	CertFile string

	Logger *slog.Logger
}

// Message is one inbound frame. Fields not used by a type are empty.
type Message struct {
	Type         string  `json:"type"`
	Speaker      string  `json:"speaker,omitempty"`
	Text         string  `json:"text,omitempty"`
	IsFinal      bool    `json:"is_final,omitempty"`
	MeetingName  string  `json:"meeting_name,omitempty"`
	MeetingTitle string  `json:"meeting_title,omitempty"`
	IsUpdate     bool    `json:"is_update,omitempty"`
	Message      string  `json:"message,omitempty"`
	Transcripts  []Entry `json:"transcripts,omitempty"`
}

// Entry is a transcript line as sent by the server.
type Entry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// WebsocketURL maps the server's base URL to its transcript socket.
func WebsocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/transcripts"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects, sends the watch or request command and calls handle for
// every message until ctx is done or the server goes away.
func Run(ctx context.Context, cfg Config, handle func(Message)) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL, err := WebsocketURL(cfg.ServerURL, cfg.Token)
	if err != nil {
		return err
	}
	tlsConfig, err := createTLSConfig(cfg.Insecure, cfg.CertFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop on shutdown
	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	if cfg.Meeting != "" {
		typ := "request_transcript"
		if cfg.Watch {
			typ = "watch_transcript"
		}
		if err := conn.WriteJSON(map[string]string{"type": typ, "meeting_name": cfg.Meeting}); err != nil {
			return fmt.Errorf("failed to send %s: %w", typ, err)
		}
		logger.Debug("Sent command", "type", typ, "meeting", cfg.Meeting)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code >= 4000 {
					return fmt.Errorf("%w: %d %s", ErrRejected, closeErr.Code, closeErr.Text)
				}
				if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
					logger.Info("Server closed the connection", "reason", closeErr.Text)
					return nil
				}
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Ignoring undecodable message", "error", err)
			continue
		}
		handle(msg)
	}
}

func createTLSConfig(insecureMode bool, serverCertFile string, logger *slog.Logger) (*tls.Config, error) {
	if insecureMode {
		logger.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if serverCertFile == "" {
		return nil, nil
	}

	// Load the server's certificate
	certPEM, err := os.ReadFile(serverCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append server certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}
