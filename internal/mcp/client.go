package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meeting-voice-lab/internal/insights"
	"github.com/meeting-voice-lab/internal/logging"
)

// ClientWrapper provides a small helper to connect to an MCP server over
// websocket and manage the client session lifecycle.
type ClientWrapper struct {
	client  *sdk.Client
	session *sdk.ClientSession
	cancel  context.CancelFunc
}

// NewClientWrapper creates a new wrapper with the given name/version.
func NewClientWrapper(name, version string) *ClientWrapper {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &ClientWrapper{client: sdk.NewClient(impl, nil)}
}

// ConnectWebSocket dials the server's websocket endpoint and creates a
// session. http(s) URLs are mapped to ws(s).
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", u.Redacted(), err)
	}
	if err := w.Connect(ctx, NewWebSocketTransport(conn)); err != nil {
		conn.Close()
		return err
	}
	logging.Infow("mcp: client connected", "url", u.Redacted())
	return nil
}

// Connect starts a session over any SDK transport and keeps it alive with
// periodic pings.
func (w *ClientWrapper) Connect(ctx context.Context, t sdk.Transport) error {
	sess, err := w.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect: %w", err)
	}
	w.session = sess
	pingCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(pingCtx, nil); err != nil {
					logging.Debugw("mcp: ping failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// CallTool invokes a tool and returns its text content. A tool-level error
// comes back as an error.
func (w *ClientWrapper) CallTool(ctx context.Context, name string, args interface{}) (string, error) {
	if w.session == nil {
		return "", errors.New("mcp: not connected")
	}
	res, err := w.session.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", name, err)
	}
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("mcp: tool %s failed: %s", name, b.String())
	}
	return b.String(), nil
}

// StructureMeeting calls the structure_meeting tool.
func (w *ClientWrapper) StructureMeeting(ctx context.Context, transcript string) (insights.MeetingNotes, error) {
	var notes insights.MeetingNotes
	out, err := w.CallTool(ctx, ToolStructureMeeting, TranscriptArgs{Transcript: transcript})
	if err != nil {
		return notes, err
	}
	if err := json.Unmarshal([]byte(out), &notes); err != nil {
		return notes, fmt.Errorf("mcp: decode meeting notes: %w", err)
	}
	return notes, nil
}

func (w *ClientWrapper) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.session != nil {
		return w.session.Close()
	}
	return nil
}
