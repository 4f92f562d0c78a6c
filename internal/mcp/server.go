// Package mcp exposes the meeting insight tools over the Model Context
// Protocol on a websocket, and provides the client used to call them.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/meeting-voice-lab/internal/insights"
	"github.com/meeting-voice-lab/internal/logging"
)

const (
	ToolExtractTopics    = "extract_topics"
	ToolSummarizeSegment = "summarize_segment"
	ToolStructureMeeting = "structure_meeting"
	ToolInlineResearch   = "inline_research"
)

// Insights is the service behind the tools.
type Insights interface {
	ExtractTopics(ctx context.Context, content string) (insights.Topics, error)
	SummarizeSegment(ctx context.Context, content, background string) (string, error)
	StructureMeeting(ctx context.Context, transcript string) (insights.MeetingNotes, error)
	InlineResearch(ctx context.Context, selectedText, background string) (string, error)
}

type ContentArgs struct {
	Content string `json:"content" jsonschema:"conversation text to analyse"`
	Context string `json:"context,omitempty" jsonschema:"optional surrounding context"`
}

type TranscriptArgs struct {
	Transcript string `json:"transcript" jsonschema:"full meeting transcript"`
}

type ResearchArgs struct {
	SelectedText string `json:"selectedText" jsonschema:"text the user selected"`
	Context      string `json:"context,omitempty" jsonschema:"optional conversation context"`
}

func text(s string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: s}}}
}

func jsonResult(v interface{}) (*sdk.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return text(string(b)), nil
}

// NewServer registers the insight tools on a fresh MCP server.
func NewServer(svc Insights, version string) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: "meeting-insights", Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        ToolExtractTopics,
		Description: "Extract keywords and discussion topics from a conversation segment.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, args ContentArgs) (*sdk.CallToolResult, any, error) {
		out, err := svc.ExtractTopics(ctx, args.Content)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(out)
		return res, nil, err
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        ToolSummarizeSegment,
		Description: "Summarize a conversation segment concisely.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, args ContentArgs) (*sdk.CallToolResult, any, error) {
		out, err := svc.SummarizeSegment(ctx, args.Content, args.Context)
		if err != nil {
			return nil, nil, err
		}
		return text(out), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        ToolStructureMeeting,
		Description: "Structure a meeting transcript into summary, sections, decisions, action items and participants.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, args TranscriptArgs) (*sdk.CallToolResult, any, error) {
		out, err := svc.StructureMeeting(ctx, args.Transcript)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(out)
		return res, nil, err
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        ToolInlineResearch,
		Description: "Explain a passage the user selected, with context and implications.",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, args ResearchArgs) (*sdk.CallToolResult, any, error) {
		out, err := svc.InlineResearch(ctx, args.SelectedText, args.Context)
		if err != nil {
			return nil, nil, err
		}
		return text(out), nil, nil
	})
	return server
}

// Handler serves /health and the MCP websocket endpoint /mcp/ws. Each
// websocket gets its own server session.
func Handler(server *sdk.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("mcp: ws upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		go func() {
			ss, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Errorw("mcp: server connect error", "err", err)
				conn.Close()
				return
			}
			if err := ss.Wait(); err != nil {
				logging.Debugw("mcp: session ended with error", "remote", r.RemoteAddr, "err", err)
			} else {
				logging.Debugw("mcp: session ended", "remote", r.RemoteAddr)
			}
		}()
	})
	return mux
}
