// Package insights turns meeting text into topics, summaries, structured
// notes and explanations using an LLM.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/llm"
)

// ErrEmptyInput is returned when the required text is missing.
var ErrEmptyInput = errors.New("insights: input is required")

// Generator is the generate(prompt, schema) capability.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Transcriber turns a recorded file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, name string, audio io.Reader, language string) (llm.Transcription, error)
}

type Topic struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type Topics struct {
	Keywords []string `json:"keywords"`
	Topics   []Topic  `json:"topics"`
}

type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type ActionItem struct {
	Task     string `json:"task"`
	Assignee string `json:"assignee,omitempty"`
	Deadline string `json:"deadline,omitempty"`
}

type MeetingNotes struct {
	Summary      string       `json:"summary"`
	Sections     []Section    `json:"sections"`
	Decisions    []string     `json:"decisions"`
	ActionItems  []ActionItem `json:"actionItems"`
	Participants []string     `json:"participants"`
}

type Service struct {
	gen Generator
	stt Transcriber
}

// New builds a Service. stt may be nil when batch transcription is not
// offered.
func New(gen Generator, stt Transcriber) *Service {
	return &Service{gen: gen, stt: stt}
}

func str(desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.String, Description: desc}
}

func object(props map[string]jsonschema.Definition, required ...string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Object, Properties: props, Required: required, AdditionalProperties: false}
}

func array(items jsonschema.Definition, desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Array, Items: &items, Description: desc}
}

var topicsSchema = object(map[string]jsonschema.Definition{
	"keywords": array(str(""), "Key terms mentioned"),
	"topics": array(object(map[string]jsonschema.Definition{
		"title":   str("Topic title"),
		"summary": str("Brief summary of the topic"),
	}, "title", "summary"), "Main discussion topics identified"),
}, "keywords", "topics")

var notesSchema = object(map[string]jsonschema.Definition{
	"summary": str("Executive summary of the meeting"),
	"sections": array(object(map[string]jsonschema.Definition{
		"title":   str(""),
		"content": str(""),
	}, "title", "content"), "Main sections/topics discussed"),
	"decisions": array(str(""), "Key decisions made during the meeting"),
	"actionItems": array(object(map[string]jsonschema.Definition{
		"task":     str(""),
		"assignee": str(""),
		"deadline": str(""),
	}, "task"), "Action items and TODOs"),
	"participants": array(str(""), "People who participated in the meeting"),
}, "summary", "sections", "decisions", "actionItems", "participants")

// ExtractTopics finds keywords and discussion topics in a segment.
func (s *Service) ExtractTopics(ctx context.Context, content string) (Topics, error) {
	var out Topics
	if strings.TrimSpace(content) == "" {
		return out, fmt.Errorf("%w: content", ErrEmptyInput)
	}
	prompt := "Extract keywords and topics from the following conversation segment:\n\n" +
		content + "\n\nIdentify the main keywords and discussion topics."
	err := s.object(ctx, llm.Request{Prompt: prompt, Tier: llm.TierFast, Schema: &topicsSchema, SchemaName: "topics"}, &out)
	return out, err
}

// SummarizeSegment writes a concise summary, optionally framed by context.
func (s *Service) SummarizeSegment(ctx context.Context, content, background string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: content", ErrEmptyInput)
	}
	var b strings.Builder
	if background != "" {
		fmt.Fprintf(&b, "Context: %s\n\n", background)
	}
	b.WriteString("Summarize the following conversation segment concisely:\n\n")
	b.WriteString(content)
	return s.gen.Generate(ctx, llm.Request{Prompt: b.String(), Tier: llm.TierFast})
}

// StructureMeeting organises a full transcript into meeting notes.
func (s *Service) StructureMeeting(ctx context.Context, transcript string) (MeetingNotes, error) {
	var out MeetingNotes
	if strings.TrimSpace(transcript) == "" {
		return out, fmt.Errorf("%w: transcript", ErrEmptyInput)
	}
	prompt := "Structure the following meeting transcript into organized notes:\n\n" + transcript +
		"\n\nExtract the summary, main sections, decisions, action items, and participants."
	err := s.object(ctx, llm.Request{Prompt: prompt, Tier: llm.TierPowerful, Schema: &notesSchema, SchemaName: "meeting_notes"}, &out)
	return out, err
}

// InlineResearch explains a passage the user selected.
func (s *Service) InlineResearch(ctx context.Context, selectedText, background string) (string, error) {
	if strings.TrimSpace(selectedText) == "" {
		return "", fmt.Errorf("%w: selectedText", ErrEmptyInput)
	}
	var b strings.Builder
	if background != "" {
		fmt.Fprintf(&b, "Conversation context: %s\n\n", background)
	}
	fmt.Fprintf(&b, "The user selected the following text and wants to understand it better:\n\n%q\n\n", selectedText)
	b.WriteString("Provide a concise explanation that:\n" +
		"1. Explains what this refers to\n" +
		"2. Provides relevant context\n" +
		"3. Includes any important details or implications\n\n" +
		"Keep the response focused and practical.")
	return s.gen.Generate(ctx, llm.Request{Prompt: b.String(), Tier: llm.TierPowerful})
}

// Transcribe runs batch transcription of a recorded file in Japanese.
func (s *Service) Transcribe(ctx context.Context, name string, audio io.Reader) (llm.Transcription, error) {
	if s.stt == nil {
		return llm.Transcription{}, errors.New("insights: transcription not configured")
	}
	if audio == nil {
		return llm.Transcription{}, fmt.Errorf("%w: audio", ErrEmptyInput)
	}
	return s.stt.Transcribe(ctx, name, audio, "ja")
}

func (s *Service) object(ctx context.Context, req llm.Request, out interface{}) error {
	text, err := s.gen.Generate(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		logging.Warnw("insights: model returned invalid JSON", "schema", req.SchemaName, "err", err)
		return fmt.Errorf("insights: decode %s: %w", req.SchemaName, err)
	}
	return nil
}
