// Package llm wraps the OpenAI chat and transcription APIs with model tiers,
// JSON-schema structured output and a one-shot fallback model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/meeting-voice-lab/internal/logging"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

// Tier picks a model class rather than a model name.
type Tier string

const (
	TierFast     Tier = "fast"
	TierPowerful Tier = "powerful"
)

type Config struct {
	APIKey        string
	BaseURL       string
	FastModel     string
	PowerfulModel string
	FallbackModel string
	MaxTokens     int
	HTTP          *http.Client
}

type Client struct {
	api       *openai.Client
	models    map[Tier]string
	fallback  string
	maxTokens int
}

// Request is one generation. With Schema set the model must answer with JSON
// matching it.
type Request struct {
	System      string
	Prompt      string
	Tier        Tier
	Schema      *jsonschema.Definition
	SchemaName  string
	MaxTokens   int
	Temperature float32
}

func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTP != nil {
		oc.HTTPClient = cfg.HTTP
	} else {
		oc.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		api: openai.NewClientWithConfig(oc),
		models: map[Tier]string{
			TierFast:     or(cfg.FastModel, openai.GPT4oMini),
			TierPowerful: or(cfg.PowerfulModel, openai.GPT4o),
		},
		fallback:  or(cfg.FallbackModel, openai.GPT4oMini),
		maxTokens: cfg.MaxTokens,
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 4000
	}
	return c
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Model resolves a tier, defaulting to the fast model.
func (c *Client) Model(t Tier) string {
	if m, ok := c.models[t]; ok {
		return m
	}
	return c.models[TierFast]
}

// Generate returns the model's text answer. Transient failures are retried
// once on the fallback model.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	model := c.Model(req.Tier)
	out, err := c.complete(ctx, model, req)
	if err == nil || !errors.Is(err, ErrTransient) || c.fallback == model {
		return out, err
	}
	logging.Warnw("llm: retrying on fallback model", "model", model, "fallback", c.fallback, "err", err)
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	}
	return c.complete(ctx, c.fallback, req)
}

func (c *Client) complete(ctx context.Context, model string, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > c.maxTokens {
		maxTokens = c.maxTokens
	}
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	cr := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		cr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   or(req.SchemaName, "response"),
				Schema: req.Schema,
			},
		}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, cr)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrTransient)
	}
	logging.Debugw("llm: completion", "model", model, "ms", time.Since(start).Milliseconds(), "tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// classify maps 5xx, 429 and network failures to ErrTransient and other
// API errors to ErrPermanent.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 || status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: status %d: %v", ErrPermanent, status, err)
}

// Segment is one timed piece of a batch transcription.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcription struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
}

// Transcribe runs whisper-1 on a recorded file. name carries the extension
// the API uses to detect the container format.
func (c *Client) Transcribe(ctx context.Context, name string, audio io.Reader, language string) (Transcription, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: name,
		Reader:   audio,
		Language: or(language, "ja"),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcription{}, classify(err)
	}
	out := Transcription{Text: resp.Text, Language: resp.Language, Duration: resp.Duration}
	for _, s := range resp.Segments {
		out.Segments = append(out.Segments, Segment{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text})
	}
	return out, nil
}
