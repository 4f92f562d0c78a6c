// Package api serves the trusted backend: credential issuing for the
// streaming providers and the meeting insight endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/meeting-voice-lab/internal/insights"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/tokens"
	"github.com/meeting-voice-lab/llm"
)

// Tokens issues provider credentials.
type Tokens interface {
	AmiVoiceAppKey(ctx context.Context) (string, error)
	ElevenLabsToken(ctx context.Context) (string, error)
	RealtimeSession(ctx context.Context) (json.RawMessage, error)
}

// Insights is the meeting insight service.
type Insights interface {
	ExtractTopics(ctx context.Context, content string) (insights.Topics, error)
	SummarizeSegment(ctx context.Context, content, background string) (string, error)
	StructureMeeting(ctx context.Context, transcript string) (insights.MeetingNotes, error)
	InlineResearch(ctx context.Context, selectedText, background string) (string, error)
	Transcribe(ctx context.Context, name string, audio io.Reader) (llm.Transcription, error)
}

type Server struct {
	app      *fiber.App
	tokens   Tokens
	insights Insights
}

// New wires the routes. When jwtSecret is set every /api route requires an
// HS256 bearer token signed with it.
func New(tok Tokens, ins Insights, jwtSecret string) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             25 << 20,
			ErrorHandler:          errorHandler,
		}),
		tokens:   tok,
		insights: ins,
	}
	s.app.Use(recover.New())
	s.app.Use(requestLog)
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	ai := s.app.Group("/api/ai")
	if jwtSecret != "" {
		ai.Use(RequireJWT([]byte(jwtSecret)))
	}
	ai.Post("/amivoice-token", s.amivoiceToken)
	ai.Post("/elevenlabs-token", s.elevenlabsToken)
	ai.Post("/realtime-token", s.realtimeToken)
	ai.Post("/extract-topics", s.extractTopics)
	ai.Post("/summarize", s.summarize)
	ai.Post("/structure-meeting", s.structureMeeting)
	ai.Post("/inline-research", s.inlineResearch)
	ai.Post("/transcribe", s.transcribe)
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

func requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	logging.Debugw("api: request", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode(), "ms", time.Since(start).Milliseconds())
	return err
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// upstreamFailure maps a credential issuing error to a response.
func upstreamFailure(c *fiber.Ctx, provider string, err error) error {
	logging.Errorw("api: credential issue failed", "provider", provider, "err", err)
	var se *tokens.StatusError
	if errors.As(err, &se) {
		return fail(c, se.Status, se.Error())
	}
	return fail(c, fiber.StatusInternalServerError, err.Error())
}

func (s *Server) amivoiceToken(c *fiber.Ctx) error {
	key, err := s.tokens.AmiVoiceAppKey(c.UserContext())
	if err != nil {
		return upstreamFailure(c, "amivoice", err)
	}
	return c.JSON(fiber.Map{"appkey": key})
}

func (s *Server) elevenlabsToken(c *fiber.Ctx) error {
	tok, err := s.tokens.ElevenLabsToken(c.UserContext())
	if err != nil {
		return upstreamFailure(c, "elevenlabs", err)
	}
	return c.JSON(fiber.Map{"token": tok})
}

func (s *Server) realtimeToken(c *fiber.Ctx) error {
	session, err := s.tokens.RealtimeSession(c.UserContext())
	if err != nil {
		return upstreamFailure(c, "openai", err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(session)
}
