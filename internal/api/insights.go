package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/meeting-voice-lab/internal/insights"
	"github.com/meeting-voice-lab/internal/logging"
)

type contentRequest struct {
	Content string `json:"content"`
	Context string `json:"context"`
}

type transcriptRequest struct {
	Transcript string `json:"transcript"`
}

type researchRequest struct {
	SelectedText string `json:"selectedText"`
	Context      string `json:"context"`
}

// insightFailure maps a service error: missing input is the caller's fault,
// anything else is ours.
func insightFailure(c *fiber.Ctx, what string, err error) error {
	if errors.Is(err, insights.ErrEmptyInput) {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	logging.Errorw("api: "+what+" failed", "err", err)
	return fail(c, fiber.StatusInternalServerError, "Failed to "+what)
}

func (s *Server) extractTopics(c *fiber.Ctx) error {
	var req contentRequest
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return fail(c, fiber.StatusBadRequest, "Content is required")
	}
	out, err := s.insights.ExtractTopics(c.UserContext(), req.Content)
	if err != nil {
		return insightFailure(c, "extract topics", err)
	}
	return c.JSON(out)
}

func (s *Server) summarize(c *fiber.Ctx) error {
	var req contentRequest
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return fail(c, fiber.StatusBadRequest, "Content is required")
	}
	out, err := s.insights.SummarizeSegment(c.UserContext(), req.Content, req.Context)
	if err != nil {
		return insightFailure(c, "summarize", err)
	}
	return c.JSON(fiber.Map{"result": out})
}

func (s *Server) structureMeeting(c *fiber.Ctx) error {
	var req transcriptRequest
	if err := c.BodyParser(&req); err != nil || req.Transcript == "" {
		return fail(c, fiber.StatusBadRequest, "Transcript is required")
	}
	out, err := s.insights.StructureMeeting(c.UserContext(), req.Transcript)
	if err != nil {
		return insightFailure(c, "structure meeting", err)
	}
	return c.JSON(out)
}

func (s *Server) inlineResearch(c *fiber.Ctx) error {
	var req researchRequest
	if err := c.BodyParser(&req); err != nil || req.SelectedText == "" {
		return fail(c, fiber.StatusBadRequest, "Selected text is required")
	}
	out, err := s.insights.InlineResearch(c.UserContext(), req.SelectedText, req.Context)
	if err != nil {
		return insightFailure(c, "perform inline research", err)
	}
	return c.JSON(fiber.Map{"result": out})
}

func (s *Server) transcribe(c *fiber.Ctx) error {
	fh, err := c.FormFile("audio")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Audio file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Audio file is unreadable")
	}
	defer f.Close()
	out, err := s.insights.Transcribe(c.UserContext(), fh.Filename, f)
	if err != nil {
		return insightFailure(c, "transcribe audio", err)
	}
	return c.JSON(out)
}
