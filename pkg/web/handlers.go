package web

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-livevoice/pkg/credentials"
	"github.com/teslashibe/go-livevoice/pkg/history"
	"github.com/teslashibe/go-livevoice/pkg/hub"
	"github.com/teslashibe/go-livevoice/pkg/session"
)

// ConnectRequest is the body of POST /api/session/connect.
type ConnectRequest struct {
	Voice         string `json:"voice"`
	APIKey        string `json:"api_key"`
	UserInitiated bool   `json:"user_initiated"`
}

// ValidateKeyRequest is the body of POST /api/credentials/validate.
type ValidateKeyRequest struct {
	APIKey string `json:"api_key"`
}

func errorJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// handleStatus returns the engine status
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.engine.Status())
}

// handleTranscript returns every transcript item, partial ones included
func (s *Server) handleTranscript(c *fiber.Ctx) error {
	return c.JSON(s.engine.Transcripts())
}

// handleTranscriptMarkdown exports the finalized transcript
func (s *Server) handleTranscriptMarkdown(c *fiber.Ctx) error {
	if c.Query("download") != "" {
		c.Attachment(fmt.Sprintf("transcript-%s.md", time.Now().Format("20060102-150405")))
	}
	c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
	return c.SendString(s.engine.Markdown())
}

// handleRecording exports the mixed recording of the last session
func (s *Server) handleRecording(c *fiber.Ctx) error {
	blob := s.engine.Recording()
	if blob == nil {
		return errorJSON(c, fiber.StatusNotFound, errors.New("no recording available"))
	}
	ext := ".bin"
	if strings.Contains(blob.MIMEType, "ogg") {
		ext = ".ogg"
	}
	c.Attachment("session-" + blob.CreatedAt.Format("20060102-150405") + ext)
	c.Set(fiber.HeaderContentType, blob.MIMEType)
	return c.Send(blob.Data)
}

// handleConnect starts a session. The request must come from a user action.
func (s *Server) handleConnect(c *fiber.Ctx) error {
	var req ConnectRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
	}

	err := s.engine.Connect(c.UserContext(), session.ConnectRequest{
		APIKey:        req.APIKey,
		Voice:         session.Voice(req.Voice),
		UserInitiated: req.UserInitiated,
	})
	if err != nil {
		return errorJSON(c, connectStatus(err), err)
	}
	return c.JSON(s.engine.Status())
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotUserInitiated):
		return fiber.StatusForbidden
	case errors.Is(err, session.ErrMissingAPIKey), errors.Is(err, session.ErrInvalidVoice):
		return fiber.StatusBadRequest
	case errors.Is(err, session.ErrSuperseded):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return fiber.StatusServiceUnavailable
	case session.IsKind(err, session.KindAcquisition):
		return fiber.StatusServiceUnavailable
	case session.IsKind(err, session.KindTransport):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// handleDisconnect ends the session
func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	if err := s.engine.Disconnect(); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(s.engine.Status())
}

// handleClear discards the transcript and recording of a finished session
func (s *Server) handleClear(c *fiber.Ctx) error {
	if err := s.engine.Clear(); err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			return errorJSON(c, fiber.StatusConflict, err)
		}
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(s.engine.Status())
}

// handleListHistory lists past sessions, optionally filtered by ?q=
func (s *Server) handleListHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return c.JSON([]*history.Record{})
	}

	var (
		recs []*history.Record
		err  error
	)
	if q := c.Query("q"); q != "" {
		recs, err = s.history.Search(q)
	} else {
		recs, err = s.history.List()
	}
	if err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	if recs == nil {
		recs = []*history.Record{}
	}
	return c.JSON(recs)
}

// handleGetHistory returns one past session
func (s *Server) handleGetHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return errorJSON(c, fiber.StatusNotFound, history.ErrNotFound)
	}
	rec, err := s.history.Get(c.Params("id"))
	if err != nil {
		return errorJSON(c, historyStatus(err), err)
	}
	return c.JSON(rec)
}

// handleDeleteHistory removes one past session
func (s *Server) handleDeleteHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return errorJSON(c, fiber.StatusNotFound, history.ErrNotFound)
	}
	if err := s.history.Delete(c.Params("id")); err != nil {
		return errorJSON(c, historyStatus(err), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func historyStatus(err error) int {
	if errors.Is(err, history.ErrNotFound) {
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}

// handleValidateKey checks an API key
func (s *Server) handleValidateKey(c *fiber.Ctx) error {
	var req ValidateKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
	}

	res, err := s.validate(c.UserContext(), req.APIKey)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"valid": true, "model": res.Model})
	case errors.Is(err, credentials.ErrEmptyKey):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"valid": false, "error": err.Error()})
	case errors.Is(err, credentials.ErrInvalidKey):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"valid": false, "error": err.Error()})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"valid": false, "error": err.Error()})
	}
}

// handleEventsWS streams engine updates to one client
func (s *Server) handleEventsWS(c *websocket.Conn) {
	client := hub.NewClient(s.events, c)
	if client == nil {
		return
	}
	client.Run()
}
