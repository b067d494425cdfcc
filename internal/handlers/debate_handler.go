// Package handlers exposes the debate and retrieval services over
// HTTP and WebSocket.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/debate"
)

// DebateHandler handles debate session endpoints.
type DebateHandler struct {
	service *debate.Service
	logger  *logrus.Logger
}

// NewDebateHandler creates a debate API handler.
func NewDebateHandler(service *debate.Service, logger *logrus.Logger) *DebateHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &DebateHandler{
		service: service,
		logger:  logger,
	}
}

// Create starts a new debate session.
// POST /api/v1/debates
func (h *DebateHandler) Create(c *gin.Context) {
	var req debate.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := h.service.CreateSession(req)
	if err != nil {
		if errors.Is(err, debate.ErrInvalidRoster) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to create debate session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

// Get returns the visible state of a session.
// GET /api/v1/debates/:id
func (h *DebateHandler) Get(c *gin.Context) {
	info, err := h.service.Info(c.Param("id"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Close tears a session down and releases its progress bus.
// DELETE /api/v1/debates/:id
func (h *DebateHandler) Close(c *gin.Context) {
	if err := h.service.CloseSession(c.Param("id")); err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// Progress returns the preparation progress snapshot.
// GET /api/v1/debates/:id/progress
func (h *DebateHandler) Progress(c *gin.Context) {
	snap, err := h.service.Progress(c.Param("id"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Speaker returns the next speaker decision for the current stage.
// GET /api/v1/debates/:id/speaker
func (h *DebateHandler) Speaker(c *gin.Context) {
	decision, err := h.service.NextSpeaker(c.Param("id"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Respond generates the next turn and advances the stage on success.
// POST /api/v1/debates/:id/respond
func (h *DebateHandler) Respond(c *gin.Context) {
	resp, err := h.service.GenerateResponse(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Force marks a participant's outstanding preparation as forced so
// the debate can proceed without it.
// POST /api/v1/debates/:id/participants/:pid/force
func (h *DebateHandler) Force(c *gin.Context) {
	err := h.service.ForceAnalysisCompletion(c.Param("id"), c.Param("pid"))
	if err != nil {
		if errors.Is(err, debate.ErrUnknownParticipant) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "forced"})
}

// Transcript returns the full ordered turn history.
// GET /api/v1/debates/:id/transcript
func (h *DebateHandler) Transcript(c *gin.Context) {
	turns, err := h.service.Transcript(c.Param("id"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns, "count": len(turns)})
}

func (h *DebateHandler) notFound(c *gin.Context, err error) {
	if errors.Is(err, debate.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.WithError(err).Error("Debate request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
