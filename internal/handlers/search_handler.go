package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/retrieval"
)

// SearchHandler exposes the fusion engine directly.
type SearchHandler struct {
	engine   *retrieval.Engine
	index    *retrieval.MemoryIndex
	defaults retrieval.FuseConfig
	logger   *logrus.Logger
}

// NewSearchHandler creates a search API handler. The defaults fill in
// any fusion settings a request leaves unset.
func NewSearchHandler(engine *retrieval.Engine, index *retrieval.MemoryIndex, defaults retrieval.FuseConfig, logger *logrus.Logger) *SearchHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &SearchHandler{
		engine:   engine,
		index:    index,
		defaults: defaults,
		logger:   logger,
	}
}

// FuseRequest is a fusion search call. Omitted config fields fall
// back to the server defaults.
type FuseRequest struct {
	Query  string                `json:"query" binding:"required"`
	Config *retrieval.FuseConfig `json:"config,omitempty"`
}

// Fuse runs a weighted multi-source retrieval for a query.
// POST /api/v1/search/fuse
func (h *SearchHandler) Fuse(c *gin.Context) {
	var req FuseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := h.defaults
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.engine.Fuse(c.Request.Context(), req.Query, cfg)
	if err != nil {
		if errors.Is(err, retrieval.ErrAllSourcesFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Fusion search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// IngestRequest adds a document to the in-memory similarity index.
type IngestRequest struct {
	DocID    string                 `json:"doc_id" binding:"required"`
	Chunks   []string               `json:"chunks" binding:"required"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Ingest indexes document chunks for vector retrieval.
// POST /api/v1/search/documents
func (h *SearchHandler) Ingest(c *gin.Context) {
	if h.index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "similarity index not configured"})
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.index.Add(c.Request.Context(), req.DocID, req.Chunks, req.Metadata); err != nil {
		h.logger.WithError(err).WithField("doc_id", req.DocID).Error("Document ingest failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"doc_id": req.DocID, "chunks": len(req.Chunks)})
}
