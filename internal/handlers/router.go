package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router bundles the handlers mounted on the HTTP server.
type Router struct {
	Debate *DebateHandler
	Search *SearchHandler
	Events *EventsHandler
}

// Setup creates the gin engine with all routes registered.
func (r *Router) Setup(mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	{
		debates := v1.Group("/debates")
		debates.POST("", r.Debate.Create)
		debates.GET("/:id", r.Debate.Get)
		debates.DELETE("/:id", r.Debate.Close)
		debates.GET("/:id/progress", r.Debate.Progress)
		debates.GET("/:id/speaker", r.Debate.Speaker)
		debates.POST("/:id/respond", r.Debate.Respond)
		debates.POST("/:id/participants/:pid/force", r.Debate.Force)
		debates.GET("/:id/transcript", r.Debate.Transcript)
		debates.GET("/:id/events", r.Events.Stream)

		search := v1.Group("/search")
		search.POST("/fuse", r.Search.Fuse)
		search.POST("/documents", r.Search.Ingest)
	}

	return engine
}
