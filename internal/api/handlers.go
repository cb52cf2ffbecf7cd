package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.bot.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.Snapshot())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	var body struct {
		Market string `json:"market"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Market == "" {
		s.breaker.ResetGlobal()
	} else {
		s.breaker.Reset(body.Market)
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// handleAnalyze triggers one manual analysis tick for a market and returns
// the resulting signal.
func (s *Server) handleAnalyze(c *gin.Context) {
	signal, err := s.bot.Tick(c.Request.Context(), c.Param("market"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, signal)
}

func (s *Server) handleConfigList(c *gin.Context) {
	if category := c.Query("category"); category != "" {
		entries, err := s.store.ListByCategory(c.Request.Context(), category)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
		return
	}
	entries, err := s.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleConfigGet(c *gin.Context) {
	key := c.Param("key")
	value, ok := s.store.Get(c.Request.Context(), key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (s *Server) handleConfigPut(c *gin.Context) {
	var body struct {
		Key         string `json:"key" binding:"required"`
		Value       string `json:"value" binding:"required"`
		Category    string `json:"category"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and value are required"})
		return
	}
	if err := s.store.SetEntry(c.Request.Context(), body.Key, body.Value, body.Category, body.Description); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": body.Key, "value": body.Value})
}

func (s *Server) handleConfigDelete(c *gin.Context) {
	if err := s.store.Delete(c.Request.Context(), c.Param("key")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleLifecycle returns the raw event window plus per-group rollups.
// Defaults to the current local day when from/to are omitted.
func (s *Server) handleLifecycle(c *gin.Context) {
	ctx := c.Request.Context()

	from, to := s.recorder.Today()
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = parsed
	}

	events, err := s.recorder.Events(ctx, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rollups, err := s.recorder.Rollup(ctx, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from":    from,
		"to":      to,
		"rollups": rollups,
		"events":  events,
	})
}
