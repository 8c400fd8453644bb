package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleStatus(c *gin.Context) {
	now := time.Now()
	status := gin.H{
		"running": s.engine.Running(),
		"paused":  s.engine.Paused(),
		"day":     s.ledger.Snapshot(now),
		"time":    now,
	}
	if s.kv != nil {
		status["cache"] = s.kv.GetStats()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Positions()})
}

// handleTrades returns the day's completed trades. The ledger is the live
// source; the database serves history when a day is requested explicitly.
func (s *Server) handleTrades(c *gin.Context) {
	if day := c.Query("day"); day != "" && s.repo != nil {
		d, err := time.Parse("2006-01-02", day)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
		exits, err := s.repo.ExitsForDay(c.Request.Context(), d)
		if err != nil {
			s.log.Error("Trade history query failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": exits})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": s.ledger.Exits()})
}

func (s *Server) handleEvaluations(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusOK, gin.H{"evaluations": []any{}})
		return
	}
	rows, err := s.repo.EvaluationsForDay(c.Request.Context(), time.Now(), 200)
	if err != nil {
		s.log.Error("Evaluation query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": rows})
}

func (s *Server) handleGetWatchlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"watchlist": s.engine.Watchlist()})
}

func (s *Server) handleSetWatchlist(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"symbols\": [...]}"})
		return
	}
	s.engine.SetWatchlist(req.Symbols)
	c.JSON(http.StatusOK, gin.H{"watchlist": s.engine.Watchlist()})
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.engine.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleStop(c *gin.Context) {
	s.engine.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) handlePause(c *gin.Context) {
	s.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.engine.ClosePosition(c.Request.Context(), symbol, time.Now()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closing": symbol})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	if err := s.engine.CloseAll(c.Request.Context(), time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closing": "all"})
}
