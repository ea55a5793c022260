package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/risk"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok", "time": time.Now().UTC()}
	if s.repo != nil {
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"workers":  s.coord.Status(),
		"capital":  s.alloc.Snapshot(),
		"slippage": s.exec.Stats(),
		"cache":    s.marketCache.Stats(),
	}
	if s.limiter != nil {
		current, max, pct := s.limiter.Usage()
		resp["rate_limit"] = gin.H{
			"used_weight":  current,
			"max_weight":   max,
			"usage_pct":    pct,
			"circuit_open": s.limiter.IsCircuitOpen(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListPairs(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Status())
}

func (s *Server) handleGetPair(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	ws, ok := s.coord.Worker(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no worker for " + symbol})
		return
	}
	c.JSON(http.StatusOK, ws)
}

// handleStartPair is idempotent: starting an already running pair reports
// the running worker instead of an error.
func (s *Server) handleStartPair(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))

	if ws, ok := s.coord.Worker(symbol); ok {
		c.JSON(http.StatusOK, gin.H{"already_running": true, "worker": ws})
		return
	}

	market := exchange.MarketDerivative
	switch c.DefaultQuery("market", "derivative") {
	case "derivative":
	case "spot":
		market = exchange.MarketSpot
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "market must be spot or derivative"})
		return
	}

	if err := s.coord.StartWorker(c.Request.Context(), symbol, market); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, exchange.ErrInsufficientCapital) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ws, _ := s.coord.Worker(symbol)
	c.JSON(http.StatusCreated, gin.H{"worker": ws})
}

// handleStopPair is idempotent: stopping a pair that is not running
// succeeds with a note.
func (s *Server) handleStopPair(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))

	if _, ok := s.coord.Worker(symbol); !ok {
		c.JSON(http.StatusOK, gin.H{"already_stopped": true})
		return
	}
	if err := s.coord.StopWorker(c.Request.Context(), symbol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": symbol})
}

func (s *Server) handleExecutions(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no database configured"})
		return
	}
	symbol := normalizeSymbol(c.Param("symbol"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	executions, err := s.repo.RecentExecutions(c.Request.Context(), symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "executions": executions})
}

type conditionalRequest struct {
	Symbol    string  `json:"symbol" binding:"required"`
	Side      string  `json:"side" binding:"required"`
	Quantity  float64 `json:"quantity" binding:"required"`
	Type      string  `json:"type" binding:"required"`
	Threshold float64 `json:"threshold"`
	Indicator string  `json:"indicator"`
	TTLSec    int     `json:"ttl_sec"`
}

func (s *Server) handleAddConditional(c *gin.Context) {
	var req conditionalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	side := exchange.OrderSide(strings.ToUpper(req.Side))
	if side != exchange.SideBuy && side != exchange.SideSell {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be BUY or SELL"})
		return
	}

	id, err := s.conditional.Add(
		normalizeSymbol(req.Symbol),
		side,
		req.Quantity,
		risk.Condition{
			Type:      risk.ConditionType(req.Type),
			Threshold: req.Threshold,
			Indicator: req.Indicator,
		},
		time.Duration(req.TTLSec)*time.Second,
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleListConditional(c *gin.Context) {
	symbol := normalizeSymbol(c.Query("symbol"))
	c.JSON(http.StatusOK, gin.H{"orders": s.conditional.Pending(symbol)})
}

func (s *Server) handleCancelConditional(c *gin.Context) {
	if !s.conditional.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such conditional order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
