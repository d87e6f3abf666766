package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tradebridge/internal/execution"
	"tradebridge/internal/session"
	"tradebridge/pkg/db"
)

// writeExecutionError maps the execution error taxonomy onto HTTP statuses.
func writeExecutionError(c *gin.Context, err error) {
	var validation *execution.ValidationError
	var rejected *execution.ExecutionRejectedError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "VALIDATION_ERROR",
			"error": validation.Error(),
		})
	case errors.Is(err, session.ErrNoActiveConnection):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":  "NO_ACTIVE_CONNECTION",
			"error": "no live connector session for this account",
		})
	case errors.Is(err, execution.ErrCommandTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"code":  "COMMAND_TIMEOUT",
			"error": "terminal did not acknowledge within the command timeout",
		})
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "EXECUTION_REJECTED",
			"error": rejected.Error(),
		})
	case errors.Is(err, execution.ErrConcurrencyViolation):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "CONCURRENCY_VIOLATION",
			"error": "open would exceed the account's position cap",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
	}
}

// upsertAccount provisions or updates an account's trading limits.
func (s *Server) upsertAccount(c *gin.Context) {
	var req struct {
		MaxOpenPositions int `json:"max_open_positions"`
		MaxDailyTrades   int `json:"max_daily_trades"`
		CooldownSeconds  int `json:"cooldown_seconds"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.MaxOpenPositions <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "max_open_positions must be positive"})
		return
	}

	account := db.Account{
		ID:               c.Param("id"),
		MaxOpenPositions: req.MaxOpenPositions,
		MaxDailyTrades:   req.MaxDailyTrades,
		CooldownSeconds:  req.CooldownSeconds,
	}
	if err := s.DB.UpsertAccount(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) getAccount(c *gin.Context) {
	account, err := s.DB.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "unknown account"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) openTrade(c *gin.Context) {
	var req struct {
		Account string  `json:"account"`
		Symbol  string  `json:"symbol"`
		Side    string  `json:"side"`
		Qty     float64 `json:"qty"`
		Price   float64 `json:"price,omitempty"`
		Stop    float64 `json:"stop,omitempty"`
		Target  float64 `json:"target,omitempty"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.Account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "account is required"})
		return
	}

	trade, err := s.Execution.Open(c.Request.Context(), req.Account, execution.OrderSpec{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Price:    req.Price,
		Stop:     req.Stop,
		Target:   req.Target,
		Strategy: "manual",
	})
	if err != nil {
		writeExecutionError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) closeTrade(c *gin.Context) {
	var req struct {
		Account string  `json:"account"`
		Qty     float64 `json:"qty,omitempty"`
		Price   float64 `json:"price,omitempty"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	trade, err := s.Execution.Close(c.Request.Context(), req.Account, c.Param("id"), execution.CloseSpec{
		Qty:   req.Qty,
		Price: req.Price,
	})
	if err != nil {
		writeExecutionError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) listTrades(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_QUERY", "error": "account query parameter is required"})
		return
	}
	limit := queryInt(c, "limit", 100)

	trades, err := s.DB.ListTrades(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) listPositions(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_QUERY", "error": "account query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.Reconciler.Positions(account)})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.Registry.Sessions()})
}

func (s *Server) autoTradeLog(c *gin.Context) {
	account := c.Query("account")
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_QUERY", "error": "account query parameter is required"})
		return
	}
	limit := queryInt(c, "limit", 100)

	entries, err := s.DB.ListAutoTradeLog(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
