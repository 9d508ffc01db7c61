package handler

import (
	"net/http"
	"strconv"

	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/engine"
	"github.com/evetabi/crash/internal/fair"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// RoundHandler serves round query and fairness verification endpoints.
type RoundHandler struct {
	engine *engine.Engine
	gen    *fair.Generator
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(eng *engine.Engine, gen *fair.Generator) *RoundHandler {
	return &RoundHandler{engine: eng, gen: gen}
}

// GetCurrent godoc
// GET /api/rounds/current
func (h *RoundHandler) GetCurrent(c *gin.Context) {
	snap, err := h.engine.Snapshot(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch current round")
		return
	}
	respondSuccess(c, http.StatusOK, snap)
}

// GetHistory godoc
// GET /api/rounds?limit=50
func (h *RoundHandler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	rounds, err := h.engine.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch history")
		return
	}
	snaps := make([]domain.RoundSnapshot, 0, len(rounds))
	for _, r := range rounds {
		snaps = append(snaps, r.ToSnapshot())
	}
	respondSuccess(c, http.StatusOK, snaps)
}

// Verify godoc
// POST /api/rounds/verify
//
// Recomputes the crash point from a revealed seed so players can check a
// finished round without trusting the server.
func (h *RoundHandler) Verify(c *gin.Context) {
	var body struct {
		Seed        string          `json:"seed"         binding:"required"`
		Hash        string          `json:"hash"         binding:"required"`
		RoundNumber int64           `json:"round_number" binding:"required,min=1"`
		CrashPoint  decimal.Decimal `json:"crash_point"  binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}

	valid, reason := h.gen.Verify(body.Seed, body.Hash, body.RoundNumber, body.CrashPoint)
	respondSuccess(c, http.StatusOK, gin.H{
		"valid":    valid,
		"reason":   reason,
		"expected": h.gen.CrashPoint(body.Seed, body.RoundNumber),
	})
}
