// Package api exposes the watchlist and alert REST surface.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/watchlist"
	"github.com/shubham-shewale/stock-alerts/pkg/alertstore"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

type Handler struct {
	watchlist *watchlist.Service
	alerts    alertstore.Store
	logger    *zap.Logger
}

func NewHandler(svc *watchlist.Service, alerts alertstore.Store, logger *zap.Logger) *Handler {
	return &Handler{watchlist: svc, alerts: alerts, logger: logger}
}

// NewRouter wires the routes. ws, when set, serves websocket upgrades on /ws
// behind the same authentication.
func NewRouter(h *Handler, verifier *auth.Verifier, ws gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/", verifier.Middleware())
	authed.GET("/watchlist", h.GetWatchlist)
	authed.POST("/watchlist/:symbol", h.AddSymbol)
	authed.DELETE("/watchlist/:symbol", h.RemoveSymbol)

	authed.GET("/alerts", h.ListAlerts)
	authed.POST("/alerts", h.CreateAlert)
	authed.DELETE("/alerts/:id", h.DeleteAlert)
	authed.POST("/alerts/:id/deactivate", h.DeactivateAlert)

	if ws != nil {
		authed.GET("/ws", ws)
	}
	return r
}

// GetWatchlist returns the caller's symbols
// GET /watchlist
func (h *Handler) GetWatchlist(c *gin.Context) {
	symbols := h.watchlist.List(c.Request.Context(), auth.CurrentUser(c))
	c.JSON(http.StatusOK, gin.H{"data": symbols})
}

// AddSymbol subscribes the caller
// POST /watchlist/:symbol
func (h *Handler) AddSymbol(c *gin.Context) {
	changed, err := h.watchlist.Add(c.Request.Context(), auth.CurrentUser(c), c.Param("symbol"))
	if errors.Is(err, watchlist.ErrUnknownSymbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"symbol": watchlist.Normalize(c.Param("symbol")), "changed": changed})
}

// RemoveSymbol unsubscribes the caller
// DELETE /watchlist/:symbol
func (h *Handler) RemoveSymbol(c *gin.Context) {
	changed, _ := h.watchlist.Remove(c.Request.Context(), auth.CurrentUser(c), c.Param("symbol"))
	c.JSON(http.StatusOK, gin.H{"symbol": watchlist.Normalize(c.Param("symbol")), "changed": changed})
}

// ListAlerts returns the caller's alert rules
// GET /alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	rules, err := h.alerts.ListForUser(c.Request.Context(), auth.CurrentUser(c))
	if err != nil {
		h.internalError(c, err)
		return
	}
	if rules == nil {
		rules = []models.AlertRule{}
	}
	c.JSON(http.StatusOK, gin.H{"data": rules})
}

type createAlertRequest struct {
	Symbol    string          `json:"symbol" binding:"required"`
	Direction string          `json:"direction" binding:"required"`
	Threshold decimal.Decimal `json:"threshold"`
}

// CreateAlert stores a new rule and puts its symbol on the watchlist so it
// gets evaluated.
// POST /alerts
func (h *Handler) CreateAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	userID := auth.CurrentUser(c)
	symbol := watchlist.Normalize(req.Symbol)
	if !h.watchlist.Valid(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": watchlist.ErrUnknownSymbol.Error()})
		return
	}

	rule, err := h.alerts.Create(ctx, models.AlertRule{
		UserID:    userID,
		SymbolID:  symbol,
		Direction: models.Direction(req.Direction),
		Threshold: req.Threshold,
		Active:    true,
	})
	if errors.Is(err, models.ErrInvalidAlertRule) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	if _, err := h.watchlist.Add(ctx, userID, symbol); err != nil {
		h.logger.Warn("Alert created but symbol not watched", zap.String("alert_id", rule.AlertID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, gin.H{"data": rule})
}

// DeleteAlert removes one of the caller's rules
// DELETE /alerts/:id
func (h *Handler) DeleteAlert(c *gin.Context) {
	if !h.owned(c) {
		return
	}
	if err := h.alerts.Delete(c.Request.Context(), c.Param("id")); err != nil && !errors.Is(err, alertstore.ErrNotFound) {
		h.internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeactivateAlert stops a rule from firing. A firing that races with this
// call is rejected by the store.
// POST /alerts/:id/deactivate
func (h *Handler) DeactivateAlert(c *gin.Context) {
	if !h.owned(c) {
		return
	}
	if err := h.alerts.SetActive(c.Request.Context(), c.Param("id"), false); err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert_id": c.Param("id"), "active": false})
}

// owned writes 404 unless the alert exists and belongs to the caller.
func (h *Handler) owned(c *gin.Context) bool {
	rule, err := h.alerts.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, alertstore.ErrNotFound) || (err == nil && rule.UserID != auth.CurrentUser(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return false
	}
	if err != nil {
		h.internalError(c, err)
		return false
	}
	return true
}

func (h *Handler) internalError(c *gin.Context, err error) {
	h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
