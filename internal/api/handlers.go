// Package api exposes the scoring engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/auditrisk/internal/auth"
	"github.com/mbd888/auditrisk/internal/engine"
	"github.com/mbd888/auditrisk/internal/history"
	"github.com/mbd888/auditrisk/internal/logging"
	"github.com/mbd888/auditrisk/internal/realtime"
	"github.com/mbd888/auditrisk/internal/security"
	"github.com/mbd888/auditrisk/internal/syncutil"
	"github.com/mbd888/auditrisk/internal/txn"
)

const (
	// MaxBatchSize caps the records accepted by one batch request.
	MaxBatchSize = 10000

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Scorer is the engine surface the handlers need.
type Scorer interface {
	ScoreOne(ctx context.Context, in txn.Input) (*txn.ScoredTransaction, error)
	ScoreBatch(ctx context.Context, inputs []txn.Input) (*engine.BatchResult, error)
	Validate(in txn.Input) error
	ResolveVendor(raw string) string
	LookupVendor(raw string) string
	ResolveVendors(raw []string) map[string]string
	VendorAliases() map[string]string
	ResetVendors(ctx context.Context) error
}

// Broadcaster publishes alerts. *realtime.Hub implements it.
type Broadcaster interface {
	BroadcastAlert(s *txn.ScoredTransaction)
	BroadcastBatch(summary *realtime.BatchSummary)
}

// Handler provides the transaction and vendor endpoints.
type Handler struct {
	scorer      Scorer
	history     history.Store
	hub         Broadcaster
	locks       *syncutil.KeyedLocks
	alertMin    float64
	adminSecret string
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithHistory records scored transactions and serves the history endpoint.
func WithHistory(h history.Store) Option {
	return func(x *Handler) { x.history = h }
}

// WithBroadcaster publishes transactions scored above the alert threshold.
func WithBroadcaster(b Broadcaster) Option {
	return func(x *Handler) { x.hub = b }
}

// WithAlertThreshold sets the score an alert must exceed.
func WithAlertThreshold(threshold float64) Option {
	return func(x *Handler) { x.alertMin = threshold }
}

// WithAdminSecret enables the admin routes.
func WithAdminSecret(secret string) Option {
	return func(x *Handler) { x.adminSecret = secret }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Handler) { x.logger = l }
}

// NewHandler creates the API handler.
func NewHandler(scorer Scorer, opts ...Option) *Handler {
	h := &Handler{
		scorer:   scorer,
		locks:    syncutil.NewKeyedLocks(0),
		alertMin: 0.5,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes sets up the transaction, vendor and admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/score", h.Score)
	r.POST("/transactions/batch", h.Batch)
	r.GET("/transactions/history", h.History)
	r.POST("/vendors/resolve", h.Resolve)
	r.GET("/vendors/aliases", h.Aliases)

	admin := r.Group("/admin")
	admin.Use(auth.RequireAdmin(h.adminSecret))
	admin.POST("/vendors/reset", h.ResetVendors)
}

// Score handles POST /v1/transactions/score
func (h *Handler) Score(c *gin.Context) {
	var in txn.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := h.scorer.Validate(in); err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()

	// Score and record under the vendor's lock so concurrent payments to one
	// vendor see each other in history.
	unlock, err := h.locks.Lock(ctx, h.scorer.LookupVendor(in.VendorID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	scored, err := h.scorer.ScoreOne(ctx, in)
	if err == nil {
		err = h.record(ctx, scored)
	}
	unlock()
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.alert(scored)
	c.JSON(http.StatusOK, gin.H{"transaction": scored})
}

type batchRequest struct {
	Transactions []txn.Input `json:"transactions" binding:"required"`
}

// Batch handles POST /v1/transactions/batch
func (h *Handler) Batch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if security.IsTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds the size limit",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"transactions\": [...]}",
		})
		return
	}
	if len(req.Transactions) > MaxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "batch_too_large",
			"message": "At most " + strconv.Itoa(MaxBatchSize) + " transactions per batch",
		})
		return
	}
	ctx := c.Request.Context()

	res, err := h.scorer.ScoreBatch(ctx, req.Transactions)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.record(ctx, res.Scored...); err != nil {
		h.writeError(c, err)
		return
	}

	for _, s := range res.Scored {
		h.alert(s)
	}
	if h.hub != nil {
		h.hub.BroadcastBatch(&realtime.BatchSummary{
			BatchID:  res.BatchID,
			Scored:   res.Summary.Scored,
			Rejected: res.RejectedCount,
			Flagged:  res.Summary.Flagged,
			Degraded: res.Degraded,
		})
	}
	c.JSON(http.StatusOK, res)
}

// History handles GET /v1/transactions/history
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "history_unavailable",
			"message": "Transaction history is not configured",
		})
		return
	}

	q := history.Query{
		Vendor:     c.Query("vendor"),
		Department: c.Query("department"),
		Project:    c.Query("project"),
		Limit:      defaultHistoryLimit,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = min(n, maxHistoryLimit)
		}
	}
	if v := c.Query("minScore"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badQuery(c, "minScore must be a number")
			return
		}
		q.MinScore = &f
	}
	for name, dst := range map[string]*time.Time{"since": &q.Since, "before": &q.Before} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badQuery(c, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = ts
	}

	out, err := h.history.Query(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out, "count": len(out)})
}

type resolveRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// Resolve handles POST /v1/vendors/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be {\"ids\": [...]}",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": h.scorer.ResolveVendors(req.IDs)})
}

// Aliases handles GET /v1/vendors/aliases
func (h *Handler) Aliases(c *gin.Context) {
	aliases := h.scorer.VendorAliases()
	c.JSON(http.StatusOK, gin.H{"aliases": aliases, "count": len(aliases)})
}

// ResetVendors handles POST /v1/admin/vendors/reset
func (h *Handler) ResetVendors(c *gin.Context) {
	if err := h.scorer.ResetVendors(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	logging.Or(c.Request.Context(), h.logger).Warn("vendor registry reset via admin API", "client", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (h *Handler) record(ctx context.Context, scored ...*txn.ScoredTransaction) error {
	if h.history == nil || len(scored) == 0 {
		return nil
	}
	return h.history.Record(ctx, scored...)
}

func (h *Handler) alert(s *txn.ScoredTransaction) {
	if h.hub != nil && s.RiskScore > h.alertMin {
		h.hub.BroadcastAlert(s)
	}
}

func badQuery(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": msg})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var ie *txn.InputError
	switch {
	case errors.As(err, &ie):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ie.Error(),
			"field":   ie.Field,
		})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "timeout",
			"message": "Scoring did not finish in time",
		})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		c.Status(499)
	default:
		logging.Or(c.Request.Context(), h.logger).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
