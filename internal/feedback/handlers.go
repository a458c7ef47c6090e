package feedback

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auditor feedback.
type Handler struct {
	service *Service
}

// NewHandler creates a new feedback handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up feedback routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/feedback", h.Submit)
	r.GET("/feedback/:vendor", h.GetVendor)
}

// Submit handles POST /v1/feedback
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	entry, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAction) || errors.Is(err, ErrMissingVendor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"feedback": entry})
}

// GetVendor handles GET /v1/feedback/:vendor
func (h *Handler) GetVendor(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	summary, err := h.service.Summary(c.Request.Context(), c.Param("vendor"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}
