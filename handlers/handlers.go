package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vipps-payments/logging"
	"vipps-payments/models"
	"vipps-payments/service"
	"vipps-payments/vipps"
)

// PaymentHandler handles HTTP requests for payments
type PaymentHandler struct {
	paymentService *service.PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

// Register mounts the payment API and the return URL on r.
func (h *PaymentHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)
	r.GET("/payment-return", h.PaymentReturn)

	api := r.Group("/api")
	{
		api.POST("/payment/initiate", h.InitiatePayment)
		api.GET("/payment/:reference", h.GetPayment)
		api.GET("/payment/:reference/status", h.GetPaymentStatus)
		api.GET("/payment/:reference/events", h.GetPaymentEvents)
		api.POST("/payment/:reference/capture", h.CapturePayment)
		api.POST("/payment/:reference/refund", h.RefundPayment)
		api.POST("/payment/:reference/cancel", h.CancelPayment)
		api.GET("/payments", h.ListPayments)
	}
}

// InitiatePayment starts a new payment
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	response, err := h.paymentService.Initiate(c.Request.Context(), int64(req.Amount), req.PhoneNumber)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetPaymentStatus proxies the upstream payment state
func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	payment, err := h.paymentService.Status(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// GetPaymentEvents returns the payment's events, newest first
func (h *PaymentHandler) GetPaymentEvents(c *gin.Context) {
	events, err := h.paymentService.Events(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// CapturePayment captures the requested amount
func (h *PaymentHandler) CapturePayment(c *gin.Context) {
	var req models.AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	result, err := h.paymentService.Capture(c.Request.Context(), c.Param("reference"), int64(req.Amount))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RefundPayment refunds the requested amount
func (h *PaymentHandler) RefundPayment(c *gin.Context) {
	var req models.AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	result, err := h.paymentService.Refund(c.Request.Context(), c.Param("reference"), int64(req.Amount))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelPayment cancels the payment
func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	result, err := h.paymentService.Cancel(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetPayment returns the locally tracked record
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	record, err := h.paymentService.Payment(c.Param("reference"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListPayments dumps the registry. Debug only.
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	c.JSON(http.StatusOK, h.paymentService.Payments())
}

// PaymentReturn is where Vipps sends the user back; it forwards to the status page.
func (h *PaymentHandler) PaymentReturn(c *gin.Context) {
	reference := c.Query("reference")
	if reference == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Missing payment reference"})
		return
	}
	c.Redirect(http.StatusFound, "/status.html?reference="+url.QueryEscape(reference))
}

// HealthCheck handles health check requests
func (h *PaymentHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// respondError maps service and upstream errors to a JSON response. Upstream
// errors keep the upstream status code and body.
func (h *PaymentHandler) respondError(c *gin.Context, err error) {
	var (
		validationErr *service.ValidationError
		authErr       *vipps.AuthError
		upstreamErr   *vipps.UpstreamError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: validationErr.Message})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Payment not found"})
	case errors.As(err, &authErr):
		h.logFailure(c, "Vipps authentication failed", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: authErr.Error()})
	case errors.As(err, &upstreamErr) && upstreamErr.StatusCode != 0:
		if upstreamErr.JSONBody() {
			c.Data(upstreamErr.StatusCode, "application/json; charset=utf-8", upstreamErr.Body)
			return
		}
		c.JSON(upstreamErr.StatusCode, models.ErrorResponse{Error: upstreamErr.Error()})
	case errors.As(err, &upstreamErr):
		h.logFailure(c, "Vipps request failed", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Upstream request failed"})
	default:
		h.logFailure(c, "Unexpected error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
	}
}

func (h *PaymentHandler) logFailure(c *gin.Context, msg string, err error) {
	span := trace.SpanFromContext(c.Request.Context())
	logging.WithTraceContext(span).Error(msg,
		zap.Error(err),
		zap.String("path", c.FullPath()),
		zap.String("reference", c.Param("reference")),
	)
}
