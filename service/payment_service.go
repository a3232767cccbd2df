package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vipps-payments/logging"
	"vipps-payments/models"
	"vipps-payments/monitoring"
	"vipps-payments/registry"
	"vipps-payments/vipps"
)

// ErrNotFound is returned for references unknown both locally and upstream.
var ErrNotFound = registry.ErrNotFound

// ValidationError reports missing or invalid input from the caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Gateway is the subset of the Vipps client used by the service
type Gateway interface {
	CreatePayment(ctx context.Context, p vipps.CreatePaymentParams) (*vipps.CreatePaymentResponse, error)
	GetPayment(ctx context.Context, reference string) (*vipps.Payment, error)
	CapturePayment(ctx context.Context, reference string, amount int64) (*vipps.ModificationResponse, error)
	RefundPayment(ctx context.Context, reference string, amount int64) (*vipps.ModificationResponse, error)
	CancelPayment(ctx context.Context, reference string) (*vipps.ModificationResponse, error)
	GetPaymentEvents(ctx context.Context, reference string) ([]vipps.PaymentEvent, error)
}

// PaymentService forwards payment operations to Vipps and keeps the local
// registry in step with what Vipps reports.
type PaymentService struct {
	tracer        trace.Tracer
	gateway       Gateway
	registry      *registry.Registry
	publicBaseURL string
	newReference  func() string
}

// NewPaymentService creates a new payment service
func NewPaymentService(tracer trace.Tracer, gateway Gateway, reg *registry.Registry, publicBaseURL string) *PaymentService {
	return &PaymentService{
		tracer:        tracer,
		gateway:       gateway,
		registry:      reg,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		newReference:  uuid.NewString,
	}
}

// Initiate creates a payment upstream and starts tracking it locally.
func (s *PaymentService) Initiate(ctx context.Context, amount int64, phoneNumber string) (*models.InitiatePaymentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "initiate_payment")
	defer span.End()

	phoneNumber = strings.TrimSpace(phoneNumber)
	if amount == 0 || phoneNumber == "" {
		return nil, &ValidationError{Message: "Amount and phone number are required"}
	}
	if amount < 0 {
		return nil, &ValidationError{Message: "Amount must be a positive number of øre"}
	}

	reference := s.newReference()
	span.SetAttributes(
		attribute.String("payment.reference", reference),
		attribute.Int64("payment.amount", amount),
	)

	logger := logging.WithTraceContext(span)
	logger.Info("Initiating payment",
		zap.String("reference", reference),
		zap.Int64("amount", amount),
	)

	resp, err := s.gateway.CreatePayment(ctx, vipps.CreatePaymentParams{
		Amount:      amount,
		PhoneNumber: phoneNumber,
		Reference:   reference,
		ReturnURL:   s.returnURL(reference),
	})
	if err != nil {
		s.fail(ctx, span, "initiate", err)
		logger.Error("Payment initiation failed", zap.Error(err), zap.String("reference", reference))
		return nil, err
	}

	if _, err := s.registry.Create(reference, amount, phoneNumber); err != nil {
		s.fail(ctx, span, "initiate", err)
		return nil, fmt.Errorf("store payment %s: %w", reference, err)
	}

	s.succeed(ctx, span, "initiate", amount)

	return &models.InitiatePaymentResponse{
		Success:     true,
		Reference:   reference,
		RedirectURL: resp.RedirectURL,
		Message:     "Payment initiated",
	}, nil
}

// Status fetches the upstream state and records a transition when it changed.
func (s *PaymentService) Status(ctx context.Context, reference string) (*vipps.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "get_payment_status")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", reference))

	payment, err := s.gateway.GetPayment(ctx, reference)
	if err != nil {
		s.fail(ctx, span, "status", err)
		return nil, err
	}

	if s.registry.Exists(reference) {
		if err := s.registry.Correlate(reference, payment.PspReference); err != nil {
			logging.WithTraceContext(span).Warn("Could not correlate PSP reference",
				zap.String("reference", reference),
				zap.String("psp_reference", payment.PspReference),
				zap.Error(err),
			)
		}
		if status := localStatus(payment); status != "" {
			if s.registry.RecordStatus(reference, status, "Payment status updated to "+string(status)) {
				logging.WithTraceContext(span).Info("Payment status changed",
					zap.String("reference", reference),
					zap.String("state", payment.State),
					zap.String("status", string(status)),
				)
			}
		}
	}

	span.SetAttributes(attribute.String("payment.state", payment.State))
	s.succeed(ctx, span, "status", 0)
	return payment, nil
}

// Capture captures amount øre.
func (s *PaymentService) Capture(ctx context.Context, reference string, amount int64) (*vipps.ModificationResponse, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.modify(ctx, "capture", reference, amount,
		registry.StatusCaptured, fmt.Sprintf("Captured %d øre", amount), registry.EventCaptureFailed,
		func(ctx context.Context) (*vipps.ModificationResponse, error) {
			return s.gateway.CapturePayment(ctx, reference, amount)
		})
}

// Refund refunds amount øre.
func (s *PaymentService) Refund(ctx context.Context, reference string, amount int64) (*vipps.ModificationResponse, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.modify(ctx, "refund", reference, amount,
		registry.StatusRefunded, fmt.Sprintf("Refunded %d øre", amount), registry.EventRefundFailed,
		func(ctx context.Context) (*vipps.ModificationResponse, error) {
			return s.gateway.RefundPayment(ctx, reference, amount)
		})
}

// Cancel cancels whatever has not been captured.
func (s *PaymentService) Cancel(ctx context.Context, reference string) (*vipps.ModificationResponse, error) {
	return s.modify(ctx, "cancel", reference, 0,
		registry.StatusCancelled, "Payment cancelled", registry.EventCancelFailed,
		func(ctx context.Context) (*vipps.ModificationResponse, error) {
			return s.gateway.CancelPayment(ctx, reference)
		})
}

// localStatus maps the upstream state onto the local status. Vipps keeps an
// authorized payment AUTHORIZED after capture, refund or cancel and only moves
// the aggregate amounts, so those are read to tell the cases apart.
func localStatus(p *vipps.Payment) registry.Status {
	switch p.State {
	case vipps.StateAuthorized:
		switch {
		case p.Aggregate.RefundedAmount.Value > 0:
			return registry.StatusRefunded
		case p.Aggregate.CapturedAmount.Value > 0:
			return registry.StatusCaptured
		case p.Aggregate.CancelledAmount.Value > 0:
			return registry.StatusCancelled
		}
		return registry.StatusAuthorized
	case vipps.StateCreated, vipps.StateAborted, vipps.StateExpired, vipps.StateTerminated:
		return registry.Status(p.State)
	}
	return ""
}

func validateAmount(amount int64) error {
	switch {
	case amount == 0:
		return &ValidationError{Message: "Amount is required"}
	case amount < 0:
		return &ValidationError{Message: "Amount must be a positive number of øre"}
	}
	return nil
}

// modify runs one capture, refund or cancel call and records its outcome on
// the tracked payment, if any.
func (s *PaymentService) modify(
	ctx context.Context,
	operation, reference string,
	amount int64,
	success registry.Status, successDescription string,
	failure string,
	call func(context.Context) (*vipps.ModificationResponse, error),
) (*vipps.ModificationResponse, error) {
	ctx, span := s.tracer.Start(ctx, operation+"_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.reference", reference),
		attribute.Int64("payment.amount", amount),
	)

	logger := logging.WithTraceContext(span)

	resp, err := call(ctx)
	if err != nil {
		s.fail(ctx, span, operation, err)
		s.registry.RecordEvent(reference, failure, fmt.Sprintf("%s failed: %v", operation, err))
		logger.Error("Payment modification failed",
			zap.String("operation", operation),
			zap.String("reference", reference),
			zap.Error(err),
		)
		return nil, err
	}

	s.registry.RecordEvent(reference, string(success), successDescription)
	if err := s.registry.Correlate(reference, resp.PspReference); err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Warn("Could not correlate PSP reference", zap.String("reference", reference), zap.Error(err))
	}

	logger.Info("Payment modified",
		zap.String("operation", operation),
		zap.String("reference", reference),
		zap.String("state", resp.State),
	)
	s.succeed(ctx, span, operation, amount)
	return resp, nil
}

// Events returns the payment's history, newest first. The upstream log is
// authoritative; the local history is served when Vipps cannot be reached.
func (s *PaymentService) Events(ctx context.Context, reference string) ([]registry.Event, error) {
	ctx, span := s.tracer.Start(ctx, "get_payment_events")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", reference))

	upstream, err := s.gateway.GetPaymentEvents(ctx, reference)
	if err == nil {
		span.SetAttributes(attribute.String("events.source", "upstream"))
		s.succeed(ctx, span, "events", 0)
		return fromUpstream(upstream), nil
	}

	local, localErr := s.registry.Events(reference)
	if localErr == nil {
		span.SetAttributes(attribute.String("events.source", "local"))
		logging.WithTraceContext(span).Warn("Serving locally tracked events",
			zap.String("reference", reference),
			zap.Error(err),
		)
		s.succeed(ctx, span, "events", 0)
		return local, nil
	}

	s.fail(ctx, span, "events", err)
	var upErr *vipps.UpstreamError
	if errors.As(err, &upErr) && upErr.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	return nil, err
}

// Payment returns the locally tracked record.
func (s *PaymentService) Payment(reference string) (registry.Record, error) {
	return s.registry.Get(reference)
}

// Payments returns every locally tracked record.
func (s *PaymentService) Payments() map[string]registry.Record {
	return s.registry.List()
}

func (s *PaymentService) returnURL(reference string) string {
	return s.publicBaseURL + "/payment-return?reference=" + url.QueryEscape(reference)
}

func (s *PaymentService) succeed(ctx context.Context, span trace.Span, operation string, amount int64) {
	monitoring.PaymentOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", "success"),
		),
	)
	if amount > 0 {
		monitoring.PaymentAmount.Record(ctx, amount,
			metric.WithAttributes(attribute.String("operation", operation)),
		)
	}
	span.SetAttributes(attribute.String("payment.status", "success"))
}

func (s *PaymentService) fail(ctx context.Context, span trace.Span, operation string, err error) {
	monitoring.PaymentOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", "failed"),
		),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("payment.status", "failed"))
}

func fromUpstream(events []vipps.PaymentEvent) []registry.Event {
	out := make([]registry.Event, 0, len(events))
	for _, e := range events {
		description := fmt.Sprintf("%s %d øre", e.Name, e.Amount.Value)
		if !e.Success {
			description += " (failed)"
		}
		out = append(out, registry.Event{
			Type:        e.Name,
			Timestamp:   e.Timestamp,
			Description: description,
		})
	}
	return out
}
