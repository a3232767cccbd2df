package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"vipps-payments/config"
	"vipps-payments/monitoring"
)

// SystemInfo is sent on every ePayment call so Vipps can identify the integration.
type SystemInfo struct {
	Name          string
	Version       string
	PluginName    string
	PluginVersion string
}

// Client talks to the Vipps ePayment API.
type Client struct {
	paymentAPIURL string
	creds         Credentials
	system        SystemInfo
	tokens        *TokenCache
	httpClient    *http.Client
}

// NewClient creates a client for the given configuration. Token and payment
// calls share one instrumented HTTP client.
func NewClient(cfg config.VippsConfig) *Client {
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.HTTPTimeout,
	}

	creds := Credentials{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		SubscriptionKey: cfg.SubscriptionKey,
		MerchantSerial:  cfg.MerchantSerial,
	}

	return &Client{
		paymentAPIURL: cfg.PaymentAPIURL,
		creds:         creds,
		system: SystemInfo{
			Name:          cfg.SystemName,
			Version:       cfg.SystemVersion,
			PluginName:    cfg.PluginName,
			PluginVersion: cfg.PluginVersion,
		},
		tokens:     NewTokenCache(cfg.AccessTokenURL, creds, httpClient, cfg.TokenSafetyMargin),
		httpClient: httpClient,
	}
}

// CreatePayment initiates a WALLET payment with the web redirect flow.
func (c *Client) CreatePayment(ctx context.Context, p CreatePaymentParams) (*CreatePaymentResponse, error) {
	body := createPaymentRequest{
		Amount:             Amount{Currency: Currency, Value: p.Amount},
		PaymentMethod:      PaymentMethod{Type: "WALLET"},
		Customer:           customer{PhoneNumber: p.PhoneNumber},
		Reference:          p.Reference,
		ReturnURL:          p.ReturnURL,
		UserFlow:           "WEB_REDIRECT",
		PaymentDescription: "Payment for order",
	}

	var resp CreatePaymentResponse
	if err := c.do(ctx, "initiate", http.MethodPost, "/payments", body, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPayment returns the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	var resp Payment
	if err := c.do(ctx, "status", http.MethodGet, paymentPath(reference, ""), nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CapturePayment captures amount øre of an authorized payment.
func (c *Client) CapturePayment(ctx context.Context, reference string, amount int64) (*ModificationResponse, error) {
	return c.modify(ctx, "capture", reference, &modificationRequest{
		ModificationAmount: Amount{Currency: Currency, Value: amount},
	})
}

// RefundPayment refunds amount øre of a captured payment.
func (c *Client) RefundPayment(ctx context.Context, reference string, amount int64) (*ModificationResponse, error) {
	return c.modify(ctx, "refund", reference, &modificationRequest{
		ModificationAmount: Amount{Currency: Currency, Value: amount},
	})
}

// CancelPayment cancels the uncaptured part of a payment.
func (c *Client) CancelPayment(ctx context.Context, reference string) (*ModificationResponse, error) {
	return c.modify(ctx, "cancel", reference, struct{}{})
}

// GetPaymentEvents returns the upstream event log, newest first.
func (c *Client) GetPaymentEvents(ctx context.Context, reference string) ([]PaymentEvent, error) {
	var events []PaymentEvent
	if err := c.do(ctx, "events", http.MethodGet, paymentPath(reference, "/events"), nil, false, &events); err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

func (c *Client) modify(ctx context.Context, operation, reference string, body any) (*ModificationResponse, error) {
	var resp ModificationResponse
	if err := c.do(ctx, operation, http.MethodPost, paymentPath(reference, "/"+operation), body, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func paymentPath(reference, suffix string) string {
	return "/payments/" + url.PathEscape(reference) + suffix
}

// do issues one ePayment call. Mutating calls get a fresh idempotency key.
func (c *Client) do(ctx context.Context, operation, method, path string, payload any, mutating bool, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", operation, err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.paymentAPIURL+path, body)
	if err != nil {
		return &UpstreamError{Operation: operation, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.creds.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.creds.MerchantSerial)
	req.Header.Set("Vipps-System-Name", c.system.Name)
	req.Header.Set("Vipps-System-Version", c.system.Version)
	req.Header.Set("Vipps-System-Plugin-Name", c.system.PluginName)
	req.Header.Set("Vipps-System-Plugin-Version", c.system.PluginVersion)
	if mutating {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	// otelhttp.NewTransport already instruments HTTP calls - just add custom attributes
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("external.service", "vipps-epayment"),
		attribute.String("vipps.operation", operation),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		recordCall(ctx, operation, "error", duration)
		span.SetAttributes(attribute.String("external.status", "error"))
		return &UpstreamError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		recordCall(ctx, operation, "error", duration)
		return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}

	span.SetAttributes(attribute.Int("external.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate(token)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		recordCall(ctx, operation, "failed", duration)
		span.SetAttributes(attribute.String("external.status", "failed"))
		return &UpstreamError{Operation: operation, StatusCode: resp.StatusCode, Body: respBody}
	}

	recordCall(ctx, operation, "success", duration)
	span.SetAttributes(attribute.String("external.status", "success"))

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func recordCall(ctx context.Context, operation, status string, duration float64) {
	monitoring.UpstreamCallDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}
