package vipps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Currency is fixed for this merchant.
const Currency = "NOK"

// Payment states reported by the ePayment API.
const (
	StateCreated    = "CREATED"
	StateAuthorized = "AUTHORIZED"
	StateAborted    = "ABORTED"
	StateExpired    = "EXPIRED"
	StateTerminated = "TERMINATED"
)

// AccessToken is a bearer token and the moment it stops being accepted.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Amount is a value in minor units (øre for NOK).
type Amount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

// CreatePaymentParams are the inputs of CreatePayment.
type CreatePaymentParams struct {
	Amount      int64
	PhoneNumber string
	Reference   string
	ReturnURL   string
}

type createPaymentRequest struct {
	Amount             Amount        `json:"amount"`
	PaymentMethod      PaymentMethod `json:"paymentMethod"`
	Customer           customer      `json:"customer"`
	Reference          string        `json:"reference"`
	ReturnURL          string        `json:"returnUrl"`
	UserFlow           string        `json:"userFlow"`
	PaymentDescription string        `json:"paymentDescription"`
}

type PaymentMethod struct {
	Type string `json:"type"`
}

type customer struct {
	PhoneNumber string `json:"phoneNumber"`
}

type modificationRequest struct {
	ModificationAmount Amount `json:"modificationAmount"`
}

// CreatePaymentResponse is returned by CreatePayment.
type CreatePaymentResponse struct {
	RedirectURL string `json:"redirectUrl"`
	Reference   string `json:"reference"`
}

// Aggregate sums the amounts moved on a payment so far.
type Aggregate struct {
	AuthorizedAmount Amount `json:"authorizedAmount"`
	CancelledAmount  Amount `json:"cancelledAmount"`
	CapturedAmount   Amount `json:"capturedAmount"`
	RefundedAmount   Amount `json:"refundedAmount"`
}

// Payment is the upstream view of a payment.
type Payment struct {
	Aggregate     Aggregate      `json:"aggregate"`
	Amount        Amount         `json:"amount"`
	State         string         `json:"state"`
	PaymentMethod *PaymentMethod `json:"paymentMethod,omitempty"`
	PspReference  string         `json:"pspReference"`
	RedirectURL   string         `json:"redirectUrl,omitempty"`
	Reference     string         `json:"reference"`
}

// ModificationResponse is returned by capture, refund and cancel.
type ModificationResponse struct {
	Amount       Amount    `json:"amount"`
	State        string    `json:"state"`
	Aggregate    Aggregate `json:"aggregate"`
	PspReference string    `json:"pspReference"`
	Reference    string    `json:"reference"`
}

// PaymentEvent is one entry of the upstream event log.
type PaymentEvent struct {
	Reference      string    `json:"reference"`
	PspReference   string    `json:"pspReference"`
	Name           string    `json:"name"`
	Amount         Amount    `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	Success        bool      `json:"success"`
}

type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   seconds `json:"expires_in"`
}

// seconds accepts both "3600" and 3600; the token endpoint sends strings.
type seconds int64

func (s *seconds) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		var f float64
		if jerr := json.Unmarshal([]byte(raw), &f); jerr != nil {
			return fmt.Errorf("invalid expires_in %q: %w", raw, err)
		}
		n = int64(f)
	}
	*s = seconds(n)
	return nil
}
