package models

import (
	"fmt"
	"strconv"
	"strings"
)

// InitiatePaymentRequest is the body of POST /api/payment/initiate.
// Amount is in øre.
type InitiatePaymentRequest struct {
	Amount      Amount `json:"amount"`
	PhoneNumber string `json:"phoneNumber"`
}

// InitiatePaymentResponse is returned after a payment was created upstream
type InitiatePaymentResponse struct {
	Success     bool   `json:"success"`
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl"`
	Message     string `json:"message"`
}

// AmountRequest is the body of capture and refund requests
type AmountRequest struct {
	Amount Amount `json:"amount"`
}

// ErrorResponse is the JSON body of every locally generated error
type ErrorResponse struct {
	Error string `json:"error"`
}

// Amount is a value in øre. Browsers submit it either as a JSON number or as
// a numeric string, so both are accepted.
type Amount int64

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*a = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("amount must be an integer number of øre, got %s", data)
	}
	*a = Amount(n)
	return nil
}
