package payments

import (
	"context"
	"errors"
)

// Gateway creates captured charges against a payment token.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

type ChargeRequest struct {
	AmountSmallestUnit int64
	Currency           string
	Token              string
	Description        string
	IdempotencyKey     string
}

type Charge struct {
	ID               string
	Amount           int64 // smallest currency unit
	Currency         string
	SourceIdentifier string
}

var ErrDeclined = errors.New("charge declined")

// Error carries the processor's own message so it can be shown to the donor.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Message extracts the processor message from err, falling back to err.Error().
func Message(err error) string {
	var perr *Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func validateChargeRequest(req ChargeRequest) error {
	if req.AmountSmallestUnit <= 0 {
		return errors.New("charge amount must be positive")
	}
	if req.Token == "" {
		return errors.New("payment token required")
	}
	if req.Currency == "" {
		return errors.New("currency required")
	}
	return nil
}
