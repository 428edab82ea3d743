package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/charge"
)

// StripeGateway creates charges through the Stripe Charges API.
type StripeGateway struct {
	client charge.Client
}

type StripeConfig struct {
	SecretKey string
	// APIURL overrides the Stripe endpoint, e.g. for stripe-mock.
	APIURL string
}

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	backendCfg := &stripe.BackendConfig{
		// A captured charge is never re-attempted by this service.
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.APIURL, "/"))
	}

	return &StripeGateway{
		client: charge.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
	}, nil
}

func (g *StripeGateway) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if err := validateChargeRequest(req); err != nil {
		return Charge{}, err
	}

	params := &stripe.ChargeParams{
		Amount:      stripe.Int64(req.AmountSmallestUnit),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	if err := params.SetSource(req.Token); err != nil {
		return Charge{}, fmt.Errorf("set charge source: %w", err)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	ch, err := g.client.New(params)
	if err != nil {
		return Charge{}, translateStripeError(err)
	}
	if ch.Status == stripe.ChargeStatusFailed {
		msg := ch.FailureMessage
		if msg == "" {
			msg = "charge failed"
		}
		return Charge{}, &Error{Code: ch.FailureCode, Message: msg, Err: ErrDeclined}
	}

	return Charge{
		ID:               ch.ID,
		Amount:           ch.Amount,
		Currency:         string(ch.Currency),
		SourceIdentifier: sourceIdentifier(ch),
	}, nil
}

// sourceIdentifier prefers the card holder name, then the billing name, then the source id.
func sourceIdentifier(ch *stripe.Charge) string {
	if ch.Source != nil {
		if ch.Source.Card != nil && ch.Source.Card.Name != "" {
			return ch.Source.Card.Name
		}
	}
	if ch.BillingDetails != nil && ch.BillingDetails.Name != "" {
		return ch.BillingDetails.Name
	}
	if ch.Source != nil && ch.Source.ID != "" {
		return ch.Source.ID
	}
	return ""
}

func translateStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return &Error{Message: "payment processor unreachable", Err: err}
	}
	perr := &Error{Code: string(serr.Code), Message: serr.Msg, Err: err}
	if serr.Type == stripe.ErrorTypeCard {
		perr.Err = fmt.Errorf("%w: %w", ErrDeclined, err)
	}
	if perr.Message == "" {
		perr.Message = "payment processor error"
	}
	return perr
}
