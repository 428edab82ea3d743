package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// DeclinedTestToken mirrors Stripe's test token for a declined card.
const DeclinedTestToken = "tok_chargeDeclined"

// FakeGateway hashes the payload to deterministically emulate charge ids for local runs.
type FakeGateway struct{}

func (FakeGateway) CreateCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	if err := validateChargeRequest(req); err != nil {
		return Charge{}, err
	}
	if req.Token == DeclinedTestToken {
		return Charge{}, &Error{Code: "card_declined", Message: "Your card was declined.", Err: ErrDeclined}
	}
	sum := sha256.Sum256([]byte(req.Token + strconv.FormatInt(req.AmountSmallestUnit, 10) + req.IdempotencyKey))
	return Charge{
		ID:               "ch_" + hex.EncodeToString(sum[:12]),
		Amount:           req.AmountSmallestUnit,
		Currency:         req.Currency,
		SourceIdentifier: "card_" + hex.EncodeToString(sum[12:20]),
	}, nil
}
