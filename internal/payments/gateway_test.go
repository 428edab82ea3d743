package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stripe/stripe-go/v76"
)

func TestFakeGatewayDeterministic(t *testing.T) {
	req := ChargeRequest{AmountSmallestUnit: 1250, Currency: "usd", Token: "tok_visa", IdempotencyKey: "k1"}
	a, err := FakeGateway{}.CreateCharge(context.Background(), req)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	b, _ := FakeGateway{}.CreateCharge(context.Background(), req)
	if a.ID != b.ID || a.Amount != 1250 {
		t.Fatalf("unexpected charges %+v %+v", a, b)
	}
}

func TestFakeGatewayDeclines(t *testing.T) {
	_, err := FakeGateway{}.CreateCharge(context.Background(), ChargeRequest{
		AmountSmallestUnit: 100,
		Currency:           "usd",
		Token:              DeclinedTestToken,
	})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected decline, got %v", err)
	}
	if Message(err) != "Your card was declined." {
		t.Fatalf("unexpected message %q", Message(err))
	}
}

func TestFakeGatewayValidates(t *testing.T) {
	if _, err := (FakeGateway{}).CreateCharge(context.Background(), ChargeRequest{Currency: "usd", Token: "tok"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestTranslateStripeError(t *testing.T) {
	cardErr := &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, Msg: "Your card has insufficient funds."}
	err := translateStripeError(cardErr)
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected decline classification")
	}
	if Message(err) != "Your card has insufficient funds." {
		t.Fatalf("unexpected message %q", Message(err))
	}

	netErr := translateStripeError(errors.New("dial tcp: connection refused"))
	if errors.Is(netErr, ErrDeclined) {
		t.Fatalf("network errors are not declines")
	}
	if Message(netErr) != "payment processor unreachable" {
		t.Fatalf("unexpected message %q", Message(netErr))
	}
}

func TestSourceIdentifier(t *testing.T) {
	ch := &stripe.Charge{Source: &stripe.PaymentSource{ID: "card_1", Card: &stripe.Card{Name: "Ada"}}}
	if got := sourceIdentifier(ch); got != "Ada" {
		t.Fatalf("expected card holder name, got %q", got)
	}
	ch = &stripe.Charge{Source: &stripe.PaymentSource{ID: "card_1"}}
	if got := sourceIdentifier(ch); got != "card_1" {
		t.Fatalf("expected source id, got %q", got)
	}
}
