package relief

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"relieffund/internal/chain"
	"relieffund/internal/ledger"
	"relieffund/internal/metrics"
	"relieffund/internal/payments"
	"relieffund/internal/reconcile"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type stubGateway struct {
	log  *callLog
	err  error
	reqs []payments.ChargeRequest
}

func (s *stubGateway) CreateCharge(_ context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	s.log.add("charge")
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return payments.Charge{}, s.err
	}
	return payments.Charge{ID: "ch_1", Amount: req.AmountSmallestUnit, Currency: req.Currency, SourceIdentifier: "Ada"}, nil
}

type stubLedger struct {
	log  *callLog
	err  error
	recs []ledger.Record
}

func (s *stubLedger) Append(_ context.Context, rec ledger.Record) error {
	s.log.add("ledger")
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

// stubSubmitter replays events; with keepOpen the stream is never closed.
type stubSubmitter struct {
	log      *callLog
	events   []chain.Event
	keepOpen bool
	calls    []chain.Call
}

func (s *stubSubmitter) Submit(_ context.Context, call chain.Call) <-chan chain.Event {
	s.log.add("chain")
	s.calls = append(s.calls, call)
	ch := make(chan chain.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	if !s.keepOpen {
		close(ch)
	}
	return ch
}

type stubSink struct {
	mu      sync.Mutex
	entries []reconcile.Entry
}

func (s *stubSink) Enqueue(_ context.Context, e reconcile.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

var (
	submitted = chain.Event{Kind: chain.EventSubmitted, Hash: "0xabc"}
	confirmed = chain.Event{Kind: chain.EventConfirmed, Hash: "0xabc", Receipt: &chain.Receipt{Status: 1}}
	reverted  = chain.Event{Kind: chain.EventFailed, Hash: "0xabc", Err: chain.ErrReverted}
)

type fixture struct {
	log     *callLog
	gateway *stubGateway
	ledger  *stubLedger
	chain   *stubSubmitter
	sink    *stubSink
	metrics *metrics.Registry
	orch    *Orchestrator
}

func newFixture(events ...chain.Event) *fixture {
	log := &callLog{}
	f := &fixture{
		log:     log,
		gateway: &stubGateway{log: log},
		ledger:  &stubLedger{log: log},
		chain:   &stubSubmitter{log: log, events: events},
		sink:    &stubSink{},
		metrics: metrics.New(),
	}
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	f.orch = NewOrchestrator(Deps{
		Gateway:   f.gateway,
		Ledger:    f.ledger,
		Submitter: f.chain,
		Reconcile: f.sink,
		Metrics:   f.metrics,
	}, cfg)
	return f
}

func donation(amount string) DonationRequest {
	return DonationRequest{Amount: decimal.RequireFromString(amount), PaymentToken: "tok_visa"}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected call order (-want +got):\n%s", diff)
	}
}

func TestProcessDonationSuccess(t *testing.T) {
	f := newFixture(submitted, confirmed)

	out, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertCalls(t, f.log.list(), "charge", "ledger", "chain")

	if f.gateway.reqs[0].AmountSmallestUnit != 1000 || f.gateway.reqs[0].Currency != "usd" {
		t.Fatalf("unexpected charge request %+v", f.gateway.reqs[0])
	}
	if f.gateway.reqs[0].IdempotencyKey == "" {
		t.Fatalf("expected a generated idempotency key")
	}

	rec := f.ledger.recs[0]
	if rec.TransactionID != "ch_1" || rec.Donor != "Ada" || !rec.Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected ledger record %+v", rec)
	}

	call := f.chain.calls[0]
	want, _ := new(big.Int).SetString("10000000000000000000", 10)
	if call.Method != "donate" || call.Value.Cmp(want) != 0 {
		t.Fatalf("unexpected chain call %+v", call)
	}
	if call.GasLimit != 2_000_000 || call.GasPrice.Cmp(big.NewInt(20_000_000_000)) != 0 {
		t.Fatalf("unexpected gas settings %+v", call)
	}

	if out.Receipt == nil || out.Receipt.Status != 1 || out.TxHash != "0xabc" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.sink.entries) != 0 {
		t.Fatalf("success must not enqueue reconciliation")
	}
}

func TestProcessDonationInvalidRequest(t *testing.T) {
	cases := []DonationRequest{
		{Amount: decimal.Zero, PaymentToken: "tok"},
		{Amount: decimal.NewFromInt(-5), PaymentToken: "tok"},
		{Amount: decimal.NewFromInt(5), PaymentToken: ""},
		{Amount: decimal.NewFromInt(5), PaymentToken: "   "},
		{Amount: decimal.RequireFromString("0.004"), PaymentToken: "tok"},
		{Amount: decimal.RequireFromString("184467440737095516.17"), PaymentToken: "tok"},
		{Amount: decimal.RequireFromString("92233720368547758.08"), PaymentToken: "tok"},
	}
	for _, req := range cases {
		f := newFixture(submitted, confirmed)
		_, err := f.orch.ProcessDonation(context.Background(), req)
		if KindOf(err) != KindInvalidRequest {
			t.Fatalf("expected InvalidRequest for %+v, got %v", req, err)
		}
		if calls := f.log.list(); len(calls) != 0 {
			t.Fatalf("expected no external calls, got %v", calls)
		}
	}
}

func TestProcessDonationPaymentDeclined(t *testing.T) {
	f := newFixture(submitted, confirmed)
	f.gateway.err = &payments.Error{Code: "card_declined", Message: "Your card was declined.", Err: payments.ErrDeclined}

	_, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindPaymentFailed {
		t.Fatalf("expected PaymentFailed, got %v", err)
	}
	if rerr.Message != "Payment failed: Your card was declined." {
		t.Fatalf("unexpected message %q", rerr.Message)
	}
	if !errors.Is(err, payments.ErrDeclined) {
		t.Fatalf("expected error chain to keep ErrDeclined")
	}
	assertCalls(t, f.log.list(), "charge")
	if len(f.sink.entries) != 0 {
		t.Fatalf("payment failure needs no reconciliation")
	}
}

func TestProcessDonationLedgerFailureStillTransfers(t *testing.T) {
	f := newFixture(submitted, confirmed)
	f.ledger.err = errors.New("connection reset")

	out, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindLedgerFailure {
		t.Fatalf("expected LedgerFailure, got %v", err)
	}
	assertCalls(t, f.log.list(), "charge", "ledger", "chain")
	if rerr.LedgerRecorded() {
		t.Fatalf("expected ledger gap to be flagged")
	}
	if rerr.Receipt == nil || out.Receipt == nil {
		t.Fatalf("chain receipt should be kept alongside the ledger failure")
	}
	if KindOf(err) == KindPaymentFailed {
		t.Fatalf("ledger failure must never look like a payment failure")
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].Kind != string(KindLedgerFailure) || f.sink.entries[0].ChargeID != "ch_1" {
		t.Fatalf("unexpected reconciliation entries %+v", f.sink.entries)
	}
}

func TestProcessDonationChainFailure(t *testing.T) {
	f := newFixture(submitted, reverted)

	_, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != KindChainFailure {
		t.Fatalf("expected ChainFailure, got %v", err)
	}
	if !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("expected ErrReverted in chain")
	}
	if !rerr.LedgerRecorded() || len(f.ledger.recs) != 1 {
		t.Fatalf("ledger entry must stand after a chain failure")
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].TxHash != "0xabc" {
		t.Fatalf("unexpected reconciliation entries %+v", f.sink.entries)
	}
}

func TestProcessDonationSubmittedOnlyTimesOut(t *testing.T) {
	f := newFixture(submitted)
	f.chain.keepOpen = true

	out, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	if KindOf(err) != KindChainTimeout {
		t.Fatalf("expected ChainTimeout, got %v", err)
	}
	if out.TxHash != "0xabc" || out.Receipt != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].Kind != string(KindChainTimeout) {
		t.Fatalf("timeout should be queued for reconciliation: %+v", f.sink.entries)
	}

	got, _ := f.metrics.Gather()
	if got["relieffund_donations_total{outcome=ChainTimeout}"] != 1 {
		t.Fatalf("expected timeout counted, got %v", got)
	}
	if got["relieffund_chain_events_total{event=submitted}"] != 1 {
		t.Fatalf("expected submitted event counted, got %v", got)
	}
}

func TestProcessDonationLedgerAndChainBothFail(t *testing.T) {
	f := newFixture(reverted)
	ledgerErr := errors.New("disk full")
	f.ledger.err = ledgerErr

	_, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rerr.Kind != KindChainFailure {
		t.Fatalf("chain result decides the kind, got %s", rerr.Kind)
	}
	if !errors.Is(err, ledgerErr) || !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("both failures must be surfaced: %v", err)
	}
	if !strings.Contains(rerr.Message, "not saved") {
		t.Fatalf("message should flag the ledger gap: %q", rerr.Message)
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].LedgerError != "disk full" {
		t.Fatalf("unexpected reconciliation entries %+v", f.sink.entries)
	}
}

func TestProcessDonationUsesConfirmedAmount(t *testing.T) {
	f := newFixture(submitted, confirmed)
	_, err := f.orch.ProcessDonation(context.Background(), donation("12.505"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gateway.reqs[0].AmountSmallestUnit != 1251 {
		t.Fatalf("expected 1251 cents, got %d", f.gateway.reqs[0].AmountSmallestUnit)
	}
	if !f.ledger.recs[0].Amount.Equal(decimal.RequireFromString("12.51")) {
		t.Fatalf("ledger should hold the charged amount, got %s", f.ledger.recs[0].Amount)
	}
	if f.chain.calls[0].Value.String() != "12510000000000000000" {
		t.Fatalf("unexpected value %s", f.chain.calls[0].Value)
	}
}

func TestProcessDonationForwardsIdempotencyKey(t *testing.T) {
	f := newFixture(submitted, confirmed)
	req := donation("1")
	req.IdempotencyKey = "donation-42"
	if _, err := f.orch.ProcessDonation(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gateway.reqs[0].IdempotencyKey != "donation-42" {
		t.Fatalf("expected key forwarded, got %q", f.gateway.reqs[0].IdempotencyKey)
	}
}

func TestProcessDonationCancelledAfterChargeStillRecords(t *testing.T) {
	log := &callLog{}
	ctx, cancel := context.WithCancel(context.Background())
	gw := &cancellingGateway{stubGateway: stubGateway{log: log}, cancel: cancel}
	led := &ctxCheckingLedger{log: log}
	orch := NewOrchestrator(Deps{
		Gateway:   gw,
		Ledger:    led,
		Submitter: &stubSubmitter{log: log, events: []chain.Event{submitted, confirmed}},
	}, DefaultConfig())

	if _, err := orch.ProcessDonation(ctx, donation("3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if led.sawCancelled {
		t.Fatalf("ledger append must not see the caller's cancellation")
	}
}

type cancellingGateway struct {
	stubGateway
	cancel context.CancelFunc
}

func (g *cancellingGateway) CreateCharge(ctx context.Context, req payments.ChargeRequest) (payments.Charge, error) {
	ch, err := g.stubGateway.CreateCharge(ctx, req)
	g.cancel()
	return ch, err
}

type ctxCheckingLedger struct {
	log          *callLog
	sawCancelled bool
}

func (l *ctxCheckingLedger) Append(ctx context.Context, _ ledger.Record) error {
	l.log.add("ledger")
	l.sawCancelled = ctx.Err() != nil
	return nil
}

func newDistributor(events []chain.Event, keepOpen bool) (*Distributor, *stubSubmitter, *stubSink) {
	sub := &stubSubmitter{log: &callLog{}, events: events, keepOpen: keepOpen}
	sink := &stubSink{}
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	return NewDistributor(Deps{Submitter: sub, Reconcile: sink}, cfg), sub, sink
}

const recipient = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

func TestDistributeSuccess(t *testing.T) {
	d, sub, _ := newDistributor([]chain.Event{submitted, confirmed}, false)

	out, err := d.Distribute(context.Background(), DistributionRequest{Recipient: recipient, Amount: decimal.RequireFromString("1.5")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Receipt == nil || out.Receipt.Status != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	call := sub.calls[0]
	if call.Method != "distributeFunds" || call.Value != nil {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Args[0].(common.Address) != common.HexToAddress(recipient) {
		t.Fatalf("unexpected recipient arg %v", call.Args[0])
	}
	if call.Args[1].(*big.Int).String() != "1500000000000000000" {
		t.Fatalf("unexpected amount arg %v", call.Args[1])
	}
}

func TestDistributeInvalid(t *testing.T) {
	cases := []DistributionRequest{
		{Recipient: "not-an-address", Amount: decimal.NewFromInt(1)},
		{Recipient: recipient, Amount: decimal.Zero},
	}
	for _, req := range cases {
		d, sub, _ := newDistributor([]chain.Event{confirmed}, false)
		_, err := d.Distribute(context.Background(), req)
		if KindOf(err) != KindInvalidRequest {
			t.Fatalf("expected InvalidRequest for %+v, got %v", req, err)
		}
		if len(sub.calls) != 0 {
			t.Fatalf("invalid request must not reach the chain")
		}
	}
}

func TestDistributeFailed(t *testing.T) {
	d, _, sink := newDistributor([]chain.Event{submitted, reverted}, false)
	_, err := d.Distribute(context.Background(), DistributionRequest{Recipient: recipient, Amount: decimal.NewFromInt(1)})
	if KindOf(err) != KindDistributionFailed {
		t.Fatalf("expected DistributionFailed, got %v", err)
	}
	if len(sink.entries) != 0 {
		t.Fatalf("a rejected distribution moved nothing and needs no reconciliation")
	}
}

func TestDistributeTimeout(t *testing.T) {
	d, _, sink := newDistributor([]chain.Event{submitted}, true)
	_, err := d.Distribute(context.Background(), DistributionRequest{Recipient: recipient, Amount: decimal.NewFromInt(1)})
	if KindOf(err) != KindDistributionTimeout {
		t.Fatalf("expected DistributionTimeout, got %v", err)
	}
	if len(sink.entries) != 1 || sink.entries[0].Recipient != recipient {
		t.Fatalf("unexpected reconciliation entries %+v", sink.entries)
	}
}

func TestProcessDonationLargestChargeableAmount(t *testing.T) {
	f := newFixture(submitted, confirmed)
	if _, err := f.orch.ProcessDonation(context.Background(), donation("92233720368547758.07")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gateway.reqs[0].AmountSmallestUnit != 9223372036854775807 {
		t.Fatalf("unexpected cents %d", f.gateway.reqs[0].AmountSmallestUnit)
	}
}

func TestProcessDonationAlreadyRecordedSkipsChain(t *testing.T) {
	f := newFixture(submitted, confirmed)
	f.ledger.err = ledger.ErrDuplicate

	out, err := f.orch.ProcessDonation(context.Background(), donation("10"))
	if err != nil {
		t.Fatalf("an already recorded charge is not a failure: %v", err)
	}
	if !out.AlreadyRecorded || out.Receipt != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	assertCalls(t, f.log.list(), "charge", "ledger")
	if len(f.sink.entries) != 0 {
		t.Fatalf("nothing to reconcile: %+v", f.sink.entries)
	}
	got, _ := f.metrics.Gather()
	if got["relieffund_donations_total{outcome=already_recorded}"] != 1 {
		t.Fatalf("expected already_recorded counted, got %v", got)
	}
}

func TestProcessDonationRetriedKeyTransfersOnce(t *testing.T) {
	f := newFixture(submitted, confirmed)
	f.orch.ledger = ledger.NewMemoryLedger()
	req := donation("10")
	req.IdempotencyKey = "K"

	if _, err := f.orch.ProcessDonation(context.Background(), req); err != nil {
		t.Fatalf("first donation: %v", err)
	}
	out, err := f.orch.ProcessDonation(context.Background(), req)
	if err != nil || !out.AlreadyRecorded {
		t.Fatalf("second donation: %+v %v", out, err)
	}
	if len(f.chain.calls) != 1 {
		t.Fatalf("expected one chain submission, got %d", len(f.chain.calls))
	}
}

func TestDistributeIgnoresCallerCancellation(t *testing.T) {
	d, sub, sink := newDistributor([]chain.Event{submitted, confirmed}, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := d.Distribute(ctx, DistributionRequest{Recipient: recipient, Amount: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Receipt == nil || len(sub.calls) != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(sink.entries) != 0 {
		t.Fatalf("confirmed distribution must not be queued: %+v", sink.entries)
	}
}
