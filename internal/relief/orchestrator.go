package relief

import (
	"context"
	"errors"
	"strings"
	"time"

	"relieffund/internal/chain"
	"relieffund/internal/contracts"
	"relieffund/internal/ledger"
	"relieffund/internal/logging"
	"relieffund/internal/payments"
	"relieffund/internal/reconcile"
	"relieffund/internal/units"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	MsgDonationSuccess = "Donation successful!"
	MsgAlreadyRecorded = "Donation already processed"
	msgLedgerFailure   = "Donation charged and transferred but not recorded; reconciliation required"
	msgChainFailure    = "Transaction failed; donation was charged and needs reconciliation"
	msgChainTimeout    = "Transaction pending; no confirmation received in time"
	msgNotRecorded     = " (donation record was not saved)"
)

type DonationRequest struct {
	Amount       decimal.Decimal
	PaymentToken string
	// IdempotencyKey is forwarded to the payment processor. A fresh key is
	// generated when empty, so every call charges independently.
	IdempotencyKey string
}

// validate returns the amount in minor currency units.
func (r DonationRequest) validate() (int64, error) {
	cents, err := units.ToSmallestUnit(r.Amount)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(r.PaymentToken) == "" {
		return 0, errors.New("payment token is required")
	}
	return cents, nil
}

type ChargeResult struct {
	ChargeID        string
	DonorIdentifier string
	ConfirmedAmount decimal.Decimal
}

type DonationOutcome struct {
	Charge  ChargeResult
	Record  ledger.Record
	TxHash  string
	Receipt *chain.Receipt
	// AlreadyRecorded is set when the charge id was already in the ledger.
	// Nothing is sent on chain in that case.
	AlreadyRecorded bool
}

// Orchestrator charges a donor, records the donation and forwards the value
// to the relief fund contract.
type Orchestrator struct {
	core
	gateway payments.Gateway
	ledger  ledger.Ledger
}

func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		core:    newCore(deps, cfg),
		gateway: deps.Gateway,
		ledger:  deps.Ledger,
	}
}

// ProcessDonation runs charge, ledger append and chain transfer in that order.
// A failed charge stops the request. A failed append is reported but the
// transfer still runs; the returned *Error then carries both results. A charge
// id that is already in the ledger was processed before and is not forwarded
// again.
func (o *Orchestrator) ProcessDonation(ctx context.Context, req DonationRequest) (out DonationOutcome, err error) {
	logger := logging.FromContextOr(ctx, o.log).With(zap.String("operation", "donate"))
	ctx, span := o.tracer.Start(ctx, "relief.ProcessDonation")
	start := time.Now()

	defer func() {
		outcome := outcomeLabel(err)
		if err == nil && out.AlreadyRecorded {
			outcome = "already_recorded"
		}
		o.metrics.IncDonation(outcome)
		span.SetAttributes(attribute.String("donation.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetStatus(codes.Ok, outcome)
		}
		span.End()

		fields := []zap.Field{
			zap.String("outcome", outcome),
			zap.String("amount", req.Amount.String()),
			zap.Float64("latency_seconds", time.Since(start).Seconds()),
		}
		if out.Charge.ChargeID != "" {
			fields = append(fields, zap.String("charge_id", out.Charge.ChargeID))
		}
		if out.TxHash != "" {
			fields = append(fields, zap.String("tx_hash", out.TxHash))
		}
		var rerr *Error
		if errors.As(err, &rerr) {
			fields = append(fields, zap.String("step", rerr.Step), zap.Bool("ledger_recorded", rerr.LedgerRecorded()))
			if rerr.Err != nil {
				fields = append(fields, zap.NamedError("cause", rerr.Err))
			}
			if rerr.LedgerErr != nil {
				fields = append(fields, zap.NamedError("ledger_error", rerr.LedgerErr))
			}
		}
		switch {
		case err == nil:
			logger.Info("donation_done", fields...)
		case rerr != nil && (rerr.Kind == KindInvalidRequest || rerr.Kind == KindPaymentFailed):
			logger.Warn("donation_done", fields...)
		default:
			logger.Error("donation_done", fields...)
		}
	}()

	cents, verr := req.validate()
	if verr != nil {
		return out, &Error{
			Kind:    KindInvalidRequest,
			Step:    StepValidate,
			Message: "Invalid donation request: " + verr.Error(),
			Err:     verr,
		}
	}

	charge, cerr := o.charge(ctx, req, cents)
	if cerr != nil {
		return out, &Error{
			Kind:    KindPaymentFailed,
			Step:    StepCharge,
			Message: "Payment failed: " + payments.Message(cerr),
			Err:     cerr,
		}
	}
	out.Charge = charge
	logger = logger.With(zap.String("charge_id", charge.ChargeID))

	// The charge is captured from here on; a cancelled request must not
	// leave it unrecorded or unforwarded.
	ctx = context.WithoutCancel(ctx)

	out.Record = ledger.Record{
		Donor:         charge.DonorIdentifier,
		Amount:        charge.ConfirmedAmount,
		TransactionID: charge.ChargeID,
		CreatedAt:     o.now().UTC(),
	}
	ledgerErr := o.record(ctx, out.Record)
	if errors.Is(ledgerErr, ledger.ErrDuplicate) {
		out.AlreadyRecorded = true
		logger.Warn("donation_already_recorded", zap.String("step", StepLedger))
		return out, nil
	}
	if ledgerErr != nil {
		logger.Error("donation_ledger_append_failed",
			zap.String("outcome", string(KindLedgerFailure)),
			zap.String("step", StepLedger),
			zap.Error(ledgerErr),
		)
	}

	baseUnits := units.ToBaseUnits(charge.ConfirmedAmount, o.cfg.NativeDecimals)
	res, chainErr := o.submitAndAwait(ctx, logger, chain.Call{
		Method:   contracts.MethodDonate,
		Value:    baseUnits,
		GasLimit: o.cfg.GasLimit,
		GasPrice: o.cfg.GasPrice,
	})
	out.TxHash = res.Hash
	out.Receipt = res.Receipt

	err = o.resolve(charge, ledgerErr, res, chainErr)
	var rerr *Error
	if errors.As(err, &rerr) && rerr.NeedsReconciliation() {
		o.enqueue(ctx, logger, reconcile.Entry{
			Kind:        string(rerr.Kind),
			Operation:   "donate",
			ChargeID:    charge.ChargeID,
			Donor:       charge.DonorIdentifier,
			Amount:      charge.ConfirmedAmount.String(),
			BaseUnits:   baseUnits.String(),
			TxHash:      res.Hash,
			Error:       errString(chainErr),
			LedgerError: errString(ledgerErr),
		})
	}
	return out, err
}

func (o *Orchestrator) charge(ctx context.Context, req DonationRequest, cents int64) (ChargeResult, error) {
	ctx, span := o.tracer.Start(ctx, "relief."+StepCharge)
	defer span.End()
	start := time.Now()
	defer func() { o.metrics.ObserveStep(StepCharge, time.Since(start)) }()

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	ch, err := o.gateway.CreateCharge(ctx, payments.ChargeRequest{
		AmountSmallestUnit: cents,
		Currency:           o.cfg.Currency,
		Token:              req.PaymentToken,
		Description:        o.cfg.Description,
		IdempotencyKey:     key,
	})
	if err != nil {
		span.RecordError(err)
		return ChargeResult{}, err
	}
	span.SetAttributes(attribute.String("charge.id", ch.ID))
	return ChargeResult{
		ChargeID:        ch.ID,
		DonorIdentifier: ch.SourceIdentifier,
		ConfirmedAmount: units.FromSmallestUnit(ch.Amount),
	}, nil
}

func (o *Orchestrator) record(ctx context.Context, rec ledger.Record) error {
	ctx, span := o.tracer.Start(ctx, "relief."+StepLedger)
	defer span.End()
	start := time.Now()
	defer func() { o.metrics.ObserveStep(StepLedger, time.Since(start)) }()

	if err := o.ledger.Append(ctx, rec); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// resolve maps the ledger and chain results to one outcome. A chain failure or
// timeout decides the Kind; a ledger failure alone decides it only when the
// transfer was confirmed. Both are always kept on the *Error.
func (o *Orchestrator) resolve(charge ChargeResult, ledgerErr error, res chain.Resolution, chainErr error) error {
	if chainErr == nil && ledgerErr == nil {
		return nil
	}

	e := &Error{
		LedgerErr: ledgerErr,
		ChargeID:  charge.ChargeID,
		TxHash:    res.Hash,
		Receipt:   res.Receipt,
	}
	switch {
	case chainErr == nil:
		e.Kind = KindLedgerFailure
		e.Step = StepLedger
		e.Message = msgLedgerFailure
		e.Err = ledgerErr
		return e
	case errors.Is(chainErr, chain.ErrTimeout):
		e.Kind = KindChainTimeout
		e.Message = msgChainTimeout
	default:
		e.Kind = KindChainFailure
		e.Message = msgChainFailure
	}
	e.Step = StepChain
	e.Err = chainErr
	if ledgerErr != nil {
		e.Message += msgNotRecorded
	}
	return e
}
