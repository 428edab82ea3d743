package relief

import (
	"context"
	"errors"
	"time"

	"relieffund/internal/chain"
	"relieffund/internal/contracts"
	"relieffund/internal/logging"
	"relieffund/internal/reconcile"
	"relieffund/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	MsgDistributionSuccess = "Funds distributed successfully"
	msgDistributionFailed  = "Fund distribution failed"
	msgDistributionTimeout = "Fund distribution pending; no confirmation received in time"
)

type DistributionRequest struct {
	Recipient string
	Amount    decimal.Decimal
}

func (r DistributionRequest) validate() error {
	if !common.IsHexAddress(r.Recipient) {
		return errors.New("recipient must be a hex address")
	}
	if !r.Amount.IsPositive() {
		return units.ErrNonPositive
	}
	return nil
}

type DistributionOutcome struct {
	TxHash  string
	Receipt *chain.Receipt
}

// Distributor moves funds out of the relief contract. Callers must have
// authorized the request already.
type Distributor struct {
	core
}

func NewDistributor(deps Deps, cfg Config) *Distributor {
	return &Distributor{core: newCore(deps, cfg)}
}

func (d *Distributor) Distribute(ctx context.Context, req DistributionRequest) (out DistributionOutcome, err error) {
	logger := logging.FromContextOr(ctx, d.log).With(
		zap.String("operation", "distribute"),
		zap.String("recipient", req.Recipient),
	)
	ctx, span := d.tracer.Start(ctx, "relief.Distribute")
	start := time.Now()

	defer func() {
		outcome := outcomeLabel(err)
		d.metrics.IncDistribution(outcome)
		span.SetAttributes(attribute.String("distribution.outcome", outcome))
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
		if out.TxHash != "" {
			fields = append(fields, zap.String("tx_hash", out.TxHash))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		var rerr *Error
		if errors.As(err, &rerr) {
			fields = append(fields, zap.String("step", rerr.Step))
		}
		switch KindOf(err) {
		case "":
			logger.Info("distribution_done", fields...)
		case KindInvalidRequest:
			logger.Warn("distribution_done", fields...)
		default:
			logger.Error("distribution_done", fields...)
		}
	}()

	if verr := req.validate(); verr != nil {
		return out, &Error{
			Kind:    KindInvalidRequest,
			Step:    StepValidate,
			Message: "Invalid distribution request: " + verr.Error(),
			Err:     verr,
		}
	}

	// A transaction may be broadcast from here on; the caller going away must
	// not cut the wait short.
	ctx = context.WithoutCancel(ctx)

	baseUnits := units.ToBaseUnits(req.Amount, d.cfg.NativeDecimals)
	res, chainErr := d.submitAndAwait(ctx, logger, chain.Call{
		Method:   contracts.MethodDistribute,
		Args:     []any{common.HexToAddress(req.Recipient), baseUnits},
		GasLimit: d.cfg.GasLimit,
		GasPrice: d.cfg.GasPrice,
	})
	out.TxHash = res.Hash
	out.Receipt = res.Receipt
	if chainErr == nil {
		return out, nil
	}

	e := &Error{
		Kind:    KindDistributionFailed,
		Step:    StepChain,
		Message: msgDistributionFailed,
		Err:     chainErr,
		TxHash:  res.Hash,
		Receipt: res.Receipt,
	}
	if errors.Is(chainErr, chain.ErrTimeout) {
		e.Kind = KindDistributionTimeout
		e.Message = msgDistributionTimeout
		d.enqueue(ctx, logger, reconcile.Entry{
			Kind:      string(e.Kind),
			Operation: "distribute",
			Recipient: req.Recipient,
			Amount:    req.Amount.String(),
			BaseUnits: baseUnits.String(),
			TxHash:    res.Hash,
			Error:     chainErr.Error(),
		})
	}
	return out, e
}
