// Package relief drives donations and fund distributions across the payment
// processor, the donation ledger and the relief fund contract.
package relief

import (
	"context"
	"math/big"
	"time"

	"relieffund/internal/chain"
	"relieffund/internal/ledger"
	"relieffund/internal/metrics"
	"relieffund/internal/payments"
	"relieffund/internal/reconcile"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "relieffund/relief"

type Config struct {
	Currency       string
	Description    string
	NativeDecimals int32
	GasLimit       uint64
	GasPrice       *big.Int // wei
	ConfirmTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Currency:       "usd",
		Description:    "Disaster Relief Fund Donation",
		NativeDecimals: 18,
		GasLimit:       2_000_000,
		GasPrice:       big.NewInt(20_000_000_000),
		ConfirmTimeout: 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Currency == "" {
		c.Currency = def.Currency
	}
	if c.Description == "" {
		c.Description = def.Description
	}
	if c.NativeDecimals <= 0 {
		c.NativeDecimals = def.NativeDecimals
	}
	if c.GasLimit == 0 {
		c.GasLimit = def.GasLimit
	}
	if c.GasPrice == nil {
		c.GasPrice = def.GasPrice
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	return c
}

// Deps are the capabilities a request is driven through. Gateway and Ledger
// are only needed by the Orchestrator.
type Deps struct {
	Gateway   payments.Gateway
	Ledger    ledger.Ledger
	Submitter chain.Submitter
	Reconcile reconcile.Sink
	Logger    *zap.Logger
	Metrics   *metrics.Registry
}

// core holds what donations and distributions share: the chain step and
// the reconciliation queue.
type core struct {
	submitter chain.Submitter
	reconcile reconcile.Sink
	log       *zap.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time
}

func newCore(deps Deps, cfg Config) core {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := deps.Reconcile
	if sink == nil {
		sink = reconcile.NopSink{}
	}
	return core{
		submitter: deps.Submitter,
		reconcile: sink,
		log:       logger,
		metrics:   deps.Metrics,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// submitAndAwait sends call once and blocks until it is confirmed, fails, or
// the confirm timeout elapses.
func (c *core) submitAndAwait(ctx context.Context, logger *zap.Logger, call chain.Call) (chain.Resolution, error) {
	ctx, span := c.tracer.Start(ctx, "relief."+StepChain)
	defer span.End()
	start := time.Now()
	defer func() { c.metrics.ObserveStep(StepChain, time.Since(start)) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := c.submitter.Submit(ctx, call)
	res, err := chain.Await(ctx, events, c.cfg.ConfirmTimeout, func(ev chain.Event) {
		c.metrics.IncChainEvent(ev.Kind.String())
		if ev.Kind == chain.EventSubmitted {
			logger.Info("chain_tx_submitted",
				zap.String("method", call.Method),
				zap.String("tx_hash", ev.Hash),
			)
		}
	})
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (c *core) enqueue(ctx context.Context, logger *zap.Logger, e reconcile.Entry) {
	e = reconcile.Prepare(e, c.now())
	if err := c.reconcile.Enqueue(ctx, e); err != nil {
		logger.Error("reconcile_enqueue_failed",
			zap.String("reconcile_id", e.ID),
			zap.String("outcome", e.Kind),
			zap.Error(err),
		)
		return
	}
	logger.Warn("reconcile_enqueued",
		zap.String("reconcile_id", e.ID),
		zap.String("outcome", e.Kind),
	)
	if d, ok := c.reconcile.(reconcile.Depther); ok {
		if depth, err := d.Depth(); err == nil {
			c.metrics.SetReconcileDepth(depth)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
