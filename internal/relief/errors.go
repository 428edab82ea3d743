package relief

import (
	"errors"

	"relieffund/internal/chain"
)

// Kind names which step of a request failed. Operators act differently on each:
// PaymentFailed needs nothing, LedgerFailure needs the ledger fixed, and the
// chain kinds need the on-chain state checked.
type Kind string

const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindPaymentFailed       Kind = "PaymentFailed"
	KindLedgerFailure       Kind = "LedgerFailure"
	KindChainFailure        Kind = "ChainFailure"
	KindChainTimeout        Kind = "ChainTimeout"
	KindDistributionFailed  Kind = "DistributionFailed"
	KindDistributionTimeout Kind = "DistributionTimeout"
)

const (
	StepValidate = "validate"
	StepCharge   = "charge"
	StepLedger   = "ledger"
	StepChain    = "chain"
)

// Error is returned for every failed donation or distribution.
type Error struct {
	Kind    Kind
	Step    string
	Message string // safe to show to the caller
	Err     error

	// LedgerErr is set when the donation record could not be appended,
	// whatever Kind the chain step produced.
	LedgerErr error
	ChargeID  string
	TxHash    string
	Receipt   *chain.Receipt
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.LedgerErr != nil && e.Kind != KindLedgerFailure {
		msg += " (ledger: " + e.LedgerErr.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.LedgerErr != nil && e.LedgerErr != e.Err {
		errs = append(errs, e.LedgerErr)
	}
	return errs
}

// LedgerRecorded reports whether the donation record was persisted.
func (e *Error) LedgerRecorded() bool {
	return e.LedgerErr == nil
}

// NeedsReconciliation is true when money may have moved without a matching record.
func (e *Error) NeedsReconciliation() bool {
	switch e.Kind {
	case KindLedgerFailure, KindChainFailure, KindChainTimeout, KindDistributionTimeout:
		return true
	}
	return e.LedgerErr != nil
}

// KindOf returns the Kind of err, or "" when err is nil or not an *Error.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
