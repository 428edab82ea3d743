package chain

import (
	"context"
	"math/big"
)

// Submitter sends one contract transaction and reports its lifecycle as events.
// The returned channel is closed after the final event.
type Submitter interface {
	Submit(ctx context.Context, call Call) <-chan Event
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Call struct {
	Method   string
	Args     []any
	Value    *big.Int // wei attached to the call, nil for none
	GasLimit uint64
	GasPrice *big.Int
}

type EventKind int

const (
	EventSubmitted EventKind = iota + 1
	EventConfirmed
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSubmitted:
		return "submitted"
	case EventConfirmed:
		return "confirmed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Hash    string
	Receipt *Receipt
	Err     error
}

// Receipt is the subset of a mined transaction receipt returned to callers.
type Receipt struct {
	TxHash      string `json:"transactionHash,omitempty"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Status      uint64 `json:"status"`
}
