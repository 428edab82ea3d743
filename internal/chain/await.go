package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout      = errors.New("no confirmation before timeout")
	ErrStreamClosed = errors.New("event stream closed before confirmation")
)

// Resolution is what is known about a transaction when Await returns.
type Resolution struct {
	Hash    string
	Receipt *Receipt
}

// FailedError wraps the error carried by a Failed event.
type FailedError struct {
	Err error
}

func (e *FailedError) Error() string { return "transaction failed: " + e.Err.Error() }
func (e *FailedError) Unwrap() error { return e.Err }

// Await blocks until events yields Confirmed or Failed, or timeout elapses.
// Submitted events are passed to observe and never resolve the wait.
// Timeout and ctx cancellation both return an error wrapping ErrTimeout,
// since the transaction may still be mined.
func Await(ctx context.Context, events <-chan Event, timeout time.Duration, observe func(Event)) (Resolution, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res Resolution
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return res, ErrStreamClosed
			}
			if observe != nil {
				observe(ev)
			}
			if ev.Hash != "" {
				res.Hash = ev.Hash
			}
			switch ev.Kind {
			case EventConfirmed:
				res.Receipt = ev.Receipt
				return res, nil
			case EventFailed:
				res.Receipt = ev.Receipt
				err := ev.Err
				if err == nil {
					err = errors.New("unspecified chain error")
				}
				return res, &FailedError{Err: err}
			}
		case <-timer.C:
			return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ctx.Done():
			return res, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}
