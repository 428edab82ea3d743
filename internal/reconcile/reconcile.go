// Package reconcile records partial failures that need an operator:
// charged-but-unrecorded donations, rejected or unconfirmed transfers.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Entry struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Operation   string    `json:"operation"`
	ChargeID    string    `json:"chargeId,omitempty"`
	Donor       string    `json:"donor,omitempty"`
	Recipient   string    `json:"recipient,omitempty"`
	Amount      string    `json:"amount"`
	BaseUnits   string    `json:"baseUnits,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	Error       string    `json:"error,omitempty"`
	LedgerError string    `json:"ledgerError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Sink accepts reconciliation entries.
type Sink interface {
	Enqueue(ctx context.Context, e Entry) error
}

// Depther is implemented by sinks that can report how many entries are waiting.
type Depther interface {
	Depth() (int, error)
}

// Prepare fills the id and timestamp when they are missing.
func Prepare(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Enqueue(context.Context, Entry) error { return nil }

// DirSink writes one JSON file per entry into a directory.
type DirSink struct {
	dir string
	mu  sync.Mutex
}

func NewDirSink(dir string) (*DirSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("reconcile dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reconcile mkdir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (d *DirSink) Enqueue(_ context.Context, e Entry) error {
	e = Prepare(e, time.Now())
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("reconcile marshal: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	filename := fmt.Sprintf("%d-%s.json", e.CreatedAt.UnixNano(), e.ID)
	return os.WriteFile(filepath.Join(d.dir, filename), data, 0o600)
}

func (d *DirSink) Depth() (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ent := range entries {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

// MultiSink fans an entry out to every sink and reports the first error.
type MultiSink []Sink

func (m MultiSink) Enqueue(ctx context.Context, e Entry) error {
	e = Prepare(e, time.Now())
	var first error
	for _, s := range m {
		if err := s.Enqueue(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Depth reports the depth of the first sink that can count.
func (m MultiSink) Depth() (int, error) {
	for _, s := range m {
		if d, ok := s.(Depther); ok {
			return d.Depth()
		}
	}
	return 0, nil
}
