package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one immutable donation entry.
type Record struct {
	Donor         string          `json:"donor"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Ledger is an append-only store of donation records.
type Ledger interface {
	Append(ctx context.Context, rec Record) error
}

var ErrDuplicate = errors.New("ledger: transaction already recorded")

func validateRecord(rec Record) error {
	if rec.TransactionID == "" {
		return errors.New("ledger: transaction id required")
	}
	if !rec.Amount.IsPositive() {
		return errors.New("ledger: amount must be positive")
	}
	return nil
}

// MemoryLedger is mostly for testing and local runs.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
	seen    map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (m *MemoryLedger) Append(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[rec.TransactionID]; ok {
		return ErrDuplicate
	}
	m.seen[rec.TransactionID] = struct{}{}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (m *MemoryLedger) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// FileLedger appends JSON lines to a file. Suitable for local dev.
type FileLedger struct {
	path string
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewFileLedger(path string) (*FileLedger, error) {
	f := &FileLedger{
		path: path,
		seen: make(map[string]struct{}),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileLedger) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("ledger %s line %d: %w", f.path, line, err)
		}
		f.seen[rec.TransactionID] = struct{}{}
	}
	return scanner.Err()
}

func (f *FileLedger) Append(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[rec.TransactionID]; ok {
		return ErrDuplicate
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	f.seen[rec.TransactionID] = struct{}{}
	return nil
}
