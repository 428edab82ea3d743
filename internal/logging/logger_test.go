package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewLoggerWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relieffund.log")
	t.Setenv("LOG_FILE", path)

	logger, err := NewLogger("relieffund", "test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("donation_received", zap.String("charge_id", "ch_1"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(raw)
	for _, want := range []string{`"msg":"donation_received"`, `"service":"relieffund"`, `"env":"test"`, `"level":"info"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %s missing %s", line, want)
		}
	}
}

func TestContextLogger(t *testing.T) {
	fallback := zap.NewNop()
	if FromContextOr(context.Background(), fallback) != fallback {
		t.Fatalf("expected fallback logger")
	}
	scoped := zap.NewExample()
	ctx := ContextWithLogger(context.Background(), scoped)
	if FromContextOr(ctx, fallback) != scoped {
		t.Fatalf("expected context logger")
	}
}
