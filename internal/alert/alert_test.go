package alert

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithoutDSNLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	a, err := New("", logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer a.Close()
	if _, ok := a.(*Log); !ok {
		t.Fatalf("New(\"\") = %T, want *Log", a)
	}

	a.BatchFailed("b-1", 5, "dmftar exited 2")
	out := buf.String()
	for _, want := range []string{"batch failed permanently", "batch=b-1", "attempts=5", "dmftar exited 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestNewSentryRejectsBadDSN(t *testing.T) {
	if _, err := New("://not a dsn", slog.Default()); err == nil {
		t.Error("New() accepted an invalid DSN")
	}
}
