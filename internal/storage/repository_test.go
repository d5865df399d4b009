package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestNilStoreIsNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.StartRun(ctx, "IBM", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("StartRun: expected ErrNotConfigured, got %v", err)
	}
	if err := s.FinishRun(ctx, 1, RunOutcome{Status: RunStatusFailed}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("FinishRun: expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("TryAdvisoryLock: expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewStore(nil).ListRecentRuns(ctx, "", 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ListRecentRuns: expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestSymbolLockKeyIsStable(t *testing.T) {
	if SymbolLockKey("AAPL") != SymbolLockKey("AAPL") {
		t.Fatal("lock key must be deterministic")
	}
	if SymbolLockKey("AAPL") == SymbolLockKey("MSFT") {
		t.Fatal("different symbols should map to different keys")
	}
}

func TestLossValueRounds(t *testing.T) {
	if v := lossValue(0.123456789012345, true); v != "0.123456789" {
		t.Fatalf("unexpected rounding %v", v)
	}
	if v := lossValue(1, false); v != nil {
		t.Fatalf("missing loss should be NULL, got %v", v)
	}

	d, err := parseLoss(sql.NullString{String: "0.25", Valid: true})
	if err != nil || d == nil || d.String() != "0.25" {
		t.Fatalf("parseLoss = %v, %v", d, err)
	}
	if d, err := parseLoss(sql.NullString{}); err != nil || d != nil {
		t.Fatalf("NULL loss should be nil, got %v %v", d, err)
	}
}
