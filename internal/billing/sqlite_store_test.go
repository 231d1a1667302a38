package billing

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
	"github.com/mckingz/edu-ai-gateway/internal/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func record(key string, cost string, at time.Time) *UsageRecord {
	return &UsageRecord{
		IdempotencyKey: key,
		RequestID:      "req-1",
		UserID:         "user-1",
		TenantID:       "school-1",
		ServiceType:    plan.ServiceChat,
		Provider:       "openai",
		Model:          "gpt-4o-mini",
		Status:         StatusSuccess,
		InputTokens:    120,
		OutputTokens:   40,
		CostUSD:        decimal.RequireFromString(cost),
		LatencyMs:      350,
		Metadata:       json.RawMessage(`{"attempt":1}`),
		CreatedAt:      at,
	}
}

func TestSQLiteStore_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	now := time.Now().UTC()

	inserted, err := s.Append(ctx, record("req-1:1", "0.000042", now))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !inserted {
		t.Error("first append should insert")
	}

	inserted, err = s.Append(ctx, record("req-1:1", "0.000042", now))
	if err != nil {
		t.Fatalf("second Append failed: %v", err)
	}
	if inserted {
		t.Error("repeated idempotency key should not insert")
	}

	logs, err := s.GetUsageByUser(ctx, "user-1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetUsageByUser failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("Expected 1 ledger row, got %d", len(logs))
	}
}

func TestSQLiteStore_RecordsWithoutKeyAreNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		if _, err := s.Append(ctx, record("", "0", now)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	logs, _ := s.GetUsageByUser(ctx, "user-1", now.Add(-time.Minute), now.Add(time.Minute))
	if len(logs) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(logs))
	}
}

func TestSQLiteStore_QueryAndTotal(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	failed := record("req-2:1", "0", base.Add(time.Hour))
	failed.Status = StatusRateLimited
	failed.ErrorKind = "rate_limited"
	failed.ErrorMessage = "slow down"
	failed.TenantID = ""

	for _, rec := range []*UsageRecord{
		record("req-1:1", "0.0105", base),
		failed,
		record("req-3:1", "0.0000105", base.Add(2*time.Hour)),
		record("req-old:1", "5", base.AddDate(0, -2, 0)),
	} {
		if _, err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	from, to := base.Add(-time.Minute), base.Add(3*time.Hour)
	logs, err := s.GetUsageByUser(ctx, "user-1", from, to)
	if err != nil {
		t.Fatalf("GetUsageByUser failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("Expected 3 rows in range, got %d", len(logs))
	}
	if logs[0].IdempotencyKey != "req-3:1" {
		t.Errorf("Expected newest first, got %s", logs[0].IdempotencyKey)
	}
	if logs[1].Status != StatusRateLimited || logs[1].ErrorMessage != "slow down" || logs[1].TenantID != "" {
		t.Errorf("unexpected failed row %+v", logs[1])
	}
	if !logs[2].CreatedAt.Equal(base) {
		t.Errorf("Expected created_at %v, got %v", base, logs[2].CreatedAt)
	}

	total, err := s.GetTotalCostByUser(ctx, "user-1", from, to)
	if err != nil {
		t.Fatalf("GetTotalCostByUser failed: %v", err)
	}
	if want := decimal.RequireFromString("0.0105105"); !total.Equal(want) {
		t.Errorf("Expected total %s, got %s", want, total)
	}
}
