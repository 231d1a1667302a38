package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

type Status string

const (
	StatusSuccess       Status = "success"
	StatusError         Status = "error"
	StatusRateLimited   Status = "rate_limited"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusCancelled     Status = "cancelled"
)

// UsageRecord is one row of the append-only usage ledger: a provider attempt,
// a quota denial or a cancellation.
type UsageRecord struct {
	ID             string
	IdempotencyKey string // empty means no deduplication
	RequestID      string
	UserID         string
	TenantID       string
	ServiceType    plan.ServiceType
	Provider       string
	Model          string
	Status         Status
	ErrorKind      string
	InputTokens    int
	OutputTokens   int
	CostUSD        decimal.Decimal
	LatencyMs      int64
	ErrorMessage   string
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

// Store persists usage records. Append is idempotent on IdempotencyKey: a
// repeated key is a no-op reported as inserted=false.
type Store interface {
	Append(ctx context.Context, rec *UsageRecord) (inserted bool, err error)
	GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error)
	GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error)
}

func metadataOrEmpty(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
