package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

// SQLiteStore keeps the ledger in the local SQLite database. Timestamps are
// stored as unix milliseconds and costs as decimal text.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, rec *UsageRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage_logs (
			id, idempotency_key, request_id, user_id, tenant_id, service_type, provider, model,
			status, error_kind, input_tokens, output_tokens, cost_usd, latency_ms, error_message,
			metadata, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID, nullable(rec.IdempotencyKey), rec.RequestID, rec.UserID, nullable(rec.TenantID),
		string(rec.ServiceType), rec.Provider, rec.Model, string(rec.Status), nullable(rec.ErrorKind),
		rec.InputTokens, rec.OutputTokens, rec.CostUSD.String(), rec.LatencyMs, nullable(rec.ErrorMessage),
		metadataOrEmpty(rec.Metadata), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to log usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to log usage: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), request_id, user_id, tenant_id, service_type, provider, model,
		       status, error_kind, input_tokens, output_tokens, cost_usd, latency_ms, error_message,
		       metadata, created_at
		FROM ai_usage_logs
		WHERE user_id = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC`,
		userID, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageRecord
	for rows.Next() {
		var (
			l                               UsageRecord
			tenantID, errKind, errMsg       sql.NullString
			service, status, cost, metadata string
			createdAt                       int64
		)
		err := rows.Scan(
			&l.ID, &l.IdempotencyKey, &l.RequestID, &l.UserID, &tenantID, &service, &l.Provider, &l.Model,
			&status, &errKind, &l.InputTokens, &l.OutputTokens, &cost, &l.LatencyMs, &errMsg,
			&metadata, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		l.TenantID, l.ErrorKind, l.ErrorMessage = tenantID.String, errKind.String, errMsg.String
		l.ServiceType, l.Status = plan.ServiceType(service), Status(status)
		l.Metadata = []byte(metadata)
		l.CreatedAt = time.UnixMilli(createdAt).UTC()
		if l.CostUSD, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("failed to parse cost %q: %w", cost, err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

// GetTotalCostByUser sums in Go; SQLite has no exact decimal type.
func (s *SQLiteStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error) {
	logs, err := s.GetUsageByUser(ctx, userID, from, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get total cost: %w", err)
	}
	total := decimal.Zero
	for _, l := range logs {
		total = total.Add(l.CostUSD)
	}
	return total, nil
}
