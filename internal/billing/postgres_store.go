package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/mckingz/edu-ai-gateway/internal/plan"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *UsageRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO ai_usage_logs (
			id, idempotency_key, request_id, user_id, tenant_id, service_type, provider, model,
			status, error_kind, input_tokens, output_tokens, cost_usd, latency_ms, error_message,
			metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::text::numeric, $14, $15, $16::text::jsonb, $17)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query,
		rec.ID, nullable(rec.IdempotencyKey), rec.RequestID, rec.UserID, nullable(rec.TenantID),
		string(rec.ServiceType), rec.Provider, rec.Model, string(rec.Status), nullable(rec.ErrorKind),
		rec.InputTokens, rec.OutputTokens, rec.CostUSD.String(), rec.LatencyMs, nullable(rec.ErrorMessage),
		metadataOrEmpty(rec.Metadata), rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to log usage: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetUsageByUser(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, COALESCE(idempotency_key, ''), request_id, user_id, tenant_id, service_type, provider, model,
		       status, error_kind, input_tokens, output_tokens, cost_usd::text, latency_ms, error_message,
		       metadata::text, created_at
		FROM ai_usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageRecord
	for rows.Next() {
		var (
			l                               UsageRecord
			tenantID, errKind, errMsg       *string
			service, status, cost, metadata string
		)
		err := rows.Scan(
			&l.ID, &l.IdempotencyKey, &l.RequestID, &l.UserID, &tenantID, &service, &l.Provider, &l.Model,
			&status, &errKind, &l.InputTokens, &l.OutputTokens, &cost, &l.LatencyMs, &errMsg,
			&metadata, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		l.TenantID, l.ErrorKind, l.ErrorMessage = deref(tenantID), deref(errKind), deref(errMsg)
		l.ServiceType, l.Status = plan.ServiceType(service), Status(status)
		l.Metadata = []byte(metadata)
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

func (s *PostgresStore) GetTotalCostByUser(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)::text
		FROM ai_usage_logs
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total string
	if err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get total cost: %w", err)
	}

	return decimal.NewFromString(total)
}
