package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mckingz/edu-ai-gateway/internal/auth"
	"github.com/mckingz/edu-ai-gateway/internal/billing"
	"github.com/mckingz/edu-ai-gateway/internal/plan"
	"github.com/mckingz/edu-ai-gateway/internal/profile"
	"github.com/mckingz/edu-ai-gateway/internal/provider"
	"github.com/mckingz/edu-ai-gateway/internal/quota"
	"github.com/mckingz/edu-ai-gateway/internal/selector"
	"github.com/mckingz/edu-ai-gateway/pkg/ratelimit"
)

const maxBodyBytes = 20 << 20

// Executor runs one AI request end to end.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

type Handler struct {
	orchestrator Executor
	profiles     profile.Lookup
	quota        Accountant
	billing      billing.Store
	limiter      *ratelimit.Limiter
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewHandler wires the HTTP surface. limiter may be nil.
func NewHandler(orchestrator Executor, profiles profile.Lookup, accountant Accountant, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		profiles:     profiles,
		quota:        accountant,
		billing:      billing,
		limiter:      limiter,
		tracer:       tracer,
		logger:       logger,
	}
}

type imageInput struct {
	Data      string `json:"data"`
	MediaType string `json:"mediaType"`
}

type messageInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type forcedToolInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

type aiRequest struct {
	TenantID    string           `json:"tenantId,omitempty"`
	UserID      string           `json:"userId,omitempty"`
	ServiceType string           `json:"serviceType"`
	Prompt      string           `json:"prompt"`
	System      string           `json:"system,omitempty"`
	Images      []imageInput     `json:"images,omitempty"`
	History     []messageInput   `json:"history,omitempty"`
	ForcedTool  *forcedToolInput `json:"forcedTool,omitempty"`
	Preferences struct {
		PreferOpenAlt bool `json:"preferOpenAlt"`
	} `json:"preferences"`
	MaxTokens int `json:"maxTokens,omitempty"`
}

type aiResponse struct {
	Success           bool            `json:"success"`
	Content           string          `json:"content,omitempty"`
	ToolResult        json.RawMessage `json:"toolResult,omitempty"`
	ForcedToolHonored bool            `json:"forcedToolHonored"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	TokensIn          int             `json:"tokensIn"`
	TokensOut         int             `json:"tokensOut"`
	Cost              decimal.Decimal `json:"cost"`
	ErrorKind         string          `json:"errorKind,omitempty"`
	ErrorDetail       string          `json:"errorDetail,omitempty"`
	RequestID         string          `json:"requestId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleRequest serves POST /v1/ai/requests.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body aiRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := decodeRequest(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.RequestID = requestID
	req.UserID = userID

	ctx, span := h.tracer.Start(ctx, "proxy.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("service_type", string(req.Service)),
	)

	allowed, err := h.limiter.Allow(ctx, userID)
	if err != nil {
		h.logger.Warn("burst limiter unavailable, allowing request", zap.String("request_id", requestID), zap.Error(err))
	} else if !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, aiResponse{
			ErrorKind:   "rate_limited",
			ErrorDetail: msgUnavailable,
			Cost:        decimal.Zero,
			RequestID:   requestID,
		})
		return
	}

	result, err := h.orchestrator.Execute(ctx, req)
	if err != nil {
		status, msg := statusFor(err)
		h.logger.Info("ai request failed",
			zap.String("request_id", requestID),
			zap.String("user_id", userID),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeJSON(w, status, aiResponse{
			ErrorKind:   errorKind(err),
			ErrorDetail: msg,
			Cost:        decimal.Zero,
			RequestID:   requestID,
		})
		return
	}

	writeJSON(w, http.StatusOK, aiResponse{
		Success:           true,
		Content:           result.Content,
		ToolResult:        result.ToolResult,
		ForcedToolHonored: result.ForcedToolHonored,
		Provider:          result.Provider,
		Model:             result.Model,
		TokensIn:          result.InputTokens,
		TokensOut:         result.OutputTokens,
		Cost:              result.Cost,
		RequestID:         result.RequestID,
	})
}

func decodeRequest(body *aiRequest) (*Request, error) {
	service, err := plan.ParseServiceType(body.ServiceType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if body.MaxTokens < 0 {
		return nil, errors.New("maxTokens must not be negative")
	}

	req := &Request{
		Service:     service,
		System:      body.System,
		Prompt:      body.Prompt,
		Preferences: selector.Preferences{PreferOpenAlt: body.Preferences.PreferOpenAlt},
		MaxTokens:   body.MaxTokens,
	}
	for _, img := range body.Images {
		if !strings.HasPrefix(img.MediaType, "image/") {
			return nil, errors.New("images need an image/* mediaType")
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil || len(data) == 0 {
			return nil, errors.New("images must be base64 encoded")
		}
		req.Images = append(req.Images, provider.Image{Data: data, MediaType: img.MediaType})
	}
	for _, m := range body.History {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, errors.New("history role must be user or assistant")
		}
		req.History = append(req.History, provider.Message{Role: m.Role, Content: m.Content})
	}
	if ft := body.ForcedTool; ft != nil {
		if ft.Name == "" {
			return nil, errors.New("forcedTool.name is required")
		}
		if len(ft.Schema) > 0 {
			var schema map[string]any
			if json.Unmarshal(ft.Schema, &schema) != nil {
				return nil, errors.New("forcedTool.schema must be a JSON object")
			}
			if _, err := provider.ResolveSchema(ft.Schema); err != nil {
				return nil, fmt.Errorf("forcedTool.schema is invalid: %w", err)
			}
		}
		req.ForcedTool = &provider.Tool{Name: ft.Name, Description: ft.Description, Schema: ft.Schema}
	}
	return req, nil
}

func errorKind(err error) string {
	var exhausted *ExhaustedError
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTierCapabilityMismatch), errors.Is(err, profile.ErrProfileNotFound):
		return "tier_capability_mismatch"
	case errors.Is(err, ErrUnknownService):
		return "unknown_service"
	case errors.Is(err, context.DeadlineExceeded):
		return string(provider.KindTimeout)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &exhausted):
		return string(exhausted.LastKind())
	}
	return "unavailable"
}

// HandleQuota serves GET /v1/ai/quota?serviceType=.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	service, err := plan.ParseServiceType(r.URL.Query().Get("serviceType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	prof, err := h.profiles.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			writeError(w, http.StatusForbidden, msgHigherTier)
			return
		}
		h.logger.Error("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}

	st, err := h.quota.Status(ctx, quota.Subject{UserID: prof.UserID, TenantID: prof.TenantID, Tier: prof.Tier}, service)
	if err != nil {
		h.logger.Error("quota status failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return
	}

	resp := map[string]interface{}{
		"allowed":     st.Allowed,
		"remaining":   st.Remaining,
		"limit":       st.Limit,
		"tierName":    st.TierName,
		"serviceType": service,
		"period":      st.Period,
	}
	if burst, err := h.limiter.Status(ctx, userID); err != nil {
		h.logger.Warn("burst limiter status unavailable", zap.String("user_id", userID), zap.Error(err))
	} else if burst != nil {
		resp["burstRemaining"] = burst.Remaining
	}
	writeJSON(w, http.StatusOK, resp)
}

type usageEntry struct {
	RequestID    string          `json:"request_id"`
	ServiceType  string          `json:"service_type"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Status       string          `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	LatencyMs    int64           `json:"latency_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HandleUsage serves GET /v1/usage with the caller's ledger rows.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.billing.GetUsageByUser(ctx, userID, from, to)
	if err != nil {
		h.logger.Error("usage query failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	totalCost, err := h.billing.GetTotalCostByUser(ctx, userID, from, to)
	if err != nil {
		h.logger.Error("usage total failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	logs := make([]usageEntry, 0, len(records))
	for _, rec := range records {
		logs = append(logs, usageEntry{
			RequestID:    rec.RequestID,
			ServiceType:  string(rec.ServiceType),
			Provider:     rec.Provider,
			Model:        rec.Model,
			Status:       string(rec.Status),
			ErrorKind:    rec.ErrorKind,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			CostUSD:      rec.CostUSD,
			LatencyMs:    rec.LatencyMs,
			CreatedAt:    rec.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}
