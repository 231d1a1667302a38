package claude

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mckingz/edu-ai-gateway/internal/provider"
)

const name = "claude"

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	ToolChoice  *toolChoice     `json:"tool_choice,omitempty"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *imageSource    `json:"source,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      claudeUsage    `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeErrorBody struct {
	Type  string      `json:"type"`
	Error claudeError `json:"error"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string, timeout time.Duration) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  provider.NewHTTPClient(timeout),
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(name, provider.KindMalformedRequest, 0, err.Error())
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(name, provider.KindMalformedRequest, 0, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp)
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.DecodeError(name, resp.StatusCode, err)
	}
	if len(claudeResp.Content) == 0 {
		return nil, provider.NewError(name, provider.KindNoResponse, resp.StatusCode, "response has no content")
	}

	out := &provider.Response{
		ID:           claudeResp.ID,
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     name,
		StopReason:   claudeResp.StopReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	var text strings.Builder
	for _, block := range claudeResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if out.ToolCall == nil {
				out.ToolCall = &provider.ToolCall{Name: block.Name, Input: block.Input}
			}
		}
	}
	out.Content = text.String()
	return out, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	messages := make([]claudeMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: []contentBlock{{Type: "text", Text: m.Content}},
		})
	}

	var current []contentBlock
	for _, img := range req.Images {
		current = append(current, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	current = append(current, contentBlock{Type: "text", Text: req.Prompt})
	messages = append(messages, claudeMessage{Role: "user", Content: current})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	out := claudeRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  messages,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	if req.ForcedTool != "" {
		out.ToolChoice = &toolChoice{Type: "tool", Name: req.ForcedTool}
	}
	return out
}

func classify(resp *http.Response) *provider.Error {
	raw := provider.ReadErrorBody(resp.Body)
	var body claudeErrorBody
	_ = json.Unmarshal(raw, &body)

	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	kind := provider.StatusKind(resp.StatusCode)
	switch body.Error.Type {
	case "authentication_error", "permission_error":
		kind = provider.KindAuthentication
	case "rate_limit_error":
		kind = provider.KindRateLimited
	case "billing_error":
		kind = provider.KindBalanceDepleted
	case "overloaded_error", "api_error":
		kind = provider.KindUnknown
	case "timeout_error":
		kind = provider.KindTimeout
	case "invalid_request_error", "not_found_error", "request_too_large":
		kind = provider.KindMalformedRequest
		if strings.Contains(strings.ToLower(msg), "credit balance") {
			kind = provider.KindBalanceDepleted
		}
	}

	e := provider.NewError(name, kind, resp.StatusCode, msg)
	e.ApplyRetryAfter(resp.Header)
	return e
}

func (p *ClaudeProvider) Name() string {
	return name
}
