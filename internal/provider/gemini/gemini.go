package gemini

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

const name = "gemini"

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	ToolConfig        *toolConfig      `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string        `json:"text,omitempty"`
	InlineData   *inlineData   `json:"inlineData,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion"`
	ResponseID    string              `json:"responseId"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
			Reason     string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

func New(apiKey string, timeout time.Duration) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
		client:  provider.NewHTTPClient(timeout),
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(name, provider.KindMalformedRequest, 0, err.Error())
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(name, provider.KindMalformedRequest, 0, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, provider.DecodeError(name, resp.StatusCode, err)
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, provider.NewError(name, provider.KindNoResponse, resp.StatusCode, "response has no candidates")
	}

	cand := geminiResp.Candidates[0]
	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}
	out := &provider.Response{
		ID:           geminiResp.ResponseID,
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        model,
		Provider:     name,
		StopReason:   cand.FinishReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part.FunctionCall != nil && out.ToolCall == nil {
			out.ToolCall = &provider.ToolCall{Name: part.FunctionCall.Name, Input: part.FunctionCall.Args}
			continue
		}
		text.WriteString(part.Text)
	}
	out.Content = text.String()
	return out, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, m := range req.History {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	parts := []geminiPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &inlineData{
			MimeType: img.MediaType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	contents = append(contents, geminiContent{Role: "user", Parts: parts})

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Schema})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.ForcedTool != "" {
		out.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{req.ForcedTool},
		}}
	}
	return out
}

func classify(resp *http.Response) *provider.Error {
	raw := provider.ReadErrorBody(resp.Body)
	var body geminiErrorBody
	_ = json.Unmarshal(raw, &body)

	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	kind := provider.StatusKind(resp.StatusCode)
	switch body.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		kind = provider.KindAuthentication
	case "RESOURCE_EXHAUSTED":
		kind = provider.KindRateLimited
	case "DEADLINE_EXCEEDED":
		kind = provider.KindTimeout
	case "INTERNAL", "UNAVAILABLE":
		kind = provider.KindUnknown
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND":
		kind = provider.KindMalformedRequest
	}
	// Gemini reports a bad key as a 400 INVALID_ARGUMENT.
	for _, d := range body.Error.Details {
		if d.Reason == "API_KEY_INVALID" {
			kind = provider.KindAuthentication
		}
	}
	if strings.Contains(msg, "API key not valid") {
		kind = provider.KindAuthentication
	}
	if body.Error.Status == "FAILED_PRECONDITION" && strings.Contains(strings.ToLower(msg), "billing") {
		kind = provider.KindBalanceDepleted
	}

	e := provider.NewError(name, kind, resp.StatusCode, msg)
	e.ApplyRetryAfter(resp.Header)
	for _, d := range body.Error.Details {
		if strings.HasSuffix(d.Type, "RetryInfo") && d.RetryDelay != "" {
			if delay, err := time.ParseDuration(d.RetryDelay); err == nil {
				e.RetryAfter = delay
			}
		}
	}
	return e
}

func (p *GeminiProvider) Name() string {
	return name
}
