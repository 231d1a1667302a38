package openai

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

const name = "openai"

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  *toolChoice     `json:"tool_choice,omitempty"`
}

// openAIMessage content is a plain string, or a list of parts when images are attached.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function functionSchema `json:"function"`
}

type functionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolChoice struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name string `json:"name"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func New(apiKey string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		client:  provider.NewHTTPClient(timeout),
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, provider.NewError(name, provider.KindMalformedRequest, 0, err.Error())
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, provider.NewError(name, provider.KindMalformedRequest, 0, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp)
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, provider.DecodeError(name, resp.StatusCode, err)
	}
	if len(openAIResp.Choices) == 0 {
		return nil, provider.NewError(name, provider.KindNoResponse, resp.StatusCode, "response has no choices")
	}

	choice := openAIResp.Choices[0]
	out := &provider.Response{
		ID:           openAIResp.ID,
		InputTokens:  openAIResp.Usage.PromptTokens,
		OutputTokens: openAIResp.Usage.CompletionTokens,
		Model:        openAIResp.Model,
		Provider:     name,
		StopReason:   choice.FinishReason,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	if len(choice.Message.ToolCalls) > 0 {
		fn := choice.Message.ToolCalls[0].Function
		out.ToolCall = &provider.ToolCall{Name: fn.Name, Input: json.RawMessage(fn.Arguments)}
	}
	if out.Content == "" && out.ToolCall == nil {
		return nil, provider.NewError(name, provider.KindNoResponse, resp.StatusCode, "response has neither content nor tool call")
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, openAIMessage{Role: role, Content: m.Content})
	}

	if len(req.Images) == 0 {
		messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := []contentPart{{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			uri := "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: uri}})
		}
		messages = append(messages, openAIMessage{Role: "user", Content: parts})
	}

	out := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: functionSchema{Name: t.Name, Description: t.Description, Parameters: t.Schema},
		})
	}
	if req.ForcedTool != "" {
		out.ToolChoice = &toolChoice{Type: "function", Function: toolFunction{Name: req.ForcedTool}}
	}
	return out
}

func classify(resp *http.Response) *provider.Error {
	raw := provider.ReadErrorBody(resp.Body)
	var body openAIErrorBody
	_ = json.Unmarshal(raw, &body)

	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	code, _ := body.Error.Code.(string)

	kind := provider.StatusKind(resp.StatusCode)
	switch {
	case code == "insufficient_quota" || body.Error.Type == "insufficient_quota" || code == "billing_hard_limit_reached":
		kind = provider.KindBalanceDepleted
	case code == "invalid_api_key" || body.Error.Type == "authentication_error":
		kind = provider.KindAuthentication
	case code == "rate_limit_exceeded":
		kind = provider.KindRateLimited
	case body.Error.Type == "invalid_request_error" && kind == provider.KindUnknown:
		kind = provider.KindMalformedRequest
	}

	e := provider.NewError(name, kind, resp.StatusCode, msg)
	e.ApplyRetryAfter(resp.Header)
	return e
}

func (p *OpenAIProvider) Name() string {
	return name
}
