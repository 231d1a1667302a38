package provider

import (
	"context"
	"encoding/json"
)

type Request struct {
	Model       string
	System      string
	Prompt      string
	Images      []Image
	History     []Message
	Tools       []Tool
	ForcedTool  string // when set, the vendor must answer with a call to this tool
	MaxTokens   int
	Temperature float64
	// Metadata for logging and tracing
	RequestID string
}

type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Image is raw image bytes with their MIME type, e.g. "image/png".
type Image struct {
	Data      []byte
	MediaType string
}

// Tool declares a function the model may call. Schema is a JSON Schema object
// describing the call's input.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type ToolCall struct {
	Name  string
	Input json.RawMessage
}

type Response struct {
	ID           string
	Content      string
	ToolCall     *ToolCall
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	StopReason   string
	LatencyMs    int64
}

// Provider is one vendor adapter. Complete performs a single call with no retries;
// failures are returned as *Error.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// Tool returns the declared tool with the given name.
func (r *Request) Tool(name string) (Tool, bool) {
	for _, t := range r.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
