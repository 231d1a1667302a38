package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// CheckForcedTool verifies that resp honors req.ForcedTool: it must contain a call
// to that tool whose input validates against the tool's schema. Any breach is a
// protocol_violation carrying the tokens the vendor billed.
func CheckForcedTool(req *Request, resp *Response) error {
	if req.ForcedTool == "" {
		return nil
	}
	withTokens := func(e *Error) error {
		e.InputTokens = resp.InputTokens
		e.OutputTokens = resp.OutputTokens
		return e
	}
	violation := func(format string, args ...any) error {
		return withTokens(NewError(resp.Provider, KindProtocolViolation, 0, fmt.Sprintf(format, args...)))
	}

	if resp.ToolCall == nil {
		return violation("expected call to %q, got plain text", req.ForcedTool)
	}
	if resp.ToolCall.Name != req.ForcedTool {
		return violation("expected call to %q, got %q", req.ForcedTool, resp.ToolCall.Name)
	}

	var input any
	if err := json.Unmarshal(resp.ToolCall.Input, &input); err != nil {
		return violation("tool input is not valid JSON: %v", err)
	}

	tool, ok := req.Tool(req.ForcedTool)
	if !ok || len(tool.Schema) == 0 {
		return nil
	}
	resolved, err := ResolveSchema(tool.Schema)
	if err != nil {
		return withTokens(NewError(resp.Provider, KindMalformedRequest, 0, fmt.Sprintf("invalid schema for tool %q: %v", tool.Name, err)))
	}
	if err := resolved.Validate(input); err != nil {
		return violation("tool input does not match schema: %v", err)
	}
	return nil
}

// ResolveSchema parses and resolves a tool's JSON Schema, references included.
func ResolveSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

// NewHTTPClient returns the client an adapter uses for every call. The timeout
// bounds the whole exchange, body included.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// ReadErrorBody reads at most 64KiB of an error response.
func ReadErrorBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	return body
}
