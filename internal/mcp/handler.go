package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// --------------------------------------------------------------------------
// Parameter extraction helpers
// --------------------------------------------------------------------------

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// requireInt extracts a required integer argument from the tool request.
func requireInt(request mcp.CallToolRequest, key string) (int, error) {
	val, err := request.RequireInt(key)
	if err != nil {
		return 0, fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// sourceIDs accepts either "a,b" or a single id.
func sourceIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// getParamsArg converts an object argument into request query parameters.
// Arrays become repeated values; everything else is formatted with %v.
func getParamsArg(request mcp.CallToolRequest, key string) url.Values {
	args := request.GetArguments()
	if args == nil {
		return nil
	}
	m, ok := args[key].(map[string]interface{})
	if !ok {
		return nil
	}
	params := make(url.Values, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case []interface{}:
			for _, item := range vv {
				params.Add(k, fmt.Sprint(item))
			}
		case string:
			params.Set(k, vv)
		default:
			params.Set(k, fmt.Sprint(vv))
		}
	}
	return params
}

// --------------------------------------------------------------------------
// Response builders
// --------------------------------------------------------------------------

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. Errors returned this way are
// visible to the LLM so it can self-correct; they do NOT terminate the MCP
// session.
func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}
