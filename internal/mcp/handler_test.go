package mcp

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestSourceIDs(t *testing.T) {
	got := sourceIDs(" roads , rivers")
	if len(got) != 2 || got[0] != "roads" || got[1] != "rivers" {
		t.Errorf("sourceIDs = %q", got)
	}
}

func TestGetParamsArg(t *testing.T) {
	req := callRequest(map[string]interface{}{
		"params": map[string]interface{}{
			"name":  "main",
			"lanes": float64(2),
			"kinds": []interface{}{"a", "b"},
			"paved": true,
		},
	})
	params := getParamsArg(req, "params")
	if params.Get("name") != "main" || params.Get("lanes") != "2" || params.Get("paved") != "true" {
		t.Errorf("params = %v", params)
	}
	if kinds := params["kinds"]; len(kinds) != 2 || kinds[1] != "b" {
		t.Errorf("kinds = %v", kinds)
	}

	if getParamsArg(callRequest(nil), "params") != nil {
		t.Error("expected nil without arguments")
	}
	if getParamsArg(callRequest(map[string]interface{}{"params": "x=1"}), "params") != nil {
		t.Error("expected nil for a non-object argument")
	}
}

func TestRequireHelpers(t *testing.T) {
	req := callRequest(map[string]interface{}{"source": "roads", "z": float64(4), "empty": ""})
	if v, err := requireString(req, "source"); err != nil || v != "roads" {
		t.Errorf("requireString = %q, %v", v, err)
	}
	if _, err := requireString(req, "empty"); err == nil {
		t.Error("empty string should count as missing")
	}
	if _, err := requireString(req, "missing"); err == nil {
		t.Error("expected error for missing key")
	}
	if v, err := requireInt(req, "z"); err != nil || v != 4 {
		t.Errorf("requireInt = %d, %v", v, err)
	}
	if _, err := requireInt(req, "x"); err == nil {
		t.Error("expected error for missing int")
	}
}

func TestAnnotations(t *testing.T) {
	ro := readOnlyAnnotation()
	if ro.ReadOnlyHint == nil || !*ro.ReadOnlyHint {
		t.Error("read-only annotation should set ReadOnlyHint")
	}
	mut := mutatingAnnotation()
	if mut.ReadOnlyHint == nil || *mut.ReadOnlyHint {
		t.Error("mutating annotation should clear ReadOnlyHint")
	}
	if mut.DestructiveHint == nil || *mut.DestructiveHint {
		t.Error("refresh is not destructive")
	}
}
