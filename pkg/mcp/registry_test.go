package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
)

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		in     string
		server string
		tool   string
		ok     bool
	}{
		{"weather.get_forecast", "weather", "get_forecast", true},
		{"graphiti.search_memory_facts", "graphiti", "search_memory_facts", true},
		{"a.b.c", "a", "b.c", true}, // split on the first dot only
		{"nodot", "", "", false},
		{".tool", "", "", false},
		{"server.", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			server, tool, ok := splitFullName(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.server, server)
			assert.Equal(t, tt.tool, tool)
		})
	}
}

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"plain text passes through", "just some text", ""},
		{"empty", "   ", ""},
		{"json object", `{"temperature": 18.5}`, ""},
		{"success false", `{"success": false, "error": "city not found"}`, "city not found"},
		{"success false without message", `{"success": false}`, "tool reported failure"},
		{"bare error field", `{"error": "rate limited"}`, "rate limited"},
		{"success true", `{"success": true, "data": 1}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errMsg := unwrapEnvelope(tt.raw)
			assert.Equal(t, tt.wantErr, errMsg)
		})
	}
}

func TestUnwrapEnvelopeDecodesJSON(t *testing.T) {
	output, errMsg := unwrapEnvelope(`{"temperature": 18.5, "city": "Berlin"}`)
	require.Empty(t, errMsg)
	obj, ok := output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 18.5, obj["temperature"])

	output, _ = unwrapEnvelope(`[1, 2, 3]`)
	assert.IsType(t, []interface{}{}, output)

	output, _ = unwrapEnvelope("not json at all")
	assert.Equal(t, "not json at all", output)
}

// offlineRegistry builds a registry with one registered, offline-free server
// state without spawning any process.
func offlineRegistry() *Registry {
	r := NewRegistry(config.MCP{})
	r.servers["weather"] = &serverState{
		spec:  config.MCPServer{Name: "weather", Transport: "stdio"},
		inUse: map[string]bool{},
		tools: []interfaces.ToolInfo{
			{Name: "get_forecast", FullName: "weather.get_forecast", Server: "weather", Description: "Forecast lookup"},
		},
		conn: nil,
	}
	r.order = []string{"weather"}
	return r
}

func TestCallToolErrorPaths(t *testing.T) {
	r := offlineRegistry()
	ctx := context.Background()

	res := r.CallTool(ctx, "malformed", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid tool name")

	res = r.CallTool(ctx, "missing.tool", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown server")

	// The server exists but has no live connection.
	res = r.CallTool(ctx, "weather.get_forecast", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "offline")
}

func TestHasToolAndFindTool(t *testing.T) {
	r := offlineRegistry()

	assert.True(t, r.HasTool("weather.get_forecast"))
	assert.False(t, r.HasTool("weather.unknown"))
	assert.False(t, r.HasTool("other.get_forecast"))
	assert.False(t, r.HasTool("nodot"))

	tool, ok := r.FindTool("forecast")
	require.True(t, ok)
	assert.Equal(t, "weather.get_forecast", tool.FullName)

	_, ok = r.FindTool("scrape", "crawl")
	assert.False(t, ok)
}

func TestStatusReportsOfflineServer(t *testing.T) {
	r := offlineRegistry()
	r.servers["weather"].offline = true

	status := r.Status()
	servers := status["servers"].(map[string]interface{})
	weather := servers["weather"].(map[string]interface{})
	assert.Equal(t, "offline", weather["status"])
}

func TestStatusReportsBusyTool(t *testing.T) {
	r := offlineRegistry()
	r.servers["weather"].inUse["get_forecast"] = true

	status := r.Status()
	servers := status["servers"].(map[string]interface{})
	weather := servers["weather"].(map[string]interface{})
	assert.Equal(t, "busy", weather["status"])

	tools := weather["tools"].([]map[string]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, true, tools[0]["in_use"])
}

func TestGetDetailedToolInfo(t *testing.T) {
	r := offlineRegistry()
	r.servers["weather"].tools[0].Schema = map[string]interface{}{
		"properties": map[string]interface{}{
			"city": map[string]interface{}{"type": "string", "description": "City name"},
			"unit": map[string]interface{}{"type": "string", "enum": []interface{}{"c", "f"}, "default": "c"},
		},
		"required": []interface{}{"city"},
	}

	info := r.GetDetailedToolInfo()
	assert.Contains(t, info, "## Server: weather")
	assert.Contains(t, info, "### weather.get_forecast")
	assert.Contains(t, info, "- city (string) (required): City name")
	assert.Contains(t, info, "[one of: c, f]")
	assert.Contains(t, info, "(default: c)")

	// Offline servers are left out of the catalog.
	r.servers["weather"].offline = true
	assert.Equal(t, "", strings.TrimSpace(r.GetDetailedToolInfo()))
}
