// Package mcp manages the catalog of MCP tool servers: subprocess lifecycle,
// tool discovery, busy-state tracking, and the uniform tool result envelope.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
)

// serverState tracks one catalog entry at runtime.
type serverState struct {
	spec    config.MCPServer
	conn    *serverConn
	tools   []interfaces.ToolInfo
	inUse   map[string]bool
	offline bool
	port    int
}

// Registry owns every configured MCP server and routes tool calls to them.
type Registry struct {
	mu      sync.Mutex
	cfg     config.MCP
	logger  logging.Logger
	servers map[string]*serverState
	order   []string
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry for the given catalog.
func NewRegistry(cfg config.MCP, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  logging.New(),
		servers: make(map[string]*serverState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches or connects every catalog entry. A server that fails to
// start is marked offline and skipped; the rest of the registry comes up.
func (r *Registry) Start(ctx context.Context) error {
	for i, spec := range r.cfg.Servers {
		state := &serverState{spec: spec, inUse: make(map[string]bool)}

		port := spec.Port
		if port == 0 {
			port = r.cfg.BasePort + i
		}
		state.port = port

		conn, err := r.connect(ctx, spec, port)
		if err != nil {
			state.offline = true
			r.logger.Error(ctx, "MCP server failed to start", map[string]interface{}{
				"server": spec.Name,
				"error":  err.Error(),
			})
		} else {
			state.conn = conn
			tools, err := conn.listTools(ctx)
			if err != nil {
				r.logger.Error(ctx, "MCP tool discovery failed", map[string]interface{}{
					"server": spec.Name,
					"error":  err.Error(),
				})
				conn.close()
				state.conn = nil
				state.offline = true
			} else {
				for j := range tools {
					tools[j].Server = spec.Name
					tools[j].FullName = spec.Name + "." + tools[j].Name
				}
				state.tools = tools
				r.logger.Info(ctx, "MCP server ready", map[string]interface{}{
					"server": spec.Name,
					"tools":  len(tools),
				})
			}
		}

		r.mu.Lock()
		r.servers[spec.Name] = state
		r.order = append(r.order, spec.Name)
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) connect(ctx context.Context, spec config.MCPServer, port int) (*serverConn, error) {
	switch strings.ToLower(spec.Transport) {
	case "stdio":
		return connectStdio(ctx, spec, r.logger)
	case "http":
		url := spec.URL
		if url == "" {
			url = fmt.Sprintf("http://127.0.0.1:%d/mcp", port)
			return spawnHTTP(ctx, spec, port, url, r.logger)
		}
		return connectHTTP(ctx, spec.Name, url, nil)
	case "external":
		if spec.URL == "" {
			return nil, fmt.Errorf("external server %s has no url", spec.Name)
		}
		return connectHTTP(ctx, spec.Name, spec.URL, nil)
	default:
		return nil, fmt.Errorf("unknown transport %q for server %s", spec.Transport, spec.Name)
	}
}

// splitFullName splits "server.tool" on the first dot.
func splitFullName(fullName string) (server, tool string, ok bool) {
	idx := strings.Index(fullName, ".")
	if idx <= 0 || idx == len(fullName)-1 {
		return "", "", false
	}
	return fullName[:idx], fullName[idx+1:], true
}

// CallTool invokes server.tool and returns the uniform result envelope.
// The tool's busy flag is held for the duration of the call and cleared on
// every exit path.
func (r *Registry) CallTool(ctx context.Context, fullName string, args map[string]interface{}) interfaces.ToolResult {
	start := time.Now()
	fail := func(server, tool, msg string) interfaces.ToolResult {
		return interfaces.ToolResult{
			Success:              false,
			Server:               server,
			Tool:                 tool,
			Input:                args,
			ExecutionTimeSeconds: time.Since(start).Seconds(),
			Error:                msg,
		}
	}

	serverName, toolName, ok := splitFullName(fullName)
	if !ok {
		return fail("", fullName, fmt.Sprintf("invalid tool name %q, expected server.tool", fullName))
	}

	r.mu.Lock()
	state, exists := r.servers[serverName]
	if !exists {
		r.mu.Unlock()
		return fail(serverName, toolName, fmt.Sprintf("unknown server %q", serverName))
	}
	if state.offline || state.conn == nil {
		r.mu.Unlock()
		return fail(serverName, toolName, fmt.Sprintf("server %q is offline", serverName))
	}
	found := false
	for _, t := range state.tools {
		if t.Name == toolName {
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return fail(serverName, toolName, fmt.Sprintf("unknown tool %q on server %q", toolName, serverName))
	}
	state.inUse[toolName] = true
	conn := state.conn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(state.inUse, toolName)
		r.mu.Unlock()
	}()

	r.logger.Debug(ctx, "Calling MCP tool", map[string]interface{}{
		"server": serverName,
		"tool":   toolName,
		"args":   args,
	})

	raw, isError, err := conn.callTool(ctx, toolName, args)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		r.logger.Error(ctx, "MCP tool call failed", map[string]interface{}{
			"server": serverName,
			"tool":   toolName,
			"error":  err.Error(),
		})
		res := fail(serverName, toolName, err.Error())
		res.ExecutionTimeSeconds = elapsed
		return res
	}

	output, innerErr := unwrapEnvelope(raw)
	if isError || innerErr != "" {
		msg := innerErr
		if msg == "" {
			msg = fmt.Sprintf("%v", output)
		}
		res := fail(serverName, toolName, msg)
		res.Output = output
		res.ExecutionTimeSeconds = elapsed
		return res
	}

	return interfaces.ToolResult{
		Success:              true,
		Server:               serverName,
		Tool:                 toolName,
		Input:                args,
		Output:               output,
		ExecutionTimeSeconds: elapsed,
	}
}

// ListTools returns every registered tool across all online servers.
func (r *Registry) ListTools() []interfaces.ToolInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interfaces.ToolInfo
	for _, name := range r.order {
		state := r.servers[name]
		if state.offline {
			continue
		}
		out = append(out, state.tools...)
	}
	return out
}

// HasTool reports whether server.tool is registered and online.
func (r *Registry) HasTool(fullName string) bool {
	serverName, toolName, ok := splitFullName(fullName)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, exists := r.servers[serverName]
	if !exists || state.offline {
		return false
	}
	for _, t := range state.tools {
		if t.Name == toolName {
			return true
		}
	}
	return false
}

// FindTool returns the first registered tool whose name contains any of the
// given substrings. Used to locate search and scrape tools by capability.
func (r *Registry) FindTool(substrings ...string) (interfaces.ToolInfo, bool) {
	for _, t := range r.ListTools() {
		lower := strings.ToLower(t.Name)
		for _, s := range substrings {
			if strings.Contains(lower, s) {
				return t, true
			}
		}
	}
	return interfaces.ToolInfo{}, false
}

// ShouldUseTools reports whether any tool is available for the query.
func (r *Registry) ShouldUseTools(query string) bool {
	return len(r.ListTools()) > 0
}

// Status returns a point-in-time snapshot of every server and tool.
func (r *Registry) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	servers := make(map[string]interface{}, len(r.servers))
	for _, name := range r.order {
		state := r.servers[name]

		status := "available"
		busy := false
		for _, b := range state.inUse {
			if b {
				busy = true
				break
			}
		}
		if state.offline {
			status = "offline"
		} else if busy {
			status = "busy"
		}

		tools := make([]map[string]interface{}, 0, len(state.tools))
		for _, t := range state.tools {
			tools = append(tools, map[string]interface{}{
				"name":        t.Name,
				"full_name":   t.FullName,
				"description": t.Description,
				"in_use":      state.inUse[t.Name],
			})
		}

		servers[name] = map[string]interface{}{
			"status":    status,
			"transport": state.spec.Transport,
			"port":      state.port,
			"tools":     tools,
		}
	}

	return map[string]interface{}{"servers": servers}
}

// GetDetailedToolInfo renders the full tool catalog as markdown for use as
// LLM prompt context.
func (r *Registry) GetDetailedToolInfo() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, name := range r.order {
		state := r.servers[name]
		if state.offline || len(state.tools) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## Server: %s (port %d)\n\n", name, state.port)
		for _, t := range state.tools {
			fmt.Fprintf(&b, "### %s\n", t.FullName)
			if t.Description != "" {
				fmt.Fprintf(&b, "%s\n", t.Description)
			}
			writeSchemaParams(&b, t.Schema)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// writeSchemaParams renders a JSON schema's properties as a parameter list.
func writeSchemaParams(b *strings.Builder, schema map[string]interface{}) {
	if schema == nil {
		return
	}
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return
	}
	required := map[string]bool{}
	if req, ok := schema["required"].([]interface{}); ok {
		for _, v := range req {
			if s, ok := v.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("Parameters:\n")
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		line := fmt.Sprintf("- %s", name)
		if typ, ok := prop["type"].(string); ok {
			line += fmt.Sprintf(" (%s)", typ)
		}
		if required[name] {
			line += " (required)"
		}
		if desc, ok := prop["description"].(string); ok && desc != "" {
			line += ": " + desc
		}
		if enum, ok := prop["enum"].([]interface{}); ok && len(enum) > 0 {
			parts := make([]string, 0, len(enum))
			for _, e := range enum {
				parts = append(parts, fmt.Sprintf("%v", e))
			}
			line += fmt.Sprintf(" [one of: %s]", strings.Join(parts, ", "))
		}
		if def, ok := prop["default"]; ok {
			line += fmt.Sprintf(" (default: %v)", def)
		}
		b.WriteString(line + "\n")
	}
}

// Shutdown stops every server in reverse catalog order.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		r.mu.Lock()
		state := r.servers[order[i]]
		r.mu.Unlock()
		if state.conn != nil {
			state.conn.close()
		}
		r.logger.Info(ctx, "MCP server stopped", map[string]interface{}{
			"server": order[i],
		})
	}
}

// unwrapEnvelope extracts the payload from an MCP text content envelope.
// The first text block is JSON-decoded when possible; an inner
// {"success": false} or {"error": ...} object is reported as a failure.
func unwrapEnvelope(raw string) (output interface{}, errMsg string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ""
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return trimmed, ""
	}

	if obj, ok := decoded.(map[string]interface{}); ok {
		if success, ok := obj["success"].(bool); ok && !success {
			if msg, ok := obj["error"].(string); ok && msg != "" {
				return obj, msg
			}
			return obj, "tool reported failure"
		}
		if msg, ok := obj["error"].(string); ok && msg != "" {
			return obj, msg
		}
	}
	return decoded, ""
}
