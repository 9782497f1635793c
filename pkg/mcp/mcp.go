package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/interfaces"
	"github.com/conclave-ai/conclave/pkg/logging"
)

const clientName = "conclave"

// serverConn is one live MCP session, optionally owning a subprocess for
// http-transport servers spawned by the registry.
type serverConn struct {
	name    string
	session *mcp.ClientSession
	cmd     *exec.Cmd
	logger  logging.Logger
}

// connectStdio spawns the server command and connects over stdio. The SDK's
// command transport owns the subprocess lifecycle.
func connectStdio(ctx context.Context, spec config.MCPServer, logger logging.Logger) (*serverConn, error) {
	commandPath, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("command %q not found: %w", spec.Command, err)
	}

	// The subprocess must outlive the startup context.
	cmd := exec.Command(commandPath, spec.Args...)
	cmd.Env = append(os.Environ(), envList(spec.Env)...)

	// Capture stderr for diagnostics on failed handshakes.
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	transport := &mcp.CommandTransport{Command: cmd}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName,
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		logger.Error(ctx, "Failed to connect to stdio MCP server", map[string]interface{}{
			"server":  spec.Name,
			"command": spec.Command,
			"error":   err.Error(),
			"stderr":  stderrBuf.String(),
		})
		return nil, fmt.Errorf("stdio connect to %s failed: %w", spec.Name, err)
	}

	return &serverConn{name: spec.Name, session: session, logger: logger}, nil
}

// spawnHTTP launches the server command with its assigned port and connects
// over streamable HTTP once the server answers.
func spawnHTTP(ctx context.Context, spec config.MCPServer, port int, url string, logger logging.Logger) (*serverConn, error) {
	commandPath, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, fmt.Errorf("command %q not found: %w", spec.Command, err)
	}

	args := make([]string, 0, len(spec.Args))
	for _, a := range spec.Args {
		args = append(args, strings.ReplaceAll(a, "{port}", strconv.Itoa(port)))
	}

	cmd := exec.Command(commandPath, args...)
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(port))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	// The subprocess needs a moment to bind its port.
	var conn *serverConn
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		conn, lastErr = connectHTTP(ctx, spec.Name, url, logger)
		if lastErr == nil {
			conn.cmd = cmd
			return conn, nil
		}
	}

	_ = cmd.Process.Kill()
	return nil, fmt.Errorf("http connect to %s at %s failed: %w", spec.Name, url, lastErr)
}

// connectHTTP connects to an already-running server over streamable HTTP.
func connectHTTP(ctx context.Context, name, url string, logger logging.Logger) (*serverConn, error) {
	if logger == nil {
		logger = logging.New()
	}
	transport := &mcp.StreamableClientTransport{Endpoint: url}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName,
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("http connect to %s failed: %w", name, err)
	}
	return &serverConn{name: name, session: session, logger: logger}, nil
}

// listTools fetches the server's tool list with schemas decoded to maps.
func (c *serverConn) listTools(ctx context.Context) ([]interfaces.ToolInfo, error) {
	resp, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("tools/list on %s failed: %w", c.name, err)
	}

	tools := make([]interfaces.ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, interfaces.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

// callTool invokes a tool and returns the first text content block.
func (c *serverConn) callTool(ctx context.Context, name string, args map[string]interface{}) (text string, isError bool, err error) {
	resp, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", false, fmt.Errorf("tools/call %s on %s failed: %w", name, c.name, err)
	}

	for _, content := range resp.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			return tc.Text, resp.IsError, nil
		}
	}
	return "", resp.IsError, nil
}

func (c *serverConn) close() {
	if c.session != nil {
		_ = c.session.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}

// schemaToMap converts the SDK's schema value to a plain map.
func schemaToMap(schema interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
