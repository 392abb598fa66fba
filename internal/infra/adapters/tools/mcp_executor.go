// File: internal/infra/adapters/tools/mcp_executor.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"chat-context-service/internal/domain/ports/adapter"
)

// MCPExecutor exposes the tools of an external MCP server. All MCP tools
// gate on user approval; the server is outside our trust boundary.
type MCPExecutor struct {
	session *mcp.ClientSession
	log     *zerolog.Logger

	mu    sync.Mutex
	specs []adapter.ToolSpec // cached after first List
}

var _ adapter.ToolExecutor = (*MCPExecutor)(nil)

// NewMCPExecutorHTTP connects to a streamable-HTTP MCP server.
func NewMCPExecutorHTTP(ctx context.Context, endpoint string, logger *zerolog.Logger) (*MCPExecutor, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "chat-context-service", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect %s: %w", endpoint, err)
	}
	return &MCPExecutor{session: session, log: logger}, nil
}

// NewMCPExecutorCommand launches an MCP server subprocess over stdio.
func NewMCPExecutorCommand(ctx context.Context, command string, args []string, logger *zerolog.Logger) (*MCPExecutor, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "chat-context-service", Version: "1.0.0"}, nil)
	cmd := exec.Command(command, args...)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp launch %s: %w", command, err)
	}
	return &MCPExecutor{session: session, log: logger}, nil
}

func (e *MCPExecutor) List(ctx context.Context) []adapter.ToolSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.specs != nil {
		return e.specs
	}

	result, err := e.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		e.log.Warn().Err(err).Msg("mcp tools/list failed")
		return nil
	}
	specs := make([]adapter.ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, adapter.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	e.specs = specs
	return specs
}

func (e *MCPExecutor) RequiresApproval(name string) bool { return true }

func (e *MCPExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("mcp arguments: %w", err)
		}
	}
	result, err := e.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", name, err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, fmt.Errorf("mcp tool %s: %s", name, text.String())
	}
	return json.Marshal(map[string]string{"result": text.String()})
}

func (e *MCPExecutor) Close() error {
	if e.session != nil {
		return e.session.Close()
	}
	return nil
}
