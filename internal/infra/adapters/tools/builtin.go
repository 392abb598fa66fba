// File: internal/infra/adapters/tools/builtin.go
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chat-context-service/internal/domain/ports/adapter"
)

type builtinTool struct {
	spec          adapter.ToolSpec
	needsApproval bool
	run           func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// BuiltinExecutor serves a small built-in tool set. File tools are rooted
// at the configured workspace and refuse paths that escape it.
type BuiltinExecutor struct {
	workspace   string
	autoApprove bool
	tools       map[string]builtinTool
}

var _ adapter.ToolExecutor = (*BuiltinExecutor)(nil)

func NewBuiltinExecutor(workspacePath string, autoApprove bool) *BuiltinExecutor {
	e := &BuiltinExecutor{
		workspace:   workspacePath,
		autoApprove: autoApprove,
		tools:       make(map[string]builtinTool),
	}
	e.register(builtinTool{
		spec: adapter.ToolSpec{
			Name:        "echo",
			Description: "Echo the provided text back.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		run: e.runEcho,
	})
	e.register(builtinTool{
		spec: adapter.ToolSpec{
			Name:        "current_time",
			Description: "Return the current UTC time in RFC 3339 format.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		run: e.runCurrentTime,
	})
	e.register(builtinTool{
		spec: adapter.ToolSpec{
			Name:        "read_file",
			Description: "Read a text file from the workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		needsApproval: true,
		run:           e.runReadFile,
	})
	e.register(builtinTool{
		spec: adapter.ToolSpec{
			Name:        "list_directory",
			Description: "List entries of a workspace directory.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		},
		needsApproval: true,
		run:           e.runListDirectory,
	})
	return e
}

func (e *BuiltinExecutor) register(t builtinTool) { e.tools[t.spec.Name] = t }

func (e *BuiltinExecutor) List(ctx context.Context) []adapter.ToolSpec {
	out := make([]adapter.ToolSpec, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t.spec)
	}
	return out
}

func (e *BuiltinExecutor) RequiresApproval(name string) bool {
	if e.autoApprove {
		return false
	}
	t, ok := e.tools[name]
	if !ok {
		// Unknown tools always gate on the user.
		return true
	}
	return t.needsApproval
}

func (e *BuiltinExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := e.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t.run(ctx, args)
}

// resolvePath confines p to the workspace.
func (e *BuiltinExecutor) resolvePath(p string) (string, error) {
	if e.workspace == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	full := filepath.Join(e.workspace, filepath.Clean("/"+p))
	rel, err := filepath.Rel(e.workspace, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return full, nil
}

func (e *BuiltinExecutor) runEcho(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("echo args: %w", err)
	}
	return json.Marshal(map[string]string{"text": in.Text})
}

func (e *BuiltinExecutor) runCurrentTime(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
}

func (e *BuiltinExecutor) runReadFile(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("read_file args: %w", err)
	}
	full, err := e.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.Path, err)
	}
	return json.Marshal(map[string]string{"path": in.Path, "content": string(b)})
}

func (e *BuiltinExecutor) runListDirectory(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("list_directory args: %w", err)
		}
	}
	full, err := e.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", in.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return json.Marshal(map[string]any{"path": in.Path, "entries": names})
}
