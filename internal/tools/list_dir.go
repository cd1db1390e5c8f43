package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
)

const maxListEntries = 500

// ListDirTool lists the entries of a workspace directory.
type ListDirTool struct {
	ws *Workspace
}

func NewListDirTool(ws *Workspace) *ListDirTool {
	return &ListDirTool{ws: ws}
}

func (t *ListDirTool) Name() string {
	return ToolNameListDir
}

func (t *ListDirTool) Description() string {
	return "List files and directories in a workspace directory. Directories end with a slash."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (relative to working directory, default \".\")",
			},
		},
	}
}

func (t *ListDirTool) Invoke(ctx context.Context, args json.RawMessage) Result {
	params, err := DecodeParams(args)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	abs, err := t.ws.Resolve(GetStringParam(params, "path", "."))
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}

	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure(CodeNotFound, "directory not found: %s", t.ws.Rel(abs))
	}
	if err != nil {
		return Failure(CodeIO, "error listing directory: %v", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	truncated := len(names) > maxListEntries
	if truncated {
		names = names[:maxListEntries]
	}

	out := strings.Join(names, "\n")
	if truncated {
		out += "\n[truncated]"
	}
	return Success(out)
}

// WorkspaceTools returns the built-in file tools bound to ws.
func WorkspaceTools(ws *Workspace) []Tool {
	return []Tool{
		NewReadFileTool(ws),
		NewWriteFileTool(ws),
		NewEditFileTool(ws),
		NewApplyDiffTool(ws),
		NewListDirTool(ws),
	}
}
