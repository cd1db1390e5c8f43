package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/codefionn/turnloop/internal/logger"
)

// WriteFileTool creates a file or replaces an existing one that was read.
type WriteFileTool struct {
	ws *Workspace
}

func NewWriteFileTool(ws *Workspace) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

func (t *WriteFileTool) Name() string {
	return ToolNameWriteFile
}

func (t *WriteFileTool) Description() string {
	return "Write the full content of a file. New files can be written directly; existing files must be read first."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to working directory)",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Complete new file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Invoke(ctx context.Context, args json.RawMessage) Result {
	params, err := DecodeParams(args)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	abs, err := t.ws.Resolve(GetStringParam(params, "path", ""))
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	content, ok := params["content"].(string)
	if !ok {
		return Failure(CodeInvalidArguments, "content is required")
	}

	current, err := os.ReadFile(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Failure(CodeIO, "error reading current file: %v", err)
	default:
		if terr := t.ws.checkFresh(abs, current); terr != nil {
			return Result{Error: terr}
		}
	}

	if err := t.ws.write(abs, []byte(content)); err != nil {
		logger.Error("write_file: error writing file: %v", err)
		return Failure(CodeIO, "error writing file: %v", err)
	}
	logger.Info("write_file: wrote %s (%d bytes)", abs, len(content))
	return Success("wrote " + t.ws.Rel(abs) + " (" + pluralLines(content) + ")")
}

func pluralLines(content string) string {
	n := strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		n++
	}
	if n == 1 {
		return "1 line"
	}
	return strconv.Itoa(n) + " lines"
}
