package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/codefionn/turnloop/internal/logger"
)

const maxReadLines = 2000

// ReadFileTool returns file content, optionally restricted to a line range.
type ReadFileTool struct {
	ws *Workspace
}

func NewReadFileTool(ws *Workspace) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

func (t *ReadFileTool) Name() string {
	return ToolNameReadFile
}

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace. Can read the entire file or a line range. At most 2000 lines are returned per call. Files must be read before they are edited."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read (relative to working directory)",
			},
			"from_line": map[string]interface{}{
				"type":        "integer",
				"description": "Starting line number (1-indexed, optional)",
			},
			"to_line": map[string]interface{}{
				"type":        "integer",
				"description": "Ending line number (1-indexed, optional)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Invoke(ctx context.Context, args json.RawMessage) Result {
	params, err := DecodeParams(args)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	abs, err := t.ws.Resolve(GetStringParam(params, "path", ""))
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	fromLine := GetIntParam(params, "from_line", 0)
	toLine := GetIntParam(params, "to_line", 0)

	logger.Debug("read_file: path=%s, from_line=%d, to_line=%d", abs, fromLine, toLine)

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure(CodeNotFound, "file not found: %s", t.ws.Rel(abs))
	}
	if err != nil {
		return Failure(CodeIO, "error reading file: %v", err)
	}
	if IsBinary(abs, data) {
		return Failure(CodeBinary, "%s is a binary file", t.ws.Rel(abs))
	}
	t.ws.TrackRead(abs, data)

	return Success(selectLines(string(data), fromLine, toLine))
}

func selectLines(content string, fromLine, toLine int) string {
	lines := strings.Split(content, "\n")
	if fromLine <= 0 {
		fromLine = 1
	}
	if toLine <= 0 || toLine > len(lines) {
		toLine = len(lines)
	}
	if toLine-fromLine+1 > maxReadLines {
		toLine = fromLine + maxReadLines - 1
	}
	if fromLine > toLine {
		return ""
	}
	selected := strings.Join(lines[fromLine-1:toLine], "\n")
	if fromLine == 1 && toLine == len(lines) {
		return selected
	}
	return fmt.Sprintf("[lines %d-%d of %d]\n%s", fromLine, toLine, len(lines), selected)
}
