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

// EditFileTool replaces one exact occurrence of a text snippet.
type EditFileTool struct {
	ws *Workspace
}

func NewEditFileTool(ws *Workspace) *EditFileTool {
	return &EditFileTool{ws: ws}
}

func (t *EditFileTool) Name() string {
	return ToolNameEditFile
}

func (t *EditFileTool) Description() string {
	return "Replace an exact snippet of an existing file. old_text must match the current content exactly once unless replace_all is set. The file must have been read earlier in the session."
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit (relative to working directory)",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace, including whitespace",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
			"replace_all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence instead of exactly one",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Invoke(ctx context.Context, args json.RawMessage) Result {
	params, err := DecodeParams(args)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	abs, err := t.ws.Resolve(GetStringParam(params, "path", ""))
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	oldText := GetStringParam(params, "old_text", "")
	newText, hasNew := params["new_text"].(string)
	if oldText == "" || !hasNew {
		return Failure(CodeInvalidArguments, "old_text and new_text are required")
	}
	replaceAll := GetBoolParam(params, "replace_all", false)

	current, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure(CodeNotFound, "file not found: %s", t.ws.Rel(abs))
	}
	if err != nil {
		return Failure(CodeIO, "error reading file: %v", err)
	}
	if terr := t.ws.checkFresh(abs, current); terr != nil {
		return Result{Error: terr}
	}

	content := string(current)
	count := strings.Count(content, oldText)
	switch {
	case count == 0:
		return Failure(CodeNoMatch, "old_text not found in %s", t.ws.Rel(abs))
	case count > 1 && !replaceAll:
		return Failure(CodeNoMatch, "old_text matches %d times in %s; add context or set replace_all", count, t.ws.Rel(abs))
	}

	replaced := 1
	if replaceAll {
		replaced = count
	}
	updated := strings.Replace(content, oldText, newText, replaced)
	if err := t.ws.write(abs, []byte(updated)); err != nil {
		logger.Error("edit_file: error writing file: %v", err)
		return Failure(CodeIO, "error writing file: %v", err)
	}

	logger.Info("edit_file: updated %s (%d replacement(s))", abs, replaced)
	return Success(fmt.Sprintf("edited %s (%d replacement(s))", t.ws.Rel(abs), replaced))
}
