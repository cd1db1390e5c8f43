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
	"github.com/sourcegraph/go-diff/diff"
)

// ApplyDiffTool applies a unified diff to an existing file.
type ApplyDiffTool struct {
	ws *Workspace
}

func NewApplyDiffTool(ws *Workspace) *ApplyDiffTool {
	return &ApplyDiffTool{ws: ws}
}

func (t *ApplyDiffTool) Name() string {
	return ToolNameApplyDiff
}

func (t *ApplyDiffTool) Description() string {
	return "Update an existing file by applying a unified diff with file headers and hunk markers. The file must have been read earlier in the session."
}

func (t *ApplyDiffTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to update; defaults to the +++ header of the diff",
			},
			"diff": map[string]interface{}{
				"type": "string",
				"description": `Unified diff describing the change, for example:

--- a/numbers.txt
+++ b/numbers.txt
@@ -3,3 +3,4 @@
 2
 3
+3.5
 4
`,
			},
		},
		"required": []string{"diff"},
	}
}

func (t *ApplyDiffTool) Invoke(ctx context.Context, args json.RawMessage) Result {
	params, err := DecodeParams(args)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}
	diffText := GetStringParam(params, "diff", "")
	if diffText == "" {
		return Failure(CodeInvalidArguments, "diff is required")
	}
	path := GetStringParam(params, "path", "")
	if path == "" {
		path, _ = DiffTargetPath(diffText)
	}
	abs, err := t.ws.Resolve(path)
	if err != nil {
		return Failure(CodeInvalidArguments, "%v", err)
	}

	logger.Debug("apply_diff: path=%s", abs)

	current, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure(CodeNotFound, "cannot apply diff to non-existent file: %s (use write_file instead)", t.ws.Rel(abs))
	}
	if err != nil {
		return Failure(CodeIO, "error reading current file: %v", err)
	}
	if terr := t.ws.checkFresh(abs, current); terr != nil {
		return Result{Error: terr}
	}

	updated, err := applyUnifiedDiff(string(current), diffText)
	if err != nil {
		return Failure(CodePatchFailed, "%v", err)
	}
	if err := t.ws.write(abs, []byte(updated)); err != nil {
		logger.Error("apply_diff: error writing file: %v", err)
		return Failure(CodeIO, "error writing file: %v", err)
	}

	logger.Info("apply_diff: updated %s (%d bytes)", abs, len(updated))
	return Success(fmt.Sprintf("patched %s (%d bytes)", t.ws.Rel(abs), len(updated)))
}

// DiffTargetPath extracts the file a unified diff applies to, preferring the
// new name and stripping the conventional a/ and b/ prefixes.
func DiffTargetPath(diffText string) (string, bool) {
	fd, err := diff.ParseFileDiff([]byte(withHeaders(diffText)))
	if err != nil {
		return "", false
	}
	for _, name := range []string{fd.NewName, fd.OrigName} {
		name = strings.TrimSpace(name)
		for _, prefix := range []string{"a/", "b/"} {
			if strings.HasPrefix(name, prefix) {
				name = name[len(prefix):]
				break
			}
		}
		if name == "" || name == "/dev/null" || name == "file" {
			continue
		}
		return name, true
	}
	return "", false
}

// withHeaders adds placeholder file headers to a bare hunk list.
func withHeaders(diffText string) string {
	if !strings.HasPrefix(diffText, "---") && !strings.HasPrefix(diffText, "diff ") {
		return "--- a/file\n+++ b/file\n" + diffText
	}
	return diffText
}

// applyUnifiedDiff applies the hunks of diffText to original. Context and
// removed lines must match the original exactly.
func applyUnifiedDiff(original, diffText string) (string, error) {
	fileDiff, err := diff.ParseFileDiff([]byte(withHeaders(diffText)))
	if err != nil {
		return "", fmt.Errorf("failed to parse unified diff: %w", err)
	}
	if len(fileDiff.Hunks) == 0 {
		return "", fmt.Errorf("diff contains no hunks")
	}

	originalLines := strings.Split(original, "\n")
	result := make([]string, 0, len(originalLines))
	cur := 0

	for i, hunk := range fileDiff.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start < cur {
			return "", fmt.Errorf("hunk %d overlaps the previous hunk", i+1)
		}
		for cur < start && cur < len(originalLines) {
			result = append(result, originalLines[cur])
			cur++
		}

		for _, line := range strings.Split(strings.TrimSuffix(string(hunk.Body), "\n"), "\n") {
			if line == "" {
				line = " "
			}
			switch line[0] {
			case ' ', '-':
				if cur >= len(originalLines) || originalLines[cur] != line[1:] {
					return "", fmt.Errorf("hunk %d does not match line %d: want %q", i+1, cur+1, line[1:])
				}
				if line[0] == ' ' {
					result = append(result, originalLines[cur])
				}
				cur++
			case '+':
				result = append(result, line[1:])
			case '\\':
				// "\ No newline at end of file"
			default:
				return "", fmt.Errorf("hunk %d has an invalid line %q", i+1, line)
			}
		}
	}

	result = append(result, originalLines[cur:]...)
	return strings.Join(result, "\n"), nil
}
