package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T, files map[string]string) *Workspace {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	ws, err := NewWorkspace(dir)
	require.NoError(t, err)
	return ws
}

func invoke(t *testing.T, tool Tool, args map[string]interface{}) Result {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	return tool.Invoke(context.Background(), data)
}

func TestWorkspaceResolve(t *testing.T) {
	ws := newTestWorkspace(t, nil)

	abs, err := ws.Resolve("sub/file.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), "sub", "file.go"), abs)
	assert.Equal(t, "sub/file.go", ws.Rel(abs))

	_, err = ws.Resolve("../escape.txt")
	assert.Error(t, err)
	_, err = ws.Resolve("")
	assert.Error(t, err)

	_, err = NewWorkspace(filepath.Join(ws.Root(), "missing"))
	assert.Error(t, err)
}

func TestReadFileTool(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"a.txt": "one\ntwo\nthree"})
	read := NewReadFileTool(ws)

	res := invoke(t, read, map[string]interface{}{"path": "a.txt"})
	require.False(t, res.Failed())
	assert.Equal(t, "one\ntwo\nthree", res.Output)

	res = invoke(t, read, map[string]interface{}{"path": "a.txt", "from_line": 2, "to_line": 2})
	assert.Equal(t, "[lines 2-2 of 3]\ntwo", res.Output)

	res = invoke(t, read, map[string]interface{}{"path": "missing.txt"})
	require.True(t, res.Failed())
	assert.Equal(t, CodeNotFound, res.Error.Code)
}

func TestReadFileRejectsBinary(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"blob.dat": "ab\x00cd", "tool.exe": "text"})
	read := NewReadFileTool(ws)

	for _, path := range []string{"blob.dat", "tool.exe"} {
		res := invoke(t, read, map[string]interface{}{"path": path})
		require.True(t, res.Failed(), path)
		assert.Equal(t, CodeBinary, res.Error.Code)
	}
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary("main.go", []byte("package main")))
	assert.True(t, IsBinary("image.PNG", nil))
	assert.True(t, IsBinary("data", []byte{'a', 0, 'b'}))
}

func TestEditFileRequiresFreshRead(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"main.go": "package main\n\nfunc main() {}\n"})
	edit := NewEditFileTool(ws)
	read := NewReadFileTool(ws)
	args := map[string]interface{}{"path": "main.go", "old_text": "func main() {}", "new_text": "func main() { run() }"}

	res := invoke(t, edit, args)
	require.True(t, res.Failed())
	assert.Equal(t, CodeNotRead, res.Error.Code)

	invoke(t, read, map[string]interface{}{"path": "main.go"})
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "main.go"), []byte("package main\n\nfunc main() {}\n// changed\n"), 0o644))

	res = invoke(t, edit, args)
	require.True(t, res.Failed())
	assert.Equal(t, CodeStaleContent, res.Error.Code)

	invoke(t, read, map[string]interface{}{"path": "main.go"})
	res = invoke(t, edit, args)
	require.False(t, res.Failed(), res.Payload())

	data, err := os.ReadFile(filepath.Join(ws.Root(), "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "func main() { run() }")

	// The tool's own write counts as a read.
	res = invoke(t, edit, map[string]interface{}{"path": "main.go", "old_text": "run()", "new_text": "start()"})
	assert.False(t, res.Failed(), res.Payload())
}

func TestEditFileNoMatch(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"a.txt": "x x"})
	invoke(t, NewReadFileTool(ws), map[string]interface{}{"path": "a.txt"})
	edit := NewEditFileTool(ws)

	res := invoke(t, edit, map[string]interface{}{"path": "a.txt", "old_text": "y", "new_text": "z"})
	require.True(t, res.Failed())
	assert.Equal(t, CodeNoMatch, res.Error.Code)

	res = invoke(t, edit, map[string]interface{}{"path": "a.txt", "old_text": "x", "new_text": "z"})
	require.True(t, res.Failed())
	assert.Contains(t, res.Error.Message, "matches 2 times")

	res = invoke(t, edit, map[string]interface{}{"path": "a.txt", "old_text": "x", "new_text": "z", "replace_all": true})
	require.False(t, res.Failed())
	assert.Contains(t, res.Output, "2 replacement(s)")
}

func TestWriteFileTool(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"old.txt": "keep"})
	write := NewWriteFileTool(ws)

	res := invoke(t, write, map[string]interface{}{"path": "new/dir/file.txt", "content": "a\nb\n"})
	require.False(t, res.Failed(), res.Payload())
	assert.Equal(t, "wrote new/dir/file.txt (2 lines)", res.Output)

	res = invoke(t, write, map[string]interface{}{"path": "old.txt", "content": "clobber"})
	require.True(t, res.Failed())
	assert.Equal(t, CodeNotRead, res.Error.Code)
}

func TestApplyDiffTool(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"numbers.txt": "1\n2\n3\n4\n"})
	invoke(t, NewReadFileTool(ws), map[string]interface{}{"path": "numbers.txt"})
	apply := NewApplyDiffTool(ws)

	patch := "--- a/numbers.txt\n+++ b/numbers.txt\n@@ -2,2 +2,3 @@\n 2\n+2.5\n 3\n"
	res := invoke(t, apply, map[string]interface{}{"diff": patch})
	require.False(t, res.Failed(), res.Payload())

	data, err := os.ReadFile(filepath.Join(ws.Root(), "numbers.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n2.5\n3\n4\n", string(data))

	bad := "--- a/numbers.txt\n+++ b/numbers.txt\n@@ -1,1 +1,1 @@\n-nine\n+ten\n"
	res = invoke(t, apply, map[string]interface{}{"diff": bad})
	require.True(t, res.Failed())
	assert.Equal(t, CodePatchFailed, res.Error.Code)
}

func TestDiffTargetPath(t *testing.T) {
	path, ok := DiffTargetPath("--- a/internal/x.go\n+++ b/internal/x.go\n@@ -1 +1 @@\n-a\n+b\n")
	require.True(t, ok)
	assert.Equal(t, "internal/x.go", path)

	_, ok = DiffTargetPath("@@ -1 +1 @@\n-a\n+b\n")
	assert.False(t, ok)
}

func TestListDirTool(t *testing.T) {
	ws := newTestWorkspace(t, map[string]string{"b.txt": "", "a/c.txt": ""})
	res := invoke(t, NewListDirTool(ws), map[string]interface{}{})
	require.False(t, res.Failed())
	assert.Equal(t, "a/\nb.txt", res.Output)

	assert.Len(t, WorkspaceTools(ws), 5)
}
