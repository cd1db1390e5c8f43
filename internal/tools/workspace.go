package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Workspace confines file tools to one directory and remembers which files
// were read, and in which state, so writes can refuse to clobber unseen or
// changed content.
type Workspace struct {
	root string

	mu   sync.Mutex
	read map[string]uint64
}

// NewWorkspace creates a workspace rooted at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	return &Workspace{root: abs, read: make(map[string]uint64)}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a tool supplied path to an absolute path inside the workspace.
func (w *Workspace) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", path)
	}
	return abs, nil
}

// Rel returns abs relative to the workspace root, for display.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// TrackRead records the content a tool returned for abs.
func (w *Workspace) TrackRead(abs string, content []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.read[abs] = xxhash.Sum64(content)
}

// checkFresh reports not_read when abs was never read and stale_content when
// it changed on disk since the last read or write.
func (w *Workspace) checkFresh(abs string, current []byte) *ToolError {
	w.mu.Lock()
	defer w.mu.Unlock()
	sum, ok := w.read[abs]
	if !ok {
		return &ToolError{Code: CodeNotRead, Message: fmt.Sprintf("%s was not read in this session; read it first", w.Rel(abs))}
	}
	if sum != xxhash.Sum64(current) {
		return &ToolError{Code: CodeStaleContent, Message: fmt.Sprintf("%s changed since it was last read", w.Rel(abs))}
	}
	return nil
}

// write stores data and treats the new content as read.
func (w *Workspace) write(abs string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return err
	}
	w.TrackRead(abs, data)
	return nil
}
