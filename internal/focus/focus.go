// Package focus follows which file the user is working on by watching write
// events under the working directory.
package focus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codefionn/turnloop/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// skippedDirs are never watched.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".cache":       true,
}

// Tracker reports the most recently written file through a callback.
type Tracker struct {
	root     string
	watcher  *fsnotify.Watcher
	onChange func(rel string)
	ignore   *ignoreRules

	mu   sync.Mutex
	last string

	stop chan struct{}
	done chan struct{}
	once sync.Once
	log  *logger.Logger
}

// New starts watching root and its subdirectories. onChange receives paths
// relative to root; it runs on the watcher goroutine.
func New(root string, onChange func(rel string)) (*Tracker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	t := &Tracker{
		root:     abs,
		watcher:  watcher,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.Global().WithPrefix("focus"),
	}
	if t.ignore, err = loadIgnore(abs); err != nil {
		t.log.Warn("ignoring .gitignore: %v", err)
	}
	if err := t.addTree(abs); err != nil {
		watcher.Close()
		return nil, err
	}

	go t.run()
	return t, nil
}

func (t *Tracker) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != t.root && t.skipDir(path, d.Name()) {
			return filepath.SkipDir
		}
		if err := t.watcher.Add(path); err != nil {
			t.log.Warn("cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (t *Tracker) skipDir(path, name string) bool {
	if skippedDirs[name] || strings.HasPrefix(name, ".") {
		return true
	}
	rel, err := filepath.Rel(t.root, path)
	return err == nil && t.ignore.ignored(rel, true)
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("watcher error: %v", err)
		}
	}
}

func (t *Tracker) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := t.addTree(event.Name); err != nil && !errors.Is(err, fs.ErrNotExist) {
				t.log.Debug("cannot watch new directory %s: %v", event.Name, err)
			}
		}
		return
	}

	rel, err := filepath.Rel(t.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if t.ignore.ignored(rel, false) {
		return
	}

	t.mu.Lock()
	changed := t.last != rel
	t.last = rel
	t.mu.Unlock()

	if changed {
		t.log.Debug("focus moved to %s", rel)
		if t.onChange != nil {
			t.onChange(rel)
		}
	}
}

// Last returns the most recently written file, relative to the root.
func (t *Tracker) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Close stops the watcher and waits for its goroutine.
func (t *Tracker) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		err = t.watcher.Close()
		<-t.done
	})
	return err
}
