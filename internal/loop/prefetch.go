package loop

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/codefionn/turnloop/internal/logger"
	"golang.org/x/sync/singleflight"
)

// DefaultPrefetchEntries bounds the prefetch cache.
const DefaultPrefetchEntries = 64

const prefetchTimeout = 5 * time.Second

// maxCarry bounds the unfinished word kept between text deltas.
const maxCarry = 1024

// ReadFunc loads a file for the prefetch cache.
type ReadFunc func(ctx context.Context, path string) (string, error)

// pathPattern matches relative file paths with an extension, e.g.
// "internal/loop/loop.go" or "README.md".
var pathPattern = regexp.MustCompile(`(?:[A-Za-z0-9_.-]+/)*[A-Za-z0-9_-][A-Za-z0-9_.-]*\.[A-Za-z][A-Za-z0-9]{0,7}\b`)

// Prefetcher warms a small cache with files mentioned in streamed text.
// Reads run on background goroutines, never touch the conversation or the
// failure tracker, and their errors are dropped.
type Prefetcher struct {
	read  ReadFunc
	limit int

	group singleflight.Group
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cache  map[string]string
	order  []string
	carry  string
	closed bool
	log    *logger.Logger
}

// NewPrefetcher creates a prefetcher holding at most limit files.
func NewPrefetcher(read ReadFunc, limit int) *Prefetcher {
	if limit <= 0 {
		limit = DefaultPrefetchEntries
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		read:   read,
		limit:  limit,
		ctx:    ctx,
		cancel: cancel,
		cache:  make(map[string]string),
		log:    logger.Global().WithPrefix("prefetch"),
	}
}

// Observe scans streamed text for file paths and schedules reads for new
// ones. Text after the last whitespace may continue in the next call, so it
// is held back until more text arrives or Flush is called.
func (p *Prefetcher) Observe(text string) {
	p.mu.Lock()
	text = p.carry + text
	cut := strings.LastIndexFunc(text, unicode.IsSpace)
	p.carry = text[cut+1:]
	text = text[:cut+1]
	if len(p.carry) > maxCarry {
		text, p.carry = text+p.carry, ""
	}
	p.mu.Unlock()

	p.scan(text)
}

// Flush scans the text held back by Observe. Call it when a stream ends.
func (p *Prefetcher) Flush() {
	p.mu.Lock()
	text := p.carry
	p.carry = ""
	p.mu.Unlock()

	p.scan(text)
}

// Discard drops the text held back by Observe without scanning it.
func (p *Prefetcher) Discard() {
	p.mu.Lock()
	p.carry = ""
	p.mu.Unlock()
}

func (p *Prefetcher) scan(text string) {
	for _, path := range pathPattern.FindAllString(text, -1) {
		path = strings.TrimSuffix(path, ".")
		if path == "" || strings.Contains(path, "..") {
			continue
		}
		p.Prefetch(path)
	}
}

// Prefetch schedules a background read of path unless it is cached.
func (p *Prefetcher) Prefetch(path string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.cache[path]; ok {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		_, _, _ = p.group.Do(path, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(p.ctx, prefetchTimeout)
			defer cancel()
			content, err := p.read(ctx, path)
			if err != nil {
				p.log.Debug("prefetch of %s skipped: %v", path, err)
				return nil, nil
			}
			p.store(path, content)
			return nil, nil
		})
	}()
}

func (p *Prefetcher) store(path, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.cache[path]; !ok {
		p.order = append(p.order, path)
	}
	p.cache[path] = content
	for len(p.order) > p.limit {
		delete(p.cache, p.order[0])
		p.order = p.order[1:]
	}
}

// Get returns a cached file.
func (p *Prefetcher) Get(path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.cache[path]
	return content, ok
}

// Len returns the number of cached files.
func (p *Prefetcher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// Wait blocks until every scheduled read has finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Close cancels outstanding reads and waits for their goroutines.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
