// Package retrieval assembles bounded-token context packets: golden rules
// first, then domain- and tag-directed knowledge, then recency, with
// optional semantic ranking on top.
package retrieval

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"elfcore/internal/logging"
)

// goldenCacheTTL bounds how long a cached golden-rules read is reused; within
// it the file's mtime is still compared on every read.
const goldenCacheTTL = 300 * time.Second

// GoldenRules caches the tier-1 golden-rules file. The cache invalidates
// on TTL expiry, on mtime change, and eagerly when fsnotify reports a
// write to the file.
type GoldenRules struct {
	path string

	mu       sync.RWMutex
	content  string
	loadedAt time.Time
	mtime    time.Time

	group   singleflight.Group
	watcher *fsnotify.Watcher
}

// NewGoldenRules creates the cache and starts a best-effort file watcher.
func NewGoldenRules(path string) *GoldenRules {
	g := &GoldenRules{path: path}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(path); err == nil {
			g.watcher = watcher
			go g.watch()
		} else {
			watcher.Close()
		}
	}
	return g
}

func (g *GoldenRules) watch() {
	for {
		select {
		case ev, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				g.mu.Lock()
				g.loadedAt = time.Time{}
				g.mu.Unlock()
				logging.RetrievalDebug("Golden rules cache invalidated by %s", ev.Op)
			}
		case _, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the file watcher.
func (g *GoldenRules) Close() {
	if g.watcher != nil {
		g.watcher.Close()
	}
}

// Content returns the golden-rules markdown, reading through the cache.
// A missing file yields a stub header rather than an error.
func (g *GoldenRules) Content() string {
	g.mu.RLock()
	fresh := g.content != "" && time.Since(g.loadedAt) < goldenCacheTTL
	cached := g.content
	cachedMtime := g.mtime
	g.mu.RUnlock()

	if fresh {
		// TTL valid, but the file may still have been swapped underneath.
		if info, err := os.Stat(g.path); err == nil && info.ModTime().Equal(cachedMtime) {
			return cached
		}
	}

	content, _, _ := g.group.Do(g.path, func() (any, error) {
		data, err := os.ReadFile(g.path)
		if err != nil {
			if os.IsNotExist(err) {
				return "# Golden Rules\n\nNo golden rules have been established yet.\n", nil
			}
			logging.Get(logging.CategoryRetrieval).Warn("Failed to read golden rules: %v", err)
			return fmt.Sprintf("# Error Reading Golden Rules\n\nError: %v\n", err), nil
		}
		var mtime time.Time
		if info, err := os.Stat(g.path); err == nil {
			mtime = info.ModTime()
		}
		g.mu.Lock()
		g.content = string(data)
		g.loadedAt = time.Now()
		g.mtime = mtime
		g.mu.Unlock()
		logging.RetrievalDebug("Golden rules loaded (%d chars)", len(data))
		return string(data), nil
	})
	return content.(string)
}

var (
	ruleHeaderRe = regexp.MustCompile(`^## \d+\.`)
	categoryRe   = regexp.MustCompile(`\*\*Category:\*\*\s*(.+)`)
)

// FilterByCategory keeps only rule blocks whose **Category:** line matches
// one of the requested categories, preserving the file header, and
// appends the trailing filter note.
func FilterByCategory(content string, categories []string) string {
	if len(categories) == 0 {
		return content
	}

	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[strings.ToLower(strings.TrimSpace(c))] = true
	}

	var result []string
	var current []string
	inRule := false
	include := false
	headerEnded := false

	flush := func() {
		if inRule && include {
			result = append(result, current...)
		}
	}

	for _, line := range strings.Split(content, "\n") {
		switch {
		case ruleHeaderRe.MatchString(line):
			flush()
			inRule = true
			current = []string{line}
			include = false
			headerEnded = true
		case inRule:
			current = append(current, line)
			if m := categoryRe.FindStringSubmatch(line); m != nil {
				if wanted[strings.ToLower(strings.TrimSpace(m[1]))] {
					include = true
				}
			}
		case !headerEnded:
			result = append(result, line)
		}
	}
	flush()

	note := fmt.Sprintf("\n*[Filtered to categories: %s]*\n", strings.Join(categories, ", "))
	return strings.Join(result, "\n") + note
}

// Get returns the golden rules, optionally filtered by category.
func (g *GoldenRules) Get(categories []string) string {
	content := g.Content()
	if len(categories) == 0 {
		return content
	}
	return FilterByCategory(content, categories)
}
