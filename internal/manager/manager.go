package manager

import (
	"fmt"
	"sort"
	"sync"

	"difflsp/internal/diff"
	"difflsp/internal/metrics"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("difflsp.manager")

type entry struct {
	path   string
	parsed *diff.ParsedDiff
}

// DiffManager caches the parsed diff for each open diff document. Entries
// are replaced wholesale and a *diff.ParsedDiff is never mutated once
// stored. The lock is held only for a lookup or a replace.
type DiffManager struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewDiffManager creates an empty DiffManager.
func NewDiffManager() *DiffManager {
	return &DiffManager{entries: make(map[string]entry)}
}

// Load reads and parses the diff file at path and stores the result for
// uri. A diff that fails to parse evicts any earlier entry for uri so no
// stale mapping survives.
func (dm *DiffManager) Load(uri, path string) (*diff.ParsedDiff, error) {
	parsed, err := diff.ParseFile(path)
	if err != nil {
		metrics.ParseFailures.Inc()
		dm.Release(uri)
		return nil, fmt.Errorf("load %s: %w", uri, err)
	}
	metrics.DiffsParsed.WithLabelValues(parsed.Dialect).Inc()
	dm.Put(uri, path, parsed)
	log.Debugf("loaded %s: %s diff, %d files, %d mapped lines",
		uri, parsed.Dialect, len(parsed.Filenames), len(parsed.Lines))
	return parsed, nil
}

// Reload re-parses the diff last loaded for uri.
func (dm *DiffManager) Reload(uri string) (*diff.ParsedDiff, error) {
	path, ok := dm.Path(uri)
	if !ok {
		return nil, fmt.Errorf("no diff loaded for %s", uri)
	}
	return dm.Load(uri, path)
}

// Get returns the cached diff for uri.
func (dm *DiffManager) Get(uri string) (*diff.ParsedDiff, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	e, ok := dm.entries[uri]
	return e.parsed, ok
}

// Put replaces the cached diff for uri.
func (dm *DiffManager) Put(uri, path string, parsed *diff.ParsedDiff) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.entries[uri] = entry{path: path, parsed: parsed}
	metrics.OpenDiffs.Set(float64(len(dm.entries)))
}

// Path returns the file the diff for uri was last read from.
func (dm *DiffManager) Path(uri string) (string, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	e, ok := dm.entries[uri]
	return e.path, ok
}

// URIs lists the cached documents in sorted order.
func (dm *DiffManager) URIs() []string {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	uris := make([]string, 0, len(dm.entries))
	for uri := range dm.entries {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// Release drops the cached diff for uri.
func (dm *DiffManager) Release(uri string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.entries, uri)
	metrics.OpenDiffs.Set(float64(len(dm.entries)))
}

// CloseAll drops every cached diff.
func (dm *DiffManager) CloseAll() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.entries = make(map[string]entry)
	metrics.OpenDiffs.Set(0)
}
