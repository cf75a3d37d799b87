package manifest

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kilnworks/kiln/internal/jexpr"
)

// Loader reads, evaluates, and validates manifest documents. Loads are
// deduplicated by absolute path, and a shared document cache extends
// the deduplication through @include: a file pulled in through @include
// and also loaded as a top-level manifest is only evaluated once.
//
// A Loader is safe for concurrent use; macro side effects (@exec,
// @latest) are isolated behind the injected Effects object.
type Loader struct {
	fx    jexpr.Effects
	cache *jexpr.DocCache

	mu      sync.Mutex
	entries map[string]*loadEntry
}

type loadEntry struct {
	once sync.Once
	m    *Manifest
	err  error
}

// NewLoader creates a Loader evaluating macros through fx.
func NewLoader(fx jexpr.Effects) *Loader {
	return &Loader{fx: fx, cache: jexpr.NewDocCache(), entries: make(map[string]*loadEntry)}
}

// Load reads the document at path, expands its macros and returns the
// typed manifest. Any evaluation or schema error aborts the load; no
// partial manifest is ever returned.
func (l *Loader) Load(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	l.mu.Lock()
	entry, ok := l.entries[abs]
	if !ok {
		entry = &loadEntry{}
		l.entries[abs] = entry
	}
	l.mu.Unlock()

	entry.once.Do(func() {
		entry.m, entry.err = l.load(abs)
	})
	return entry.m, entry.err
}

func (l *Loader) load(abs string) (*Manifest, error) {
	slog.Debug("loading manifest", "path", abs)

	doc, err := jexpr.EvalDocumentCached(abs, l.fx, l.cache)
	if err != nil {
		return nil, err
	}
	kind, err := Validate(doc, abs)
	if err != nil {
		return nil, err
	}
	m, err := decode(doc.(jexpr.Object), abs)
	if err != nil {
		return nil, &SchemaError{Path: abs, Message: err.Error()}
	}

	slog.Debug("manifest loaded", "id", m.Id, "kind", kind)
	return m, nil
}

// LoadAll loads every path concurrently and returns the manifests in
// input order. Manifests have no data dependency between them, so
// parallel loading is safe; the first error (in input order) wins.
func (l *Loader) LoadAll(paths []string) ([]*Manifest, error) {
	manifests := make([]*Manifest, len(paths))
	errs := make([]error, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			manifests[i], errs[i] = l.Load(path)
		}(i, path)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return manifests, nil
}
