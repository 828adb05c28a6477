// Package schema implements the Schema Tracker (spec §4.3): it samples a
// handful of documents per collection, computes the set of dotted key
// paths they expose, and reports growth against what it has previously
// seen. It never enforces a schema; its sole purpose is observability.
package schema

import (
	"sort"
	"sync"

	"github.com/docreplica/replicator/internal/model"
)

// SampleSize is K from spec §4.3: the number of documents sampled per
// collection to derive its key-path set.
const SampleSize = 5

// Change describes a schemaChange event payload (spec §4.3/§6).
type Change struct {
	Collection string
	NewKeys    []string
	TotalKeys  int
}

// Tracker holds the previously observed key-path set per collection. Zero
// value is ready to use.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{seen: map[string]map[string]struct{}{}}
}

// Observe samples up to SampleSize documents, computes their combined
// dotted key-path set, and diffs it against what this collection has
// previously shown. It returns (change, true) when new keys were
// discovered (additions only; removals are never reported, per spec
// §4.3 — within a process's lifetime, a collection's observed schema only
// grows).
func (t *Tracker) Observe(collection string, docs []model.Document) (Change, bool) {
	sample := docs
	if len(sample) > SampleSize {
		sample = sample[:SampleSize]
	}

	keys := map[string]struct{}{}
	for _, doc := range sample {
		collectKeyPaths(doc.Data, "", keys)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen == nil {
		t.seen = map[string]map[string]struct{}{}
	}
	existing := t.seen[collection]
	if existing == nil {
		existing = map[string]struct{}{}
	}

	var newKeys []string
	for k := range keys {
		if _, ok := existing[k]; !ok {
			newKeys = append(newKeys, k)
			existing[k] = struct{}{}
		}
	}
	t.seen[collection] = existing

	if len(newKeys) == 0 {
		return Change{}, false
	}
	sort.Strings(newKeys)
	return Change{
		Collection: collection,
		NewKeys:    newKeys,
		TotalKeys:  len(existing),
	}, true
}

// collectKeyPaths walks value, recording every dotted key path it finds.
// It descends into nested maps but not into arrays/slices, per spec §4.3.
func collectKeyPaths(value map[string]any, prefix string, out map[string]struct{}) {
	for k, v := range value {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		out[path] = struct{}{}
		if nested, ok := v.(map[string]any); ok {
			collectKeyPaths(nested, path, out)
		}
	}
}
