package domains

import (
	"fmt"
	"sync"
	"time"
)

// Admission is the outcome of registering a candidate with the index.
type Admission int

const (
	// Admitted means the domain has not been assessed within the freshness
	// window and enters the pipeline.
	Admitted Admission = iota
	// DuplicateFresh means a sufficiently recent verdict from the current
	// model version exists; the caller must reuse it instead of
	// re-processing.
	DuplicateFresh
	// DuplicateStale means a verdict exists but the freshness window has
	// elapsed or the model version changed; the domain re-enters the
	// pipeline, reusing its provenance.
	DuplicateStale
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case DuplicateFresh:
		return "duplicate-fresh"
	case DuplicateStale:
		return "duplicate-stale"
	}
	return fmt.Sprintf("admission(%d)", int(a))
}

// ContractErr indicates a non-canonical domain reached the index. This is a
// programming error of the caller and must not be absorbed.
type ContractErr struct {
	Domain string
}

func (err ContractErr) Error() string {
	return fmt.Sprintf("non-canonical domain reached the index: %q", err.Domain)
}

type indexKey struct {
	brand string
	fqdn  string
}

type indexEntry struct {
	pending      bool
	lastVerdict  time.Time
	modelVersion string
}

// Stamp records when a verdict was produced and by which model version.
type Stamp struct {
	At           time.Time
	ModelVersion string
}

// Index tracks which (brand, domain) pairs have been assessed, when, and by
// which model version. A verdict is only fresh while both hold: it falls
// inside the window and was scored by the version the index was built for.
// Register performs a single compare-and-insert under one lock, so two
// workers discovering the same domain concurrently admit it exactly once.
type Index struct {
	m       sync.Mutex
	window  time.Duration
	version string
	seen    map[indexKey]indexEntry
	now     func() time.Time
}

func NewIndex(window time.Duration, modelVersion string) *Index {
	return &Index{
		window:  window,
		version: modelVersion,
		seen:    make(map[indexKey]indexEntry),
		now:     time.Now,
	}
}

// Warm seeds the index with verdict stamps persisted by earlier scans.
func (ix *Index) Warm(brand string, verdicts map[string]Stamp) {
	ix.m.Lock()
	defer ix.m.Unlock()
	for fqdn, st := range verdicts {
		ix.seen[indexKey{brand, fqdn}] = indexEntry{
			lastVerdict:  st.At,
			modelVersion: st.ModelVersion,
		}
	}
}

// Register admits a canonical domain, atomically inserting a pending marker
// when the outcome is Admitted or DuplicateStale.
func (ix *Index) Register(brand, fqdn string) (Admission, error) {
	if canon, err := Canonicalize(fqdn); err != nil || canon != fqdn {
		return 0, ContractErr{fqdn}
	}

	ix.m.Lock()
	defer ix.m.Unlock()

	k := indexKey{brand, fqdn}
	e, ok := ix.seen[k]
	if !ok {
		ix.seen[k] = indexEntry{pending: true}
		return Admitted, nil
	}
	if e.pending {
		// another worker owns this pair right now
		return DuplicateFresh, nil
	}
	if ix.now().Sub(e.lastVerdict) < ix.window && e.modelVersion == ix.version {
		return DuplicateFresh, nil
	}
	e.pending = true
	ix.seen[k] = e
	return DuplicateStale, nil
}

// Complete clears the pending marker and records when the verdict was
// produced and by which model version.
func (ix *Index) Complete(brand, fqdn string, at time.Time, modelVersion string) {
	ix.m.Lock()
	defer ix.m.Unlock()

	k := indexKey{brand, fqdn}
	e := ix.seen[k]
	e.pending = false
	e.lastVerdict = at
	e.modelVersion = modelVersion
	ix.seen[k] = e
}

// Release rolls back a pending admission that never reached a verdict, e.g.
// when the scan is cancelled before the domain is picked up.
func (ix *Index) Release(brand, fqdn string) {
	ix.m.Lock()
	defer ix.m.Unlock()

	k := indexKey{brand, fqdn}
	e, ok := ix.seen[k]
	if !ok {
		return
	}
	if e.lastVerdict.IsZero() {
		delete(ix.seen, k)
		return
	}
	e.pending = false
	ix.seen[k] = e
}
