// Package discovery enumerates candidate domains that may impersonate a
// protected brand. Sources stream their findings, so the pipeline never has
// to know a batch size upfront.
package discovery

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Candidate is a domain surfaced by a source, before canonicalization, with
// the provenance that produced it.
type Candidate struct {
	Domain  string
	Source  string
	Keyword string
}

type Source interface {
	Name() string
	// Discover streams candidates to out until the source is exhausted or
	// the context is cancelled. It must not close out.
	Discover(ctx context.Context, out chan<- Candidate) error
}

// Merge fans all sources into a single stream. The returned channel is closed
// once every source has finished; a failing source is logged and does not
// stop the others.
func Merge(ctx context.Context, sources ...Source) <-chan Candidate {
	out := make(chan Candidate)

	wg := sync.WaitGroup{}
	wg.Add(len(sources))
	for _, src := range sources {
		go func(src Source) {
			defer wg.Done()
			if err := src.Discover(ctx, out); err != nil {
				log.Error().Str("source", src.Name()).Msgf("discovery failed: %s", err)
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func emit(ctx context.Context, out chan<- Candidate, c Candidate) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- c:
		return true
	}
}
