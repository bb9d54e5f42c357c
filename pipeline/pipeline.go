// Package pipeline orchestrates a scan: it admits discovered candidates
// through the dedup index, walks each one through enrichment, classification
// and optional evidence capture, and persists exactly one verdict per
// (scan, domain) pair.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cse-watch/phishmon/capture"
	"github.com/cse-watch/phishmon/classify"
	"github.com/cse-watch/phishmon/discovery"
	"github.com/cse-watch/phishmon/domains"
	"github.com/cse-watch/phishmon/enrich"
	"github.com/cse-watch/phishmon/generic"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Config struct {
	Workers          int              `yaml:"workers"`
	CaptureThreshold float64          `yaml:"capture-threshold"`
	PersistRetries   int              `yaml:"persist-retries"`
	PersistBackoff   generic.Duration `yaml:"persist-backoff"`
}

var DefaultConfig = Config{
	Workers:          8,
	CaptureThreshold: 0.7,
	PersistRetries:   2,
	PersistBackoff:   generic.Duration(500 * time.Millisecond),
}

// Verdict is the terminal outcome for one domain in one scan.
type Verdict struct {
	ScanId  string
	Brand   string
	Fqdn    string
	Source  string
	Keyword string

	Stage    Stage
	FailedAt Stage
	Note     string

	Record   *enrich.Record
	Result   *classify.Result
	Artifact *capture.Artifact

	CompletedAt time.Time
}

// VerdictWriter persists verdicts. Persist must be idempotent on
// (scan id, fqdn) so that a crashed-and-resumed scan can replay safely.
type VerdictWriter interface {
	Persist(ctx context.Context, v *Verdict) error
	LastVerdict(ctx context.Context, brand, fqdn string) (*Verdict, error)
}

type Enricher interface {
	Enrich(ctx context.Context, fqdn string) (*enrich.Record, error)
}

type Scorer interface {
	Classify(rec *enrich.Record, fqdn string) classify.Result
}

type Capturer interface {
	Capture(ctx context.Context, fqdn string) *capture.Artifact
}

// Metrics receives per-stage counters; the store's influx service satisfies it.
type Metrics interface {
	StageHit(stage string, count int)
}

type nopMetrics struct{}

func (nopMetrics) StageHit(string, int) {}

var NopMetrics Metrics = nopMetrics{}

// Summary counts how a scan batch ended. The batch is complete when every
// admitted candidate reached a terminal stage.
type Summary struct {
	ScanId     string
	Admitted   int
	Duplicates int
	Rescored   int
	Skipped    int
	Finalized  int
	Failed     int
	Captured   int
}

type Orchestrator struct {
	conf       Config
	index      *domains.Index
	enricher   Enricher
	scorer     Scorer
	capturer   Capturer
	writer     VerdictWriter
	metrics    Metrics
	onProgress func(*Verdict)

	mu      sync.Mutex
	summary Summary
}

func NewOrchestrator(conf Config, index *domains.Index, e Enricher, s Scorer, c Capturer, w VerdictWriter) *Orchestrator {
	return &Orchestrator{
		conf:     conf,
		index:    index,
		enricher: e,
		scorer:   s,
		capturer: c,
		writer:   w,
		metrics:  NopMetrics,
	}
}

func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithProgress registers a callback invoked once per terminal verdict,
// including short-circuited duplicates.
func (o *Orchestrator) WithProgress(fn func(*Verdict)) *Orchestrator {
	o.onProgress = fn
	return o
}

// Run drains the candidate stream for one scan. Cancelling ctx stops
// admission of new candidates; work already admitted runs to completion, so
// the returned summary is always consistent with what was persisted.
// An empty scanId gets a generated one.
func (o *Orchestrator) Run(ctx context.Context, scanId, brand string, candidates <-chan discovery.Candidate) (Summary, error) {
	if scanId == "" {
		scanId = uuid.New().String()
	}
	o.mu.Lock()
	o.summary = Summary{ScanId: scanId}
	o.mu.Unlock()

	sem := semaphore.NewWeighted(int64(o.conf.Workers))
	wg := sync.WaitGroup{}

	// workers never see the scan context: admission is the only
	// cancellation point, in-flight candidates run to completion
	workCtx := context.Background()

	for c := range candidates {
		if ctx.Err() != nil {
			log.Info().Str("scan", scanId).Msg("scan cancelled, admission stopped")
			break
		}

		fqdn, err := domains.Canonicalize(c.Domain)
		if err != nil {
			log.Debug().Str("domain", c.Domain).Msgf("skipping candidate: %s", err)
			o.count(func(s *Summary) { s.Skipped++ })
			continue
		}

		admission, err := o.index.Register(brand, fqdn)
		if err != nil {
			log.Error().Str("fqdn", fqdn).Msgf("failed to register candidate: %s", err)
			o.count(func(s *Summary) { s.Skipped++ })
			continue
		}

		source, keyword := c.Source, c.Keyword
		switch admission {
		case domains.DuplicateFresh:
			o.count(func(s *Summary) { s.Duplicates++ })
			o.shortCircuit(workCtx, brand, fqdn)
			continue
		case domains.DuplicateStale:
			o.count(func(s *Summary) { s.Rescored++ })
			// a re-scored domain keeps the provenance of its first
			// discovery, not that of the candidate that re-surfaced it
			if prev, err := o.writer.LastVerdict(workCtx, brand, fqdn); err == nil {
				source, keyword = prev.Source, prev.Keyword
			}
		}
		o.count(func(s *Summary) { s.Admitted++ })

		if err := sem.Acquire(workCtx, 1); err != nil {
			o.index.Release(brand, fqdn)
			return o.snapshot(), err
		}

		t := &task{
			scanId:    scanId,
			brand:     brand,
			fqdn:      fqdn,
			source:    source,
			keyword:   keyword,
			stage:     StageDiscovered,
			startedAt: time.Now(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			o.process(workCtx, t)
		}()
	}

	wg.Wait()
	return o.snapshot(), nil
}

// shortCircuit emits the stored verdict for a fresh duplicate without
// re-processing the domain.
func (o *Orchestrator) shortCircuit(ctx context.Context, brand, fqdn string) {
	if o.onProgress == nil {
		return
	}
	v, err := o.writer.LastVerdict(ctx, brand, fqdn)
	if err != nil {
		log.Debug().Str("fqdn", fqdn).Msgf("no stored verdict for duplicate: %s", err)
		return
	}
	o.onProgress(v)
}

func (o *Orchestrator) process(ctx context.Context, t *task) {
	v := o.execute(ctx, t)

	if err := o.persist(ctx, v); err != nil {
		log.Error().Str("fqdn", t.fqdn).Msgf("failed to persist verdict: %s", err)
		// leave no pending marker behind, the next scan must be able
		// to pick this domain up again
		o.index.Release(t.brand, t.fqdn)
		o.count(func(s *Summary) { s.Failed++ })
		return
	}
	version := ""
	if v.Result != nil {
		version = v.Result.ModelVersion
	}
	o.index.Complete(t.brand, t.fqdn, v.CompletedAt, version)
	log.Debug().
		Str("fqdn", t.fqdn).
		Str("stage", string(v.Stage)).
		Dur("elapsed", time.Since(t.startedAt)).
		Msgf("verdict persisted")

	o.count(func(s *Summary) {
		switch v.Stage {
		case StageFinalized:
			s.Finalized++
		default:
			s.Failed++
		}
		if v.Artifact != nil && v.Artifact.Status == capture.StatusSuccess {
			s.Captured++
		}
	})
	if o.onProgress != nil {
		o.onProgress(v)
	}
}

// execute walks a task through the stages and assembles its verdict. Stage
// failures terminate the walk but still yield a persistable verdict.
func (o *Orchestrator) execute(ctx context.Context, t *task) *Verdict {
	v := &Verdict{
		ScanId:  t.scanId,
		Brand:   t.brand,
		Fqdn:    t.fqdn,
		Source:  t.source,
		Keyword: t.keyword,
	}

	o.step(t, StageEnriching)
	rec, err := o.enricher.Enrich(ctx, t.fqdn)
	if err != nil {
		t.fail(err.Error())
		return o.seal(t, v)
	}
	v.Record = rec
	o.step(t, StageEnriched)

	o.step(t, StageClassifying)
	res := o.scorer.Classify(rec, t.fqdn)
	v.Result = &res
	o.step(t, StageClassified)

	if res.Score >= o.conf.CaptureThreshold {
		o.step(t, StageCapturing)
		v.Artifact = o.capturer.Capture(ctx, t.fqdn)
		o.step(t, StageCaptured)
	}

	o.step(t, StageFinalized)
	return o.seal(t, v)
}

func (o *Orchestrator) step(t *task, next Stage) {
	if t.stage.Terminal() {
		return
	}
	if err := t.advance(next); err != nil {
		// a broken transition is a programming error; fail the task
		// rather than crash the scan
		log.Error().Str("fqdn", t.fqdn).Msgf("%s", err)
		t.fail(err.Error())
		return
	}
	o.metrics.StageHit(string(next), 1)
}

func (o *Orchestrator) seal(t *task, v *Verdict) *Verdict {
	v.Stage = t.stage
	v.FailedAt = t.failedAt
	v.Note = t.note
	v.CompletedAt = time.Now()
	return v
}

// persist writes the verdict, retrying with backoff inside a fixed budget.
func (o *Orchestrator) persist(ctx context.Context, v *Verdict) error {
	backoff := o.conf.PersistBackoff.Std()
	var err error
	for attempt := 0; attempt <= o.conf.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = o.writer.Persist(ctx, v); err == nil {
			return nil
		}
	}
	return err
}

func (o *Orchestrator) count(fn func(*Summary)) {
	o.mu.Lock()
	fn(&o.summary)
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summary
}
