package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cse-watch/phishmon/capture"
	"github.com/cse-watch/phishmon/classify"
	"github.com/cse-watch/phishmon/discovery"
	"github.com/cse-watch/phishmon/domains"
	"github.com/cse-watch/phishmon/enrich"
	"github.com/cse-watch/phishmon/generic"
	"github.com/pkg/errors"
)

type stubEnricher struct {
	mu      sync.Mutex
	records map[string]*enrich.Record
	errs    map[string]error
	calls   map[string]int
}

func (s *stubEnricher) Enrich(ctx context.Context, fqdn string) (*enrich.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[fqdn]++
	if err := s.errs[fqdn]; err != nil {
		return nil, err
	}
	if rec := s.records[fqdn]; rec != nil {
		return rec, nil
	}
	return &enrich.Record{Fqdn: fqdn, Failures: map[string]string{}}, nil
}

type stubScorer struct {
	scores map[string]float64
}

func (s *stubScorer) Classify(rec *enrich.Record, fqdn string) classify.Result {
	score := s.scores[fqdn]
	label := classify.LabelBenign
	switch {
	case score >= 0.8:
		label = classify.LabelPhishing
	case score >= 0.5:
		label = classify.LabelSuspicious
	}
	return classify.Result{
		Score:        score,
		Label:        label,
		ModelVersion: "test",
	}
}

type stubCapturer struct {
	mu       sync.Mutex
	statuses map[string]capture.Status
	calls    map[string]int
}

func (s *stubCapturer) Capture(ctx context.Context, fqdn string) *capture.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[fqdn]++
	status, ok := s.statuses[fqdn]
	if !ok {
		status = capture.StatusSuccess
	}
	art := &capture.Artifact{
		Fqdn:       fqdn,
		CapturedAt: time.Now(),
		Status:     status,
	}
	if status == capture.StatusSuccess {
		art.Ref = "evidence/" + fqdn + ".html"
		art.Sha256 = "deadbeef"
	}
	return art
}

type memWriter struct {
	mu         sync.Mutex
	verdicts   map[string]*Verdict // keyed by fqdn
	persistErr map[string]int      // remaining failures per fqdn
	persisted  map[string]int
}

func newMemWriter() *memWriter {
	return &memWriter{
		verdicts:   map[string]*Verdict{},
		persistErr: map[string]int{},
		persisted:  map[string]int{},
	}
}

func (w *memWriter) Persist(ctx context.Context, v *Verdict) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.persistErr[v.Fqdn] > 0 {
		w.persistErr[v.Fqdn]--
		return errors.New("storage unavailable")
	}
	w.persisted[v.Fqdn]++
	w.verdicts[v.Fqdn] = v
	return nil
}

func (w *memWriter) LastVerdict(ctx context.Context, brand, fqdn string) (*Verdict, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.verdicts[fqdn]
	if !ok {
		return nil, errors.New("no verdict")
	}
	return v, nil
}

func feed(candidates ...discovery.Candidate) <-chan discovery.Candidate {
	ch := make(chan discovery.Candidate, len(candidates))
	for _, c := range candidates {
		ch <- c
	}
	close(ch)
	return ch
}

func fastConf() Config {
	conf := DefaultConfig
	conf.PersistBackoff = generic.Duration(time.Millisecond)
	return conf
}

func testOrchestrator(e *stubEnricher, s *stubScorer, c *stubCapturer, w *memWriter) *Orchestrator {
	return NewOrchestrator(fastConf(), domains.NewIndex(720*time.Hour, "test"), e, s, c, w)
}

func TestHighRiskDomainIsCaptured(t *testing.T) {
	created := time.Now().AddDate(0, 0, -3)
	e := &stubEnricher{records: map[string]*enrich.Record{
		"acme-login.com": {
			Fqdn:     "acme-login.com",
			Created:  &created,
			A:        []string{"203.0.113.10"},
			Failures: map[string]string{},
		},
	}}
	s := &stubScorer{scores: map[string]float64{"acme-login.com": 0.92}}
	c := &stubCapturer{}
	w := newMemWriter()

	o := testOrchestrator(e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "ACME-login.com", Source: "lookalike"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Admitted != 1 || sum.Finalized != 1 || sum.Captured != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	v := w.verdicts["acme-login.com"]
	if v == nil {
		t.Fatalf("expected a persisted verdict for the canonical domain")
	}
	if v.Stage != StageFinalized {
		t.Fatalf("expected stage %s, but got %s", StageFinalized, v.Stage)
	}
	if v.Result == nil || v.Result.Label != classify.LabelPhishing {
		t.Fatalf("expected a phishing label, but got %+v", v.Result)
	}
	if v.Artifact == nil || v.Artifact.Status != capture.StatusSuccess {
		t.Fatalf("expected captured evidence, but got %+v", v.Artifact)
	}
}

func TestPartialRecordIsClassifiedNotCaptured(t *testing.T) {
	e := &stubEnricher{records: map[string]*enrich.Record{
		"parked-acme.net": {
			Fqdn:     "parked-acme.net",
			Partial:  true,
			Failures: map[string]string{"dns": "nxdomain", "whois": "no match"},
		},
	}}
	s := &stubScorer{scores: map[string]float64{"parked-acme.net": 0.4}}
	c := &stubCapturer{}
	w := newMemWriter()

	o := testOrchestrator(e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "parked-acme.net", Source: "lookalike"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Finalized != 1 {
		t.Fatalf("expected the partial record to finalize: %+v", sum)
	}

	v := w.verdicts["parked-acme.net"]
	if v == nil || !v.Record.Partial {
		t.Fatalf("expected a persisted partial record")
	}
	if v.Result == nil {
		t.Fatalf("a partial record must still be classified")
	}
	if v.Artifact != nil {
		t.Fatalf("below-threshold domains must not be captured")
	}
	if c.calls["parked-acme.net"] != 0 {
		t.Fatalf("capture backend was invoked for a below-threshold domain")
	}
}

func TestCaptureTimeoutStillFinalizes(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{"acme-verify.com": 0.95}}
	c := &stubCapturer{statuses: map[string]capture.Status{"acme-verify.com": capture.StatusTimeout}}
	w := newMemWriter()

	o := testOrchestrator(e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "acme-verify.com", Source: "ct-logs"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Finalized != 1 || sum.Failed != 0 {
		t.Fatalf("a capture timeout is terminal, not a fault: %+v", sum)
	}
	if sum.Captured != 0 {
		t.Fatalf("timed-out capture must not count as captured")
	}

	v := w.verdicts["acme-verify.com"]
	if v.Stage != StageFinalized {
		t.Fatalf("expected stage %s, but got %s", StageFinalized, v.Stage)
	}
	if v.Artifact == nil || v.Artifact.Status != capture.StatusTimeout {
		t.Fatalf("expected a timeout artifact, but got %+v", v.Artifact)
	}
}

func TestDuplicatesShortCircuit(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()

	var progressed []string
	o := testOrchestrator(e, s, c, w).WithProgress(func(v *Verdict) {
		progressed = append(progressed, v.Fqdn)
	})

	// same domain three times within one batch, plus an equivalent
	// non-canonical spelling
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "acme-login.com"},
		discovery.Candidate{Domain: "https://acme-login.com/path"},
		discovery.Candidate{Domain: "ACME-LOGIN.COM."},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Admitted != 1 {
		t.Fatalf("expected a single admission, but got %d", sum.Admitted)
	}
	if sum.Duplicates != 2 {
		t.Fatalf("expected 2 duplicates, but got %d", sum.Duplicates)
	}
	if e.calls["acme-login.com"] != 1 {
		t.Fatalf("expected a single enrichment, but got %d", e.calls["acme-login.com"])
	}
	if w.persisted["acme-login.com"] != 1 {
		t.Fatalf("expected a single persisted verdict, but got %d", w.persisted["acme-login.com"])
	}
	if len(progressed) == 0 {
		t.Fatalf("expected progress callbacks")
	}
}

func TestStaleVerdictIsRescored(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()
	// the verdict from the first assessment, discovered via the CT logs
	w.verdicts["acme-login.com"] = &Verdict{
		Fqdn:        "acme-login.com",
		Brand:       "acme",
		Source:      "ct-logs",
		Keyword:     "acmebank",
		Stage:       StageFinalized,
		CompletedAt: time.Now().Add(-2 * time.Hour),
	}

	index := domains.NewIndex(time.Hour, "test")
	index.Warm("acme", map[string]domains.Stamp{
		"acme-login.com": {At: time.Now().Add(-2 * time.Hour), ModelVersion: "test"},
	})

	o := NewOrchestrator(fastConf(), index, e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "acme-login.com", Source: "lookalike"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Admitted != 1 || sum.Rescored != 1 {
		t.Fatalf("expected the stale domain to be re-admitted: %+v", sum)
	}
	if e.calls["acme-login.com"] != 1 {
		t.Fatalf("expected the stale domain to be re-enriched")
	}

	// re-scoring keeps the provenance of the first discovery
	v := w.verdicts["acme-login.com"]
	if v.Source != "ct-logs" || v.Keyword != "acmebank" {
		t.Fatalf("expected the stored provenance to survive re-scoring, but got %s/%s", v.Source, v.Keyword)
	}
	if v.Stage != StageFinalized || time.Since(v.CompletedAt) > time.Minute {
		t.Fatalf("expected a fresh verdict after re-scoring: %+v", v)
	}
}

func TestModelChangeForcesRescore(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()

	// the stored verdict is recent but was scored by a retired model
	index := domains.NewIndex(time.Hour, "test")
	index.Warm("acme", map[string]domains.Stamp{
		"acme-login.com": {At: time.Now().Add(-10 * time.Minute), ModelVersion: "retired"},
	})

	o := NewOrchestrator(fastConf(), index, e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "acme-login.com", Source: "lookalike"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Rescored != 1 || sum.Duplicates != 0 {
		t.Fatalf("expected a model change to force a re-score: %+v", sum)
	}
	if e.calls["acme-login.com"] != 1 {
		t.Fatalf("expected the domain to be re-enriched under the new model")
	}

	v := w.verdicts["acme-login.com"]
	if v == nil || v.Result == nil || v.Result.ModelVersion != "test" {
		t.Fatalf("expected a verdict from the current model, but got %+v", v)
	}
}

func TestInvalidCandidatesAreSkipped(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()

	o := testOrchestrator(e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "not a domain"},
		discovery.Candidate{Domain: "192.0.2.1"},
		discovery.Candidate{Domain: "acme-login.com"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Skipped != 2 {
		t.Fatalf("expected 2 skipped candidates, but got %d", sum.Skipped)
	}
	if sum.Admitted != 1 {
		t.Fatalf("expected 1 admission, but got %d", sum.Admitted)
	}
}

func TestEnrichmentCancellationFailsTask(t *testing.T) {
	e := &stubEnricher{errs: map[string]error{
		"acme-login.com": context.Canceled,
	}}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()

	o := testOrchestrator(e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "acme-login.com"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected a failed task: %+v", sum)
	}

	v := w.verdicts["acme-login.com"]
	if v.Stage != StageFailed || v.FailedAt != StageEnriching {
		t.Fatalf("expected failure at %s, but got %s at %s", StageEnriching, v.Stage, v.FailedAt)
	}
	if v.Result != nil {
		t.Fatalf("a task failed before classification must carry no result")
	}
}

func TestPersistRetriesThenFails(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()
	w.persistErr["flaky.com"] = 1 // first attempt fails, retry succeeds
	w.persistErr["down.com"] = 10 // exceeds the retry budget

	o := testOrchestrator(e, s, c, w)
	sum, err := o.Run(context.Background(), "", "acme", feed(
		discovery.Candidate{Domain: "flaky.com"},
		discovery.Candidate{Domain: "down.com"},
	))
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	if w.persisted["flaky.com"] != 1 {
		t.Fatalf("expected the flaky domain to persist on retry")
	}
	if w.persisted["down.com"] != 0 {
		t.Fatalf("expected the unavailable domain to give up")
	}
	if sum.Finalized != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestCancellationStopsAdmission(t *testing.T) {
	e := &stubEnricher{}
	s := &stubScorer{scores: map[string]float64{}}
	c := &stubCapturer{}
	w := newMemWriter()

	ctx, cancel := context.WithCancel(context.Background())

	firstDone := make(chan struct{})
	o := testOrchestrator(e, s, c, w).WithProgress(func(v *Verdict) {
		close(firstDone)
	})

	ch := make(chan discovery.Candidate)
	go func() {
		ch <- discovery.Candidate{Domain: "first.com"}
		<-firstDone
		cancel()
		ch <- discovery.Candidate{Domain: "second.com"}
		close(ch)
	}()

	sum, err := o.Run(ctx, "", "acme", ch)
	if err != nil {
		t.Fatalf("scan failed: %s", err)
	}
	// the first candidate ran to completion, the second was never admitted
	if w.persisted["first.com"] != 1 {
		t.Fatalf("expected the in-flight candidate to complete")
	}
	if sum.Admitted != 1 {
		t.Fatalf("expected admission to stop after cancellation: %+v", sum)
	}
}

func TestStageTransitions(t *testing.T) {
	tr := &task{stage: StageDiscovered}
	path := []Stage{StageEnriching, StageEnriched, StageClassifying, StageClassified, StageCapturing, StageCaptured, StageFinalized}
	for _, next := range path {
		if err := tr.advance(next); err != nil {
			t.Fatalf("expected legal transition to %s: %s", next, err)
		}
	}
	if !tr.stage.Terminal() {
		t.Fatalf("expected %s to be terminal", tr.stage)
	}

	tr = &task{stage: StageDiscovered}
	if err := tr.advance(StageClassifying); err == nil {
		t.Fatalf("expected transition %s -> %s to be illegal", StageDiscovered, StageClassifying)
	}
}

func TestFailRemembersStage(t *testing.T) {
	tr := &task{stage: StageDiscovered}
	if err := tr.advance(StageEnriching); err != nil {
		t.Fatalf("unexpected transition error: %s", err)
	}
	tr.fail("resolver unreachable")
	if tr.stage != StageFailed {
		t.Fatalf("expected stage %s, but got %s", StageFailed, tr.stage)
	}
	if tr.failedAt != StageEnriching {
		t.Fatalf("expected failure at %s, but got %s", StageEnriching, tr.failedAt)
	}
	if err := tr.advance(StageEnriched); err == nil {
		t.Fatalf("a failed task must not advance")
	}
}
