package pipeline

import (
	"fmt"
	"time"
)

// Stage is the lifecycle position of a candidate within a scan. Transitions
// are linear with two optional capture stages; any active stage may fail.
type Stage string

const (
	StageDiscovered  Stage = "discovered"
	StageEnriching   Stage = "enriching"
	StageEnriched    Stage = "enriched"
	StageClassifying Stage = "classifying"
	StageClassified  Stage = "classified"
	StageCapturing   Stage = "capturing"
	StageCaptured    Stage = "captured"
	StageFinalized   Stage = "finalized"
	StageFailed      Stage = "failed"
)

var transitions = map[Stage][]Stage{
	StageDiscovered:  {StageEnriching},
	StageEnriching:   {StageEnriched},
	StageEnriched:    {StageClassifying},
	StageClassifying: {StageClassified},
	StageClassified:  {StageCapturing, StageFinalized},
	StageCapturing:   {StageCaptured},
	StageCaptured:    {StageFinalized},
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageFinalized || s == StageFailed
}

type TransitionErr struct {
	From, To Stage
}

func (err TransitionErr) Error() string {
	return fmt.Sprintf("illegal stage transition: %s -> %s", err.From, err.To)
}

// task tracks one admitted candidate through the scan. It is owned by a
// single worker goroutine and needs no locking.
type task struct {
	scanId  string
	brand   string
	fqdn    string
	source  string
	keyword string

	stage    Stage
	failedAt Stage
	note     string

	startedAt time.Time
}

func (t *task) advance(next Stage) error {
	for _, s := range transitions[t.stage] {
		if s == next {
			t.stage = next
			return nil
		}
	}
	return TransitionErr{t.stage, next}
}

// fail marks the task terminally failed, remembering the stage it was in.
func (t *task) fail(note string) {
	t.failedAt = t.stage
	t.stage = StageFailed
	t.note = note
}
