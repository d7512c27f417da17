package status

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recorder) Publish(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, rec.Seq)
}

func TestUpdateAndSnapshot(t *testing.T) {
	c := NewChannel(nil)
	c.Update(Fields{
		Running:     Ptr(true),
		CurrentStep: Ptr(StepAnalysis),
		Progress:    Ptr("Starting DFIR analysis..."),
	})
	c.AppendWarning("w1")
	c.AppendError("e1")

	snap := c.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, StepAnalysis, snap.CurrentStep)
	assert.Equal(t, "Starting DFIR analysis...", snap.Progress)
	assert.Equal(t, []string{"w1"}, snap.Warnings)
	assert.Equal(t, []string{"e1"}, snap.Errors)
	assert.Equal(t, uint64(3), snap.Seq)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewChannel(nil)
	c.AppendError("e1")
	c.Update(Fields{ReportPath: Ptr("dfir_reports/dfir_report.html")})

	snap := c.Snapshot()
	snap.Errors[0] = "mutated"
	*snap.ReportPath = "mutated"

	again := c.Snapshot()
	assert.Equal(t, "e1", again.Errors[0])
	assert.Equal(t, "dfir_reports/dfir_report.html", *again.ReportPath)
}

func TestResetKeepsDurableFields(t *testing.T) {
	c := NewChannel(nil)
	c.Update(Fields{
		Running:       Ptr(true),
		CurrentStep:   Ptr(StepCompleted),
		ArtifactReady: Ptr(true),
		ReportPath:    Ptr("dfir_reports/dfir_report.html"),
		RunID:         Ptr("abc"),
	})
	c.AppendError("old")

	c.Reset()
	snap := c.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, StepIdle, snap.CurrentStep)
	assert.Empty(t, snap.Errors)
	assert.NotNil(t, snap.Errors)
	assert.Empty(t, snap.RunID)
	assert.True(t, snap.ArtifactReady)
	require.NotNil(t, snap.ReportPath)
}

func TestApplyIsConditional(t *testing.T) {
	c := NewChannel(nil)
	idle := func(r Record) bool { return !r.Running }

	assert.True(t, c.Apply(idle, func(r *Record) { r.Running = true }))
	assert.False(t, c.Apply(idle, func(r *Record) { r.Progress = "second" }))
	assert.Empty(t, c.Snapshot().Progress)
}

func TestConcurrentWritersPublishInOrder(t *testing.T) {
	rec := &recorder{}
	c := NewChannel(rec)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.AppendWarning("w")
				c.SetProgress("p")
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Len(t, snap.Warnings, 400)
	assert.Equal(t, uint64(800), snap.Seq)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.seqs, 800)
	for i, s := range rec.seqs {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestStepTerminal(t *testing.T) {
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepError.Terminal())
	assert.True(t, StepAnalysisDone.Terminal())
	assert.False(t, StepAnalysis.Terminal())
	assert.False(t, StepIdle.Terminal())
}
