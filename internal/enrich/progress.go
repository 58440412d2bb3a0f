package enrich

import (
	"sync"
	"time"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/pkg/anthropic"
)

// Progress holds the running counters of one batch run. The item loop
// writes it and the heartbeat reads it, so every access goes through mu.
type Progress struct {
	mu      sync.Mutex
	data    model.ProgressData
	usage   anthropic.TokenUsage
	model   string
	started time.Time
	handled int
}

func newProgress(base model.ProgressData, modelName string) *Progress {
	base.Processed = 0
	base.Failed = 0
	base.Skipped = 0
	base.New = 0
	base.ValidationDropped = 0
	base.DuplicatesDropped = 0
	base.CurrentItem = ""
	base.ResumedFrom = ""
	base.Error = nil
	return &Progress{data: base, model: modelName, started: time.Now()}
}

// restore continues the counters saved with cp.
func (p *Progress) restore(cp *model.Checkpoint) {
	p.mu.Lock()
	p.data.Processed = cp.Processed
	p.data.Failed = cp.Failed
	p.data.Skipped = cp.Skipped
	p.data.New = cp.New
	p.data.ValidationDropped = cp.ValidationDropped
	p.data.DuplicatesDropped = cp.DuplicatesDropped
	p.data.ResumedFrom = cp.ItemID
	p.mu.Unlock()
}

// checkpoint captures the counters after itemID was handled.
func (p *Progress) checkpoint(itemID string, at time.Time) (model.Checkpoint, model.ProgressData) {
	d := p.Snapshot()
	return model.Checkpoint{
		ItemID:            itemID,
		Count:             d.Handled(),
		At:                at,
		Processed:         d.Processed,
		Failed:            d.Failed,
		Skipped:           d.Skipped,
		New:               d.New,
		ValidationDropped: d.ValidationDropped,
		DuplicatesDropped: d.DuplicatesDropped,
	}, d
}

// Snapshot returns a copy of the current counters.
func (p *Progress) Snapshot() model.ProgressData {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.data
	if d.ItemIDs != nil {
		d.ItemIDs = append([]string(nil), d.ItemIDs...)
	}
	return d
}

// Usage returns the token usage accumulated so far.
func (p *Progress) Usage() anthropic.TokenUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

func (p *Progress) setCurrent(itemID string) {
	p.mu.Lock()
	p.data.CurrentItem = itemID
	p.mu.Unlock()
}

func (p *Progress) skipped() {
	p.mu.Lock()
	p.data.Skipped++
	p.finishItemLocked()
	p.mu.Unlock()
}

func (p *Progress) processed(inserted, dropped, duplicates int) {
	p.mu.Lock()
	p.data.Processed++
	p.data.New += inserted
	p.data.ValidationDropped += dropped
	p.data.DuplicatesDropped += duplicates
	p.finishItemLocked()
	p.mu.Unlock()
}

func (p *Progress) failed() {
	p.mu.Lock()
	p.data.Failed++
	p.finishItemLocked()
	p.mu.Unlock()
}

func (p *Progress) addUsage(u anthropic.TokenUsage) {
	p.mu.Lock()
	p.usage = p.usage.Add(u)
	p.data.InputTokens = p.usage.InputTokens
	p.data.OutputTokens = p.usage.OutputTokens
	p.data.EstimatedCost = p.usage.EstimateCost(p.model)
	p.mu.Unlock()
}

func (p *Progress) heartbeat(at time.Time) model.ProgressData {
	p.mu.Lock()
	p.data.LastHeartbeat = &at
	p.mu.Unlock()
	return p.Snapshot()
}

func (p *Progress) fail(be *model.BatchError) model.ProgressData {
	p.mu.Lock()
	p.data.Error = be
	p.data.CurrentItem = ""
	p.mu.Unlock()
	return p.Snapshot()
}

func (p *Progress) done() model.ProgressData {
	p.mu.Lock()
	p.data.CurrentItem = ""
	p.mu.Unlock()
	return p.Snapshot()
}

func (p *Progress) finishItemLocked() {
	p.handled++
	p.data.AvgItemMs = time.Since(p.started).Milliseconds() / int64(p.handled)
}
