package merge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Milestone is a coarse stage of one merge call.
type Milestone int

const (
	MilestoneLoad Milestone = iota + 1
	MilestoneModuleReady
	MilestoneExtract
	MilestoneMerge
	MilestoneStore
	MilestonePack
	MilestoneFinalize
	MilestoneDone
)

var milestoneNames = map[Milestone]string{
	MilestoneLoad:        "load",
	MilestoneModuleReady: "module-ready",
	MilestoneExtract:     "extract",
	MilestoneMerge:       "merge",
	MilestoneStore:       "store",
	MilestonePack:        "pack",
	MilestoneFinalize:    "finalize",
	MilestoneDone:        "done",
}

func (m Milestone) String() string {
	if name, ok := milestoneNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Milestone(%d)", int(m))
}

// ProgressFunc observes milestones of a merge call.
type ProgressFunc func(Milestone)

// stageMilestone maps the module's own stage codes. The module numbers its
// stages like Milestone, but only Extract through Pack belong to it.
func stageMilestone(code uint32) (Milestone, bool) {
	m := Milestone(code)
	if m < MilestoneExtract || m > MilestonePack {
		return 0, false
	}
	return m, true
}

// progressTracker forwards milestones of one call in strictly increasing
// order and drops anything that would repeat or go backwards.
type progressTracker struct {
	mu     sync.Mutex
	last   Milestone
	notify ProgressFunc
	logger *zap.Logger
}

func newProgressTracker(notify ProgressFunc, logger *zap.Logger) *progressTracker {
	return &progressTracker{notify: notify, logger: logger}
}

func (p *progressTracker) emit(m Milestone) {
	p.mu.Lock()
	if m <= p.last {
		p.mu.Unlock()
		p.logger.Debug("Dropping out-of-order milestone",
			zap.Stringer("milestone", m),
			zap.Stringer("last", p.last),
		)
		return
	}
	p.last = m
	p.mu.Unlock()

	if p.notify != nil {
		p.notify(m)
	}
}

// moduleStage handles js_merge_progress for the call this tracker belongs to.
func (p *progressTracker) moduleStage(code uint32) {
	m, ok := stageMilestone(code)
	if !ok {
		p.logger.Debug("Ignoring module stage code", zap.Uint32("code", code))
		return
	}
	p.emit(m)
}
