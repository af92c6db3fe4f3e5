package deployflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Admission Gate
// =============================================================================

// Gate caps in-flight builds per (project, backend). Submissions over the
// cap wait in FIFO order until a slot frees. An unconfigured or zero cap
// admits everything.
type Gate struct {
	mu   sync.Mutex
	sems map[gateKey]*semaphore.Weighted
}

type gateKey struct {
	project string
	kind    workflow.BackendKind
}

// NewGate creates an empty gate; all backends are unbounded until
// Configure sets a cap.
func NewGate() *Gate {
	return &Gate{sems: make(map[gateKey]*semaphore.Weighted)}
}

// Configure sets the concurrent-build cap for one backend. Zero or
// negative removes the cap. Must be called before the first Acquire for
// that backend; reconfiguring while slots are held is not supported.
func (g *Gate) Configure(project string, kind workflow.BackendKind, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := gateKey{project: project, kind: kind}
	if limit <= 0 {
		delete(g.sems, key)
		return
	}
	g.sems[key] = semaphore.NewWeighted(int64(limit))
}

// Acquire blocks until a build slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context, project string, kind workflow.BackendKind) error {
	sem := g.sem(project, kind)
	if sem == nil {
		return nil
	}
	return sem.Acquire(ctx, 1)
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release(project string, kind workflow.BackendKind) {
	if sem := g.sem(project, kind); sem != nil {
		sem.Release(1)
	}
}

func (g *Gate) sem(project string, kind workflow.BackendKind) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sems[gateKey{project: project, kind: kind}]
}
