package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/signalnine/benchloop/internal/config"
	"github.com/signalnine/benchloop/internal/result"
)

// activeRun is the in-memory handle for a running benchmark. It is never
// persisted. mu guards the run record and every store write of it so a
// stale cycle update can never land after the terminal write.
type activeRun struct {
	cfg     config.Benchmark
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu            sync.Mutex
	run           *result.Run
	cycle         int
	unitID        string
	paused        bool
	resume        chan struct{}
	stopRequested bool
	runDir        string

	finalizeOnce sync.Once
	final        result.Run
}

func newActiveRun(run *result.Run, cfg config.Benchmark, cancel context.CancelFunc) *activeRun {
	return &activeRun{
		cfg:     cfg,
		started: run.StartedAt,
		cancel:  cancel,
		done:    make(chan struct{}),
		run:     run,
	}
}

func (a *activeRun) snapshot() result.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := *a.run
	if a.paused && !r.Status.Terminal() {
		r.Status = result.StatusPaused
	}
	return r
}

func (a *activeRun) stopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopRequested
}

func (a *activeRun) requestStop() {
	a.mu.Lock()
	a.stopRequested = true
	a.mu.Unlock()
	a.cancel()
}

func (a *activeRun) setCycle(n int) {
	a.mu.Lock()
	a.cycle = n
	a.unitID = ""
	a.mu.Unlock()
}

func (a *activeRun) setUnit(id string) {
	a.mu.Lock()
	a.unitID = id
	a.mu.Unlock()
}

// setPaused reports whether the flag changed.
func (a *activeRun) setPaused(p bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused == p || a.run.Status.Terminal() {
		return false
	}
	a.paused = p
	if p {
		a.resume = make(chan struct{})
	} else {
		close(a.resume)
	}
	return true
}

// waitResumed blocks while the run is paused.
func (a *activeRun) waitResumed(ctx context.Context) error {
	for {
		a.mu.Lock()
		if !a.paused {
			a.mu.Unlock()
			return ctx.Err()
		}
		ch := a.resume
		a.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// registry holds active runs keyed by run id, with at most one per config.
type registry struct {
	mu       sync.Mutex
	byRun    map[string]*activeRun
	byConfig map[string]string
	loops    map[string]chan struct{}
}

func newRegistry() *registry {
	return &registry{
		byRun:    make(map[string]*activeRun),
		byConfig: make(map[string]string),
		loops:    make(map[string]chan struct{}),
	}
}

// insert adds a unless its config already has an active run.
func (r *registry) insert(a *activeRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byConfig[a.run.ConfigID]; busy {
		return ErrAlreadyActive
	}
	r.byRun[a.run.ID] = a
	r.byConfig[a.run.ConfigID] = a.run.ID
	r.loops[a.run.ID] = a.done
	return nil
}

func (r *registry) get(runID string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byRun[runID]
	return a, ok
}

func (r *registry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byRun[runID]; ok {
		delete(r.byConfig, a.run.ConfigID)
		delete(r.byRun, runID)
	}
}

func (r *registry) loopDone(runID string) (chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.loops[runID]
	return ch, ok
}

func (r *registry) forgetLoop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loops, runID)
}

func (r *registry) list() []*activeRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*activeRun, 0, len(r.byRun))
	for _, a := range r.byRun {
		out = append(out, a)
	}
	return out
}
