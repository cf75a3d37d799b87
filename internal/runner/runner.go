// Package runner executes a planned job graph on a bounded worker
// pool, consulting the rebuild cache before spawning anything.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/kiln/internal/planner"
)

// Status classifies how a job's execution concluded.
type Status int

const (
	// StatusBuilt means the job's command ran and succeeded.
	StatusBuilt Status = iota
	// StatusCached means the rebuild cache already held the job's
	// outputs, so nothing was spawned.
	StatusCached
	// StatusFailed means the job's command ran and failed.
	StatusFailed
	// StatusSkipped means the job never ran because an upstream job
	// failed or the run was halted.
	StatusSkipped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusBuilt:
		return "built"
	case StatusCached:
		return "cached"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result records the outcome of one job.
type Result struct {
	Job     *planner.Job
	Status  Status
	Output  string
	Elapsed time.Duration
	Err     error
}

// Cache is the rebuild store consulted before spawning and updated
// after success. Implemented by buildcache; faked in tests.
type Cache interface {
	// Lookup reports whether the key has a recorded entry.
	Lookup(ctx context.Context, key string) (bool, error)
	// Record stores a completed job under its key.
	Record(ctx context.Context, key string, job *planner.Job, invocation string, elapsed time.Duration) error
}

// Options configures a run.
type Options struct {
	// Workers bounds concurrent jobs; zero means NumCPU.
	Workers int

	// KeepGoing keeps dispatching jobs whose dependencies all succeeded
	// after a failure elsewhere in the graph. The default halts new
	// dispatches at the first failure; in-flight jobs always finish.
	KeepGoing bool
}

// Runner drives job graphs to completion.
type Runner struct {
	spawner Spawner
	cache   Cache
	fp      planner.Fingerprinter
	opts    Options

	// invocation tags every cache record written by one run.
	invocation string
}

// New returns a runner. cache may be nil, which disables caching.
func New(spawner Spawner, cache Cache, fp planner.Fingerprinter, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Runner{
		spawner:    spawner,
		cache:      cache,
		fp:         fp,
		opts:       opts,
		invocation: uuid.NewString(),
	}
}

// node wraps a job with its scheduling state.
type node struct {
	job        *planner.Job
	pending    atomic.Int32
	dependents []*node

	settleOnce sync.Once
	settled    atomic.Bool
	result     *Result
}

// Run executes every job, honoring DependsOn edges, and returns one
// result per job in the plan's order. The error is the first job
// failure; results always cover the full plan.
func (r *Runner) Run(ctx context.Context, jobs []*planner.Job) ([]*Result, error) {
	nodes := make(map[string]*node, len(jobs))
	for _, job := range jobs {
		if _, dup := nodes[job.ID]; dup {
			return nil, fmt.Errorf("duplicate job id %q in plan", job.ID)
		}
		nodes[job.ID] = &node{job: job}
	}
	for _, n := range nodes {
		for _, dep := range n.job.DependsOn {
			upstream, ok := nodes[dep]
			if !ok {
				return nil, fmt.Errorf("job %q depends on unknown job %q", n.job.ID, dep)
			}
			upstream.dependents = append(upstream.dependents, n)
			n.pending.Add(1)
		}
	}

	ready := make(chan *node, len(nodes))
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if n := nodes[id]; n.pending.Load() == 0 {
			ready <- n
		}
	}

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	var halted atomic.Bool

	slog.Debug("starting workers", "workers", r.opts.Workers, "jobs", len(nodes))
	for i := 0; i < r.opts.Workers; i++ {
		go r.worker(ctx, ready, &wg, &halted)
	}

	wg.Wait()
	close(ready)

	results := make([]*Result, 0, len(jobs))
	var firstErr error
	for _, job := range jobs {
		res := nodes[job.ID].result
		if res == nil {
			// Unreachable portions of a halted run settle as skipped.
			res = &Result{Job: job, Status: StatusSkipped}
		}
		results = append(results, res)
		if firstErr == nil && res.Status == StatusFailed {
			firstErr = fmt.Errorf("job %s: %w", job.ID, res.Err)
		}
	}
	return results, firstErr
}

// worker drains the ready channel until every node has settled.
func (r *Runner) worker(ctx context.Context, ready chan *node, wg *sync.WaitGroup, halted *atomic.Bool) {
	for n := range ready {
		// A node can reach the channel after skipDependents already
		// settled it through another upstream.
		if n.settled.Load() {
			continue
		}
		if ctx.Err() != nil || (halted.Load() && !r.opts.KeepGoing) {
			r.settle(n, &Result{Job: n.job, Status: StatusSkipped, Err: ctx.Err()}, wg)
			r.skipDependents(n, wg)
			continue
		}

		res := r.execute(ctx, n.job)
		r.settle(n, res, wg)

		if res.Status == StatusFailed {
			slog.Debug("job failed", "job", n.job.ID, "error", res.Err)
			halted.Store(true)
			r.skipDependents(n, wg)
			continue
		}

		for _, dependent := range n.dependents {
			if dependent.pending.Add(-1) == 0 {
				ready <- dependent
			}
		}
	}
}

// settle records a node's result exactly once.
func (r *Runner) settle(n *node, res *Result, wg *sync.WaitGroup) {
	n.settleOnce.Do(func() {
		n.result = res
		n.settled.Store(true)
		wg.Done()
	})
}

// skipDependents settles everything downstream of a failed or skipped
// node as skipped.
func (r *Runner) skipDependents(n *node, wg *sync.WaitGroup) {
	for _, dependent := range n.dependents {
		already := true
		dependent.settleOnce.Do(func() {
			already = false
			dependent.result = &Result{
				Job:    dependent.job,
				Status: StatusSkipped,
				Err:    fmt.Errorf("upstream job %s did not succeed", n.job.ID),
			}
			dependent.settled.Store(true)
			wg.Done()
		})
		if !already {
			r.skipDependents(dependent, wg)
		}
	}
}

// execute runs one job: cache probe, spawn, cache record.
func (r *Runner) execute(ctx context.Context, job *planner.Job) *Result {
	key, err := job.CacheKey(r.fp)
	if err != nil {
		return &Result{Job: job, Status: StatusFailed, Err: err}
	}

	if r.cache != nil {
		hit, err := r.cache.Lookup(ctx, key)
		if err != nil {
			slog.Debug("cache lookup failed, rebuilding", "job", job.ID, "error", err)
		} else if hit && outputsIntact(job) {
			slog.Debug("cache hit", "job", job.ID)
			return &Result{Job: job, Status: StatusCached}
		}
	}

	start := time.Now()
	output, err := r.spawner.Spawn(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		return &Result{Job: job, Status: StatusFailed, Output: output, Elapsed: elapsed, Err: err}
	}

	if r.cache != nil {
		if err := r.cache.Record(ctx, key, job, r.invocation, elapsed); err != nil {
			// A failed record only costs a rebuild next time.
			slog.Debug("cache record failed", "job", job.ID, "error", err)
		}
	}
	return &Result{Job: job, Status: StatusBuilt, Output: output, Elapsed: elapsed}
}
