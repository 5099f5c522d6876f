// Package workflow implements the workflow orchestrator (spec §4.12):
// sequential-with-dependencies, parallel fan-out, and fallback-chain
// execution over the same agent client pool the principal router uses,
// plus the in-memory active_workflows tracking table.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/router/runtime/a2a"
	"github.com/agentmesh/router/runtime/a2a/types"
)

// Status is one of the step/workflow lifecycle states spec §3's
// WorkflowStep/WorkflowResult types name.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusCancelled exists per spec §9's open question ("WorkflowStatus
	// .CANCELLED exists; no transitions lead to it") — no code path sets
	// it, matching the spec's own unresolved ambiguity rather than
	// inventing a cancellation path the spec declares unsupported.
	StatusCancelled Status = "cancelled"
)

// dependencyFailedMsg is the fixed error spec §4.12 requires when a
// step's dependency did not complete successfully.
const dependencyFailedMsg = "Dependency failed"

// StepSpec is one caller-supplied step of a sequential-with-dependencies
// or parallel workflow.
type StepSpec struct {
	// Agent is a name or capability string; resolution tries Registry.Get
	// (by name) first, then Registry.FindByCapability.
	Agent string
	Task  string
	// DependsOn holds indices strictly less than this step's own index
	// (sequential mode only; ignored for parallel).
	DependsOn []int
}

// Step is the runtime record of one StepSpec's execution.
type Step struct {
	Index     int
	Agent     string
	Task      string
	DependsOn []int
	Status    Status
	Result    string
	Error     string
}

// Result is the workflow's outcome: spec §3's WorkflowResult.
type Result struct {
	WorkflowID    string
	Status        Status
	Steps         []Step
	ExecutionTime time.Duration
	Error         string
}

// Dispatcher resolves an agent by name or capability and delivers a task
// to it. *a2a.Registry + *a2a.Pool together satisfy this through
// registryPoolDispatcher; Dispatcher exists so tests can
// substitute a fake without standing up either.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent, task string) (string, error)
}

// registryPoolDispatcher adapts a Registry+Pool pair (the same ones the
// principal router uses) to Dispatcher: resolve by name, then by
// capability, then call through the pool.
type registryPoolDispatcher struct {
	registry *a2a.Registry
	pool     *a2a.Pool
}

func (d registryPoolDispatcher) Dispatch(ctx context.Context, agent, task string) (string, error) {
	card, ok := d.registry.Get(agent)
	if !ok {
		card, ok = d.registry.FindByCapability(agent)
	}
	if !ok {
		return "", fmt.Errorf("no agent registered for %q", agent)
	}
	caller, err := d.pool.Get(card.URL)
	if err != nil {
		return "", fmt.Errorf("agent %s at %s is unreachable: %w", card.Name, card.URL, err)
	}
	resp, err := caller.SendTask(ctx, a2a.SendTaskRequest{
		Message: types.Message{Role: "user", Parts: []types.Part{types.NewTextPart(task)}},
	})
	if err != nil {
		return "", fmt.Errorf("agent %s at %s did not respond: %w", card.Name, card.URL, err)
	}
	return resp.Text(), nil
}

// Config configures an Orchestrator. PollInterval and Timeout apply to
// the sequential-with-dependencies dependency wait loop (spec §4.12:
// defaults 100ms/300s).
type Config struct {
	Registry     *a2a.Registry
	Pool         *a2a.Pool
	Dispatcher   Dispatcher // overrides Registry/Pool when set; for tests
	PollInterval time.Duration
	Timeout      time.Duration
	now          func() time.Time // test hook
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Orchestrator runs workflows and tracks them in an in-memory
// active_workflows table (spec §4.12's concurrency note).
type Orchestrator struct {
	cfg    Config
	disp   Dispatcher
	mu     sync.Mutex
	active map[string]*Result
}

// New constructs an Orchestrator. A nil cfg.Dispatcher falls back to
// dispatching through cfg.Registry/cfg.Pool.
func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	disp := cfg.Dispatcher
	if disp == nil {
		disp = registryPoolDispatcher{registry: cfg.Registry, pool: cfg.Pool}
	}
	return &Orchestrator{cfg: cfg, disp: disp, active: make(map[string]*Result)}
}

func (o *Orchestrator) track(id string, res *Result) {
	o.mu.Lock()
	o.active[id] = res
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

func (o *Orchestrator) snapshot(id string) (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.active[id]
	if !ok {
		return Result{}, false
	}
	steps := append([]Step(nil), res.Steps...)
	return Result{WorkflowID: res.WorkflowID, Status: res.Status, Steps: steps, ExecutionTime: res.ExecutionTime, Error: res.Error}, true
}

// GetWorkflowStatus returns a snapshot of the named workflow's current
// state, if it is still active.
func (o *Orchestrator) GetWorkflowStatus(id string) (Result, bool) {
	return o.snapshot(id)
}

// ListActiveWorkflows enumerates the ids of workflows currently tracked
// in active_workflows.
func (o *Orchestrator) ListActiveWorkflows() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Cancel implements the fixed "unsupported" entry point spec §5's
// cancellation note describes: a cancel endpoint exists but never
// actually cancels anything in flight.
func (o *Orchestrator) Cancel(id string) error {
	return fmt.Errorf("workflow cancellation is not supported")
}

func newWorkflowID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func aggregateStatus(steps []Step) Status {
	for _, s := range steps {
		if s.Status == StatusFailed {
			return StatusFailed
		}
	}
	for _, s := range steps {
		if s.Status != StatusCompleted {
			return StatusFailed
		}
	}
	return StatusCompleted
}

// RunSequential executes specs in order, per spec §4.12's
// sequential-with-dependencies mode: before running step i, every index
// in specs[i].DependsOn is polled until terminal (completed/failed) or
// the overall timeout expires; a failed dependency marks the step
// failed with "Dependency failed" without running it, and execution
// continues so index positions are preserved.
func (o *Orchestrator) RunSequential(ctx context.Context, workflowID string, specs []StepSpec) Result {
	id := newWorkflowID(workflowID)
	start := o.cfg.now()

	steps := make([]Step, len(specs))
	for i, spec := range specs {
		steps[i] = Step{Index: i, Agent: spec.Agent, Task: spec.Task, DependsOn: spec.DependsOn, Status: StatusPending}
	}
	res := &Result{WorkflowID: id, Status: StatusRunning, Steps: steps}
	o.track(id, res)
	defer o.untrack(id)

	deadline := start.Add(o.cfg.Timeout)

	for i, spec := range specs {
		if ok := o.awaitDependencies(ctx, res, spec.DependsOn, deadline); !ok {
			o.setStep(res, i, StatusFailed, "", dependencyFailedMsg)
			continue
		}

		o.setStep(res, i, StatusRunning, "", "")
		out, err := o.disp.Dispatch(ctx, spec.Agent, spec.Task)
		if err != nil {
			o.setStep(res, i, StatusFailed, "", err.Error())
			continue
		}
		o.setStep(res, i, StatusCompleted, out, "")
	}

	return o.finish(res, start)
}

// awaitDependencies polls deps at o.cfg.PollInterval until every
// dependency is terminal or deadline passes. It returns false if any
// dependency ended failed or the wait itself timed out.
func (o *Orchestrator) awaitDependencies(ctx context.Context, res *Result, deps []int, deadline time.Time) bool {
	if len(deps) == 0 {
		return true
	}
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if o.dependenciesSettled(res, deps) {
			return o.dependenciesSucceeded(res, deps)
		}
		if o.cfg.now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) dependenciesSettled(res *Result, deps []int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range deps {
		s := res.Steps[dep].Status
		if s != StatusCompleted && s != StatusFailed {
			return false
		}
	}
	return true
}

func (o *Orchestrator) dependenciesSucceeded(res *Result, deps []int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range deps {
		if res.Steps[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) setStep(res *Result, index int, status Status, result, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res.Steps[index].Status = status
	res.Steps[index].Result = result
	res.Steps[index].Error = errMsg
}

func (o *Orchestrator) finish(res *Result, start time.Time) Result {
	o.mu.Lock()
	res.Status = aggregateStatus(res.Steps)
	res.ExecutionTime = o.cfg.now().Sub(start)
	snapshot := Result{
		WorkflowID:    res.WorkflowID,
		Status:        res.Status,
		Steps:         append([]Step(nil), res.Steps...),
		ExecutionTime: res.ExecutionTime,
	}
	o.mu.Unlock()
	return snapshot
}

// RunParallel executes specs concurrently with no dependencies, per
// spec §4.12's parallel mode: every step runs regardless of siblings'
// outcome (no cancellation on failure), and results are collected once
// all complete.
func (o *Orchestrator) RunParallel(ctx context.Context, workflowID string, specs []StepSpec) Result {
	id := newWorkflowID(workflowID)
	start := o.cfg.now()

	steps := make([]Step, len(specs))
	for i, spec := range specs {
		steps[i] = Step{Index: i, Agent: spec.Agent, Task: spec.Task, Status: StatusRunning}
	}
	res := &Result{WorkflowID: id, Status: StatusRunning, Steps: steps}
	o.track(id, res)
	defer o.untrack(id)

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec StepSpec) {
			defer wg.Done()
			out, err := o.disp.Dispatch(ctx, spec.Agent, spec.Task)
			if err != nil {
				o.setStep(res, i, StatusFailed, "", err.Error())
				return
			}
			o.setStep(res, i, StatusCompleted, out, "")
		}(i, spec)
	}
	wg.Wait()

	return o.finish(res, start)
}

// RunFallback tries agents in order and returns the first success. If
// every agent fails, it returns a communication error naming the last
// failure (spec §4.12's fallback mode).
func (o *Orchestrator) RunFallback(ctx context.Context, task string, agents []string) (string, error) {
	var lastErr error
	for _, agent := range agents {
		out, err := o.disp.Dispatch(ctx, agent, task)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return "", fmt.Errorf("fallback: no agents specified")
	}
	return "", fmt.Errorf("all fallback agents failed: %w", lastErr)
}
