package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/router/internal/workflow"
)

// fakeDispatcher is a deterministic Dispatcher stand-in: each call
// records the agent name and returns fn(agent, task).
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(agent, task string) (string, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, agent, task string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agent)
	f.mu.Unlock()
	return f.fn(agent, task)
}

func TestRunSequential_DependencyFailurePropagatesPerScenarioS6(t *testing.T) {
	// S6: s0 fails, s1 depends_on=[0] -> s1 fails with "Dependency failed",
	// aggregate status failed.
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		if agent == "s0" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp, PollInterval: time.Millisecond})

	res := o.RunSequential(context.Background(), "", []workflow.StepSpec{
		{Agent: "s0", Task: "t0"},
		{Agent: "s1", Task: "t1", DependsOn: []int{0}},
	})

	if res.Status != workflow.StatusFailed {
		t.Fatalf("expected aggregate status failed, got %q", res.Status)
	}
	if res.Steps[0].Status != workflow.StatusFailed {
		t.Fatalf("expected step 0 failed, got %q", res.Steps[0].Status)
	}
	if res.Steps[1].Status != workflow.StatusFailed {
		t.Fatalf("expected step 1 failed, got %q", res.Steps[1].Status)
	}
	if res.Steps[1].Error != "Dependency failed" {
		t.Fatalf("expected step 1 error %q, got %q", "Dependency failed", res.Steps[1].Error)
	}
}

func TestRunSequential_SucceedsWhenDependencyCompletes(t *testing.T) {
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		return "result-" + agent, nil
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp, PollInterval: time.Millisecond})

	res := o.RunSequential(context.Background(), "wf1", []workflow.StepSpec{
		{Agent: "s0", Task: "t0"},
		{Agent: "s1", Task: "t1", DependsOn: []int{0}},
	})

	if res.WorkflowID != "wf1" {
		t.Fatalf("expected workflow id wf1, got %q", res.WorkflowID)
	}
	if res.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %q", res.Status)
	}
	if res.Steps[1].Result != "result-s1" {
		t.Fatalf("expected step 1 result 'result-s1', got %q", res.Steps[1].Result)
	}
}

func TestRunSequential_GeneratesIDWhenNotSupplied(t *testing.T) {
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) { return "ok", nil }}
	o := workflow.New(workflow.Config{Dispatcher: disp})

	res := o.RunSequential(context.Background(), "", []workflow.StepSpec{{Agent: "s0", Task: "t0"}})
	if res.WorkflowID == "" {
		t.Fatal("expected a generated workflow id")
	}
}

func TestRunParallel_BothStepsCompleteRegardlessOfOrderPerScenarioS5(t *testing.T) {
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		return "done-" + agent, nil
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp})

	res := o.RunParallel(context.Background(), "", []workflow.StepSpec{
		{Agent: "a", Task: "ta"},
		{Agent: "b", Task: "tb"},
	})

	if res.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %q", res.Status)
	}
	if res.Steps[0].Result != "done-a" || res.Steps[1].Result != "done-b" {
		t.Fatalf("unexpected step results: %+v", res.Steps)
	}
}

func TestRunParallel_OneFailureDoesNotCancelSiblings(t *testing.T) {
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		if agent == "a" {
			return "", fmt.Errorf("boom")
		}
		return "done-" + agent, nil
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp})

	res := o.RunParallel(context.Background(), "", []workflow.StepSpec{
		{Agent: "a", Task: "ta"},
		{Agent: "b", Task: "tb"},
	})

	if res.Status != workflow.StatusFailed {
		t.Fatalf("expected aggregate failed, got %q", res.Status)
	}
	if res.Steps[1].Status != workflow.StatusCompleted {
		t.Fatalf("expected sibling step to still complete, got %q", res.Steps[1].Status)
	}
}

func TestRunFallback_ReturnsFirstSuccess(t *testing.T) {
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		if agent == "primary" {
			return "", fmt.Errorf("unavailable")
		}
		return "handled by " + agent, nil
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp})

	out, err := o.RunFallback(context.Background(), "task", []string{"primary", "secondary"})
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if out != "handled by secondary" {
		t.Fatalf("expected fallback to secondary, got %q", out)
	}
}

func TestRunFallback_FailsWhenAllAgentsFail(t *testing.T) {
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		return "", fmt.Errorf("%s down", agent)
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp})

	_, err := o.RunFallback(context.Background(), "task", []string{"primary", "secondary"})
	if err == nil {
		t.Fatal("expected an error when every fallback agent fails")
	}
}

func TestActiveWorkflows_TrackedDuringRunAndClearedAfter(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	disp := &fakeDispatcher{fn: func(agent, task string) (string, error) {
		close(started)
		<-release
		return "ok", nil
	}}
	o := workflow.New(workflow.Config{Dispatcher: disp})

	done := make(chan workflow.Result)
	go func() {
		done <- o.RunSequential(context.Background(), "trackme", []workflow.StepSpec{{Agent: "s0", Task: "t"}})
	}()

	<-started
	if _, ok := o.GetWorkflowStatus("trackme"); !ok {
		t.Fatal("expected workflow to be tracked while running")
	}
	ids := o.ListActiveWorkflows()
	if len(ids) != 1 || ids[0] != "trackme" {
		t.Fatalf("expected active workflow list [trackme], got %v", ids)
	}

	close(release)
	<-done

	if _, ok := o.GetWorkflowStatus("trackme"); ok {
		t.Fatal("expected workflow to be untracked after completion")
	}
}

func TestCancel_ReportsUnsupported(t *testing.T) {
	o := workflow.New(workflow.Config{Dispatcher: &fakeDispatcher{fn: func(agent, task string) (string, error) { return "", nil }}})
	if err := o.Cancel("anything"); err == nil {
		t.Fatal("expected Cancel to report unsupported")
	}
}
