package deployflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/deployops/deployflow/errors"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/testutil"
	"github.com/deployops/deployflow/workflow"
)

func TestDecideApproveRunsToCompletion(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createPending(t, "svc-a")
	h.jenkins().Script("svc-a",
		workflow.StatusRunning,
		workflow.StatusRunning,
		workflow.StatusSuccess,
	)

	if err := h.engine.Decide(testutil.TestContext(t), req.ID, "meg", DecisionApprove, ""); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	outcome := h.waitOutcome(t, req.ID)
	if outcome.Outcome != workflow.CompositeCompleted {
		t.Errorf("outcome = %q, want completed", outcome.Outcome)
	}
	if outcome.ChatID != 42 {
		t.Errorf("outcome chat = %d, want origin chat 42", outcome.ChatID)
	}
	if len(outcome.Mentions) != 0 {
		t.Errorf("mentions = %v, want none on success", outcome.Mentions)
	}

	subs, _ := h.store.ListSubmissions(context.Background(), req.ID)
	if len(subs) != 1 || subs[0].Status != workflow.StatusSuccess {
		t.Fatalf("submissions = %+v", subs)
	}

	approved := h.notifier.ByType(notify.EventApproved)
	if len(approved) != 1 || approved[0].MessageID != 7 {
		t.Errorf("approved events = %+v, want one edit of message 7", approved)
	}
}

func TestDecideRejectSkipsDispatch(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createPending(t, "svc-a")

	if err := h.engine.Decide(testutil.TestContext(t), req.ID, "meg", DecisionReject, "wrong branch"); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	got, _ := h.store.GetWorkflow(context.Background(), req.ID)
	if got.Approval.State != workflow.StateRejected {
		t.Errorf("state = %q, want rejected", got.Approval.State)
	}

	rejected := h.notifier.ByType(notify.EventRejected)
	if len(rejected) != 1 || rejected[0].Comment != "wrong branch" {
		t.Fatalf("rejected events = %+v", rejected)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := h.jenkins().SubmitCalls(); len(calls) != 0 {
		t.Errorf("rejection dispatched %d submissions", len(calls))
	}
}

func TestDecideOpsMemberMayDecide(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createPending(t, "svc-a")

	if err := h.engine.Decide(testutil.TestContext(t), req.ID, "oncall", DecisionReject, ""); err != nil {
		t.Fatalf("Decide() by ops member error = %v", err)
	}
}

func TestDecideUnauthorized(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createPending(t, "svc-a")

	err := h.engine.Decide(testutil.TestContext(t), req.ID, "rando", DecisionApprove, "")
	if !errors.IsUnauthorized(err) {
		t.Fatalf("error = %v, want unauthorized", err)
	}

	got, _ := h.store.GetWorkflow(context.Background(), req.ID)
	if got.Approval.State != workflow.StatePending {
		t.Errorf("state = %q, unauthorized attempt mutated it", got.Approval.State)
	}
}

func TestDecideUnknownWorkflow(t *testing.T) {
	h := newHarness(t, testConfig())

	err := h.engine.Decide(testutil.TestContext(t), "wf-nope", "meg", DecisionApprove, "")
	if !errors.IsWorkflowNotFound(err) {
		t.Fatalf("error = %v, want workflow not found", err)
	}
}

func TestDecideSecondAttemptFails(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createPending(t, "svc-a")
	h.jenkins().Script("svc-a", workflow.StatusSuccess)

	if err := h.engine.Decide(testutil.TestContext(t), req.ID, "meg", DecisionApprove, ""); err != nil {
		t.Fatalf("first Decide() error = %v", err)
	}
	err := h.engine.Decide(testutil.TestContext(t), req.ID, "oncall", DecisionReject, "")
	if !errors.IsAlreadyDecided(err) {
		t.Fatalf("second Decide() error = %v, want already decided", err)
	}

	got, _ := h.store.GetWorkflow(context.Background(), req.ID)
	if got.Approval.State != workflow.StateApproved || got.Approval.Approver != "meg" {
		t.Errorf("approval = %+v, second attempt mutated state", got.Approval)
	}
}

func TestConcurrentDecisionsDispatchOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createPending(t, "svc-a")
	h.jenkins().Script("svc-a", workflow.StatusSuccess)

	const racers = 8
	var wg sync.WaitGroup
	okCount := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.engine.Decide(context.Background(), req.ID, "meg", DecisionApprove, ""); err == nil {
				okCount <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(okCount)

	wins := 0
	for range okCount {
		wins++
	}
	if wins != 1 {
		t.Fatalf("%d decisions succeeded, want exactly 1", wins)
	}

	h.waitOutcome(t, req.ID)
	if calls := h.jenkins().SubmitCalls(); len(calls) != 1 {
		t.Errorf("dispatched %d times, want once", len(calls))
	}
	if outcomes := h.notifier.ByType(notify.EventBuildOutcome); len(outcomes) != 1 {
		t.Errorf("%d outcome notifications, want exactly 1", len(outcomes))
	}
}
