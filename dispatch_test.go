package deployflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/deployops/deployflow/backend"
	"github.com/deployops/deployflow/config"
	"github.com/deployops/deployflow/errors"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/store"
	"github.com/deployops/deployflow/testutil"
	"github.com/deployops/deployflow/workflow"
)

// dualBackendConfig enables both Jenkins and SSO for the project.
func dualBackendConfig() *config.Config {
	cfg := testConfig()
	cfg.Projects["payments"].SSO = &config.Backend{Enabled: true, URL: "https://sso.example.com"}
	return cfg
}

func TestDispatchFansOutPerBackendAndService(t *testing.T) {
	h := newHarness(t, dualBackendConfig())
	req := h.createApproved(t, "api", "web")
	h.jenkins().Script("api", workflow.StatusSuccess)
	h.jenkins().Script("web", workflow.StatusSuccess)
	h.sso().Script("api", workflow.StatusSuccess)
	h.sso().Script("web", workflow.StatusSuccess)

	subs, err := h.engine.Dispatch(testutil.TestContext(t), req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(subs) != 4 {
		t.Fatalf("got %d submissions, want 2 backends x 2 services", len(subs))
	}

	for _, call := range h.jenkins().SubmitCalls() {
		if call.Approver != "meg" || call.WorkflowID != req.ID || call.Commit != "abc123" {
			t.Errorf("submit payload = %+v", call)
		}
	}

	outcome := h.waitOutcome(t, req.ID)
	if outcome.Outcome != workflow.CompositeCompleted {
		t.Errorf("outcome = %q, want completed", outcome.Outcome)
	}
	if len(outcome.Results) != 4 {
		t.Errorf("outcome results = %d, want full per-service breakdown", len(outcome.Results))
	}
}

func TestDispatchPartialFailureNamesFailedPair(t *testing.T) {
	h := newHarness(t, dualBackendConfig())
	req := h.createApproved(t, "api")
	h.jenkins().Script("api", workflow.StatusSuccess)
	h.sso().FailSubmit("api", fmt.Errorf("backend reports invalid job"))

	subs, err := h.engine.Dispatch(testutil.TestContext(t), req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v, partial failure must proceed", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want both attempts recorded", len(subs))
	}

	dispatched := h.notifier.ByType(notify.EventDispatched)
	if len(dispatched) != 1 {
		t.Fatalf("dispatched events = %d, want 1", len(dispatched))
	}
	var failedPairs []notify.ServiceResult
	for _, r := range dispatched[0].Results {
		if r.Status == workflow.StatusFailure {
			failedPairs = append(failedPairs, r)
		}
	}
	if len(failedPairs) != 1 || failedPairs[0].Backend != workflow.BackendSSO || failedPairs[0].Service != "api" {
		t.Fatalf("failed pairs = %+v, want exactly (sso, api)", failedPairs)
	}

	outcome := h.waitOutcome(t, req.ID)
	if outcome.Outcome != workflow.CompositePartiallyFailed {
		t.Errorf("outcome = %q, want partially_failed", outcome.Outcome)
	}
}

func TestDispatchAllFailed(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createApproved(t, "api", "web")
	h.jenkins().FailSubmit("api", fmt.Errorf("backend reports invalid job"))
	h.jenkins().FailSubmit("web", fmt.Errorf("backend reports invalid job"))

	_, err := h.engine.Dispatch(testutil.TestContext(t), req)
	if err == nil || !errors.IsDispatchFailed(err) {
		t.Fatalf("Dispatch() error = %v, want dispatch failed", err)
	}

	outcome := h.waitOutcome(t, req.ID)
	if outcome.Outcome != workflow.CompositeFailed {
		t.Errorf("outcome = %q, want failed", outcome.Outcome)
	}
	if len(outcome.Mentions) == 0 {
		t.Error("aggregate failure carried no ops mentions")
	}
	if outcomes := h.notifier.ByType(notify.EventBuildOutcome); len(outcomes) != 1 {
		t.Errorf("%d aggregate notifications, want exactly 1", len(outcomes))
	}
}

func TestDispatchRetriesConnectionErrorOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createApproved(t, "api")
	h.jenkins().FailSubmit("api", fmt.Errorf("dial tcp 10.0.0.1:443: connection refused"))
	h.jenkins().Script("api", workflow.StatusSuccess)

	subs, err := h.engine.Dispatch(testutil.TestContext(t), req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v, want retry to succeed", err)
	}
	if len(subs) != 1 || subs[0].Status != workflow.StatusPending {
		t.Fatalf("submissions = %+v", subs)
	}
	if calls := h.jenkins().SubmitCalls(); len(calls) != 2 {
		t.Errorf("submit calls = %d, want original plus one retry", len(calls))
	}
}

func TestDispatchDoesNotRetryApplicationError(t *testing.T) {
	h := newHarness(t, testConfig())
	req := h.createApproved(t, "api")
	h.jenkins().FailSubmit("api", fmt.Errorf("backend reports invalid job"))

	_, err := h.engine.Dispatch(testutil.TestContext(t), req)
	if err == nil {
		t.Fatal("Dispatch() error = nil, want dispatch failed")
	}
	if calls := h.jenkins().SubmitCalls(); len(calls) != 1 {
		t.Errorf("submit calls = %d, application errors must not retry", len(calls))
	}
}

// failingRefStore fails the save that attaches a build reference for
// one service, simulating a store outage between Submit and
// persistence.
type failingRefStore struct {
	store.Store
	service string
}

func (s *failingRefStore) SaveSubmission(ctx context.Context, sub *workflow.Submission) error {
	if sub.BuildRef != "" && sub.Service == s.service {
		return fmt.Errorf("database is locked")
	}
	return s.Store.SaveSubmission(ctx, sub)
}

func TestDispatchPersistFailureCountsAsFailedAttempt(t *testing.T) {
	jenkins := testutil.NewScriptedBackend(workflow.BackendJenkins)
	jenkins.Script("api", workflow.StatusSuccess)
	mem := store.NewMemory()
	notifier := testutil.NewRecordingNotifier()

	e := NewEngine(testConfig(), &failingRefStore{Store: mem, service: "web"}, notifier,
		WithClientFactory(func(project string, kind workflow.BackendKind, bcfg *config.Backend, logger *slog.Logger) (backend.Client, error) {
			return jenkins, nil
		}),
	)
	t.Cleanup(e.Shutdown)

	req, err := workflow.NewRequest("payments", "staging", "release/2.0",
		[]string{"api", "web"}, []string{"abc123", "abc123"})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Requester = "dana"
	req.ChatID = 42
	req.Approval = workflow.Approval{State: workflow.StateApproved, Approver: "meg"}
	if err := mem.CreateWorkflow(context.Background(), req); err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}

	subs, err := e.Dispatch(testutil.TestContext(t), req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v, one lost submission must not fail the rest", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want both attempts recorded", len(subs))
	}
	if calls := jenkins.SubmitCalls(); len(calls) != 2 {
		t.Fatalf("submit calls = %d, want 2", len(calls))
	}

	// The unpersistable submission is recorded as a terminal failure, so
	// the composite outcome and restart recovery both see the attempt.
	persisted, err := mem.ListSubmissions(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	byService := make(map[string]*workflow.Submission)
	for _, sub := range persisted {
		byService[sub.Service] = sub
	}
	web := byService["web"]
	if web == nil || web.Status != workflow.StatusFailure {
		t.Fatalf("web submission = %+v, want persisted FAILURE", web)
	}
	if !strings.Contains(web.StatusReason, "persist build ref") {
		t.Errorf("reason = %q, want the persistence failure named", web.StatusReason)
	}

	outcome, ok := notifier.WaitFor(notify.EventBuildOutcome, req.ID, 3*time.Second)
	if !ok {
		t.Fatal("no outcome notification")
	}
	if outcome.Outcome != workflow.CompositePartiallyFailed {
		t.Errorf("outcome = %q, want partially_failed", outcome.Outcome)
	}
}

func TestDispatchNoBackendsEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Projects["payments"].Jenkins.Enabled = false
	h := newHarness(t, cfg)
	req := h.createApproved(t, "api")

	_, err := h.engine.Dispatch(testutil.TestContext(t), req)
	if err == nil || !errors.IsDispatchFailed(err) {
		t.Fatalf("Dispatch() error = %v, want dispatch failed", err)
	}
	subs, _ := h.store.ListSubmissions(context.Background(), req.ID)
	if len(subs) != 0 {
		t.Errorf("submissions = %d, want none", len(subs))
	}
}
