package deployflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deployops/deployflow/backend"
	"github.com/deployops/deployflow/config"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/store"
	"github.com/deployops/deployflow/workflow"
)

// =============================================================================
// Engine
// =============================================================================

// ClientFactory builds a backend client from one project's backend
// settings. The default factory constructs the real Jenkins and SSO
// clients; tests substitute fakes.
type ClientFactory func(project string, kind workflow.BackendKind, cfg *config.Backend, logger *slog.Logger) (backend.Client, error)

// Engine drives deployment workflows from approval through dispatch and
// monitoring to a terminal composite outcome.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	notifier notify.Notifier
	auth     config.Authorizer
	logger   *slog.Logger
	factory  ClientFactory
	gate     *Gate

	// submitRetryWait paces the single connection-level retry of a
	// failed Submit; pollRetryWait is the base backoff for transient
	// poll errors within one cycle.
	submitRetryWait time.Duration
	pollRetryWait   time.Duration

	mu      sync.Mutex
	clients map[clientKey]backend.Client
	tracked map[workflow.SubmissionKey]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientKey struct {
	project string
	kind    workflow.BackendKind
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClientFactory overrides backend client construction.
func WithClientFactory(f ClientFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithAuthorizer overrides the membership check, which otherwise comes
// from the configuration's approver and ops sets.
func WithAuthorizer(a config.Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// NewEngine creates an engine over the given store and notifier.
func NewEngine(cfg *config.Config, st store.Store, notifier notify.Notifier, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:             cfg,
		store:           st,
		notifier:        notifier,
		auth:            cfg,
		logger:          slog.Default(),
		factory:         defaultClientFactory,
		gate:            NewGate(),
		submitRetryWait: 2 * time.Second,
		pollRetryWait:   2 * time.Second,
		clients:         make(map[clientKey]backend.Client),
		tracked:         make(map[workflow.SubmissionKey]struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Shutdown stops background work and waits for in-flight monitors and
// dispatches to observe the cancellation.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

func defaultClientFactory(project string, kind workflow.BackendKind, cfg *config.Backend, logger *slog.Logger) (backend.Client, error) {
	switch kind {
	case workflow.BackendJenkins:
		return backend.NewJenkins(backend.JenkinsConfig{
			URL:      cfg.URL,
			Username: cfg.Username,
			Token:    cfg.Token,
			ProxyURL: cfg.ProxyURL,
		}, logger)
	case workflow.BackendSSO:
		return backend.NewSSO(backend.SSOConfig{
			URL:          cfg.URL,
			Token:        cfg.Token,
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			ProxyURL:     cfg.ProxyURL,
		}, logger)
	}
	return nil, fmt.Errorf("unknown backend kind %q", kind)
}

// clientFor returns (building and caching on first use) the client for
// one project backend, configuring its admission gate alongside.
func (e *Engine) clientFor(project string, kind workflow.BackendKind) (backend.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := clientKey{project: project, kind: kind}
	if c, ok := e.clients[key]; ok {
		return c, nil
	}

	p := e.cfg.Project(project)
	if p == nil {
		return nil, fmt.Errorf("project %q not configured", project)
	}
	var bcfg *config.Backend
	switch kind {
	case workflow.BackendJenkins:
		bcfg = p.Jenkins
	case workflow.BackendSSO:
		bcfg = p.SSO
	}
	if bcfg == nil || !bcfg.Enabled {
		return nil, fmt.Errorf("backend %s not enabled for project %q", kind, project)
	}

	c, err := e.factory(project, kind, bcfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("build %s client for %q: %w", kind, project, err)
	}
	e.gate.Configure(project, kind, bcfg.MaxConcurrentBuilds)
	e.clients[key] = c
	return c, nil
}

// enabledBackends lists the project's enabled backend kinds in a fixed
// order so submission and notification order is stable.
func (e *Engine) enabledBackends(project string) []workflow.BackendKind {
	p := e.cfg.Project(project)
	if p == nil {
		return nil
	}
	var kinds []workflow.BackendKind
	if p.Jenkins != nil && p.Jenkins.Enabled {
		kinds = append(kinds, workflow.BackendJenkins)
	}
	if p.SSO != nil && p.SSO.Enabled {
		kinds = append(kinds, workflow.BackendSSO)
	}
	return kinds
}

// =============================================================================
// Request Intake
// =============================================================================

// CreateRequest persists a new workflow in pending state and announces
// it to the origin chat.
func (e *Engine) CreateRequest(ctx context.Context, req *workflow.Request) error {
	if err := e.store.CreateWorkflow(ctx, req); err != nil {
		return err
	}
	e.notifyEvent(ctx, notify.Event{
		Type:        notify.EventApprovalRequested,
		WorkflowID:  req.ID,
		Project:     req.Project,
		Environment: req.Environment,
		ChatID:      req.ChatID,
		Actor:       req.Requester,
		Message:     req.ReleaseNote,
		Severity:    notify.SeverityInfo,
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// GetWorkflow returns the current workflow record, front ends use it to
// render state.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*workflow.Request, error) {
	return e.store.GetWorkflow(ctx, id)
}

// =============================================================================
// Restart Recovery
// =============================================================================

// Resume rebuilds the monitor working set from the store: every
// submission persisted in a non-terminal status gets its polling
// goroutine back. Resumed submissions bypass the admission gate since
// their builds already occupy backend slots.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	subs, err := e.store.ListNonTerminalSubmissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}

	resumed := 0
	for _, sub := range subs {
		if sub.BuildRef == "" {
			// Never made it to the backend; nothing to poll.
			if _, err := e.store.UpdateSubmissionStatus(ctx, sub.Key(), workflow.StatusAborted, "lost before submission"); err != nil {
				e.logger.Error("abort orphaned submission", "key", sub.Key(), "error", err)
				continue
			}
			e.finishWorkflow(ctx, sub.WorkflowID)
			continue
		}

		req, err := e.store.GetWorkflow(ctx, sub.WorkflowID)
		if err != nil {
			e.logger.Error("resume: workflow lookup failed", "key", sub.Key(), "error", err)
			continue
		}
		client, err := e.clientFor(req.Project, sub.Backend)
		if err != nil {
			e.logger.Error("resume: backend unavailable", "key", sub.Key(), "error", err)
			continue
		}
		if e.Track(req.Project, sub, client, false) {
			resumed++
		}
	}

	e.logger.Info("monitor working set rebuilt", "resumed", resumed)
	return resumed, nil
}

// =============================================================================
// Retention
// =============================================================================

// PurgeExpired deletes workflows older than the configured retention
// window and returns how many were removed.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	return store.PurgeExpired(ctx, e.store, e.cfg.Retention())
}

// RunRetention purges expired workflows on the given interval until ctx
// is done.
func (e *Engine) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.PurgeExpired(ctx)
			if err != nil {
				e.logger.Error("retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("purged expired workflows", "count", n)
			}
		}
	}
}

// =============================================================================
// Notification
// =============================================================================

// notifyEvent delivers fire-and-forget: a failed delivery is logged and
// never rolls back state.
func (e *Engine) notifyEvent(ctx context.Context, event notify.Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("notification delivery failed",
			"event_type", event.Type,
			"workflow_id", event.WorkflowID,
			"error", err,
		)
	}
}
