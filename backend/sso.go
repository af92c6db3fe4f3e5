package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	devhttp "github.com/deployops/deployflow/http"
	"github.com/deployops/deployflow/workflow"
)

// SSOConfig holds the settings for one project's SSO deployment system.
type SSOConfig struct {
	// URL is the base URL of the SSO API.
	URL string

	// Token is a static bearer token. When TokenURL is set instead, an
	// OAuth2 client-credentials flow supplies tokens.
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// ProxyURL routes SSO traffic through a proxy when set.
	ProxyURL string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
}

// SSO files release orders and polls build details via the SSO REST API.
type SSO struct {
	cfg    *SSOConfig
	client *devhttp.Client
	tokens oauth2.TokenSource
	logger *slog.Logger
}

// NewSSO creates an SSO client.
func NewSSO(cfg SSOConfig, logger *slog.Logger) (*SSO, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sso: url required")
	}
	if cfg.Token == "" && cfg.TokenURL == "" {
		return nil, fmt.Errorf("sso: token or token_url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = devhttp.DefaultTimeout
	}

	httpClient, err := NewHTTPClient(cfg.ProxyURL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("sso: %w", err)
	}

	s := &SSO{cfg: &cfg, logger: logger}

	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		s.tokens = cc.TokenSource(ctx)
	} else {
		s.warnIfExpired(cfg.Token)
	}

	s.client = devhttp.NewClient(devhttp.ClientConfig{
		Client:      httpClient,
		BaseURL:     strings.TrimSuffix(cfg.URL, "/"),
		ServiceName: "sso",
		BeforeRequest: func(req *nethttp.Request) {
			token := cfg.Token
			if s.tokens != nil {
				if t, err := s.tokens.Token(); err == nil {
					token = t.AccessToken
				} else {
					s.logger.Warn("sso token fetch failed", "error", err)
				}
			}
			req.Header.Set("Authorization", "Bearer "+token)
		},
	})

	return s, nil
}

// warnIfExpired inspects a static JWT's expiry claim without verifying the
// signature. Rotating the token is an operator action; the engine can only
// flag it early instead of failing every submission later.
func (s *SSO) warnIfExpired(token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return // not a JWT, nothing to inspect
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		s.logger.Warn("sso static token is expired", "expired_at", exp.Time)
	}
}

// Kind implements Client.
func (s *SSO) Kind() workflow.BackendKind {
	return workflow.BackendSSO
}

// job catalog entry returned by the job query endpoint.
type ssoJob struct {
	JobID   string `json:"jobId"`
	JobName string `json:"jobName"`
}

// Submit implements Client: resolve the service's job id, file a release
// order, and resolve the release id the monitor will poll.
func (s *SSO) Submit(ctx context.Context, req SubmitRequest) (*Ref, error) {
	jobID, err := s.lookupJob(ctx, req)
	if err != nil {
		return nil, err
	}

	order := s.buildOrder(req, jobID)
	var submitResp struct {
		Object struct {
			ProcessInstanceID string `json:"processInstanceId"`
		} `json:"object"`
	}
	if err := s.client.Post(ctx, "/api/flow/task/startnew/dcAutoReleaseProcess", order, &submitResp); err != nil {
		return nil, fmt.Errorf("sso submit order: %w", err)
	}
	processID := submitResp.Object.ProcessInstanceID
	if processID == "" {
		return nil, fmt.Errorf("sso submit order: no processInstanceId in response")
	}

	s.logger.Info("sso order filed",
		"process_instance_id", processID,
		"service", req.Service,
		"workflow_id", req.WorkflowID,
	)

	releaseID, err := s.lookupReleaseID(ctx, processID)
	if err != nil {
		return nil, err
	}

	return &Ref{ID: releaseID}, nil
}

// lookupJob finds the job id whose catalog name contains the service name.
func (s *SSO) lookupJob(ctx context.Context, req SubmitRequest) (string, error) {
	query := url.Values{}
	query.Set("env", req.Environment)
	query.Set("projects", req.Project)

	var resp struct {
		Data []ssoJob `json:"data"`
	}
	path := "/api/publish3/publish/jenkinsJob/queryOaSameJob?" + query.Encode()
	if err := s.client.Get(ctx, path, &resp); err != nil {
		return "", fmt.Errorf("sso job query: %w", err)
	}

	for _, job := range resp.Data {
		if strings.Contains(job.JobName, req.Service) {
			return job.JobID, nil
		}
	}
	return "", fmt.Errorf("sso job query: no job for service %q in %s/%s",
		req.Service, req.Project, req.Environment)
}

// lookupReleaseID resolves the release id created for an order.
func (s *SSO) lookupReleaseID(ctx context.Context, processID string) (string, error) {
	var resp struct {
		Object []json.Number `json:"object"`
	}
	path := "/api/flow/publish/hisitory/getReleaseId?proId=" + url.QueryEscape(processID)
	if err := s.client.Get(ctx, path, &resp); err != nil {
		return "", fmt.Errorf("sso release id: %w", err)
	}
	if len(resp.Object) == 0 {
		return "", fmt.Errorf("sso release id: none for order %s", processID)
	}
	return resp.Object[0].String(), nil
}

// buildOrder assembles the release-order payload. The API wants the detail
// rows as a JSON string, not nested JSON.
func (s *SSO) buildOrder(req SubmitRequest, jobID string) map[string]any {
	item := map[string]any{
		"project_name": req.Project,
		"env":          req.Environment,
		"job_id":       jobID,
		"name":         req.Service,
		"parameters": map[string]string{
			"check_commitID": req.Commit,
			"gitBranch":      req.Branch,
		},
	}

	detail := []any{
		[]any{
			map[string]any{"id": "projectName", "name": "project", "value": req.Project},
			map[string]any{"id": "environment", "name": "environment", "value": req.Environment},
			map[string]any{"id": "releaseTime", "name": "release time", "value": time.Now().Format("2006-01-02 15:04:05")},
			map[string]any{
				"id":       "application",
				"name":     "application",
				"children": []any{[]any{item}},
			},
			map[string]any{"id": "approver", "name": "approver", "value": req.Approver},
		},
	}
	detailJSON, _ := json.Marshal(detail)

	return map[string]any{
		"detail":        string(detailJSON),
		"title":         fmt.Sprintf("%s release %s", req.Project, req.Service),
		"type":          "dcAutoReleaseProcess",
		"processStatus": "0",
	}
}

// buildDetail is the subset of the SSO build-detail response the client reads.
type buildDetail struct {
	JobName       string `json:"jobName"`
	PublishStatus string `json:"publishStatus"`
}

// PollStatus implements Client.
func (s *SSO) PollStatus(ctx context.Context, ref string) (workflow.BuildStatus, error) {
	var resp struct {
		Data buildDetail `json:"data"`
	}
	path := "/api/flow/publish/hisitory/buildDetail?id=" + url.QueryEscape(ref)
	if err := s.client.Get(ctx, path, &resp); err != nil {
		return "", fmt.Errorf("sso build detail %s: %w", ref, err)
	}

	return mapSSOStatus(resp.Data.PublishStatus), nil
}

// mapSSOStatus converts a publishStatus into a BuildStatus. The SSO system
// never reports UNSTABLE; anything not terminal and not empty is an
// in-flight build.
func mapSSOStatus(status string) workflow.BuildStatus {
	switch status {
	case "SUCCESS":
		return workflow.StatusSuccess
	case "FAILURE":
		return workflow.StatusFailure
	case "ABORTED":
		return workflow.StatusAborted
	case "":
		return workflow.StatusPending
	default:
		return workflow.StatusRunning
	}
}
