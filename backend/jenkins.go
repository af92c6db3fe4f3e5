package backend

import (
	"context"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	devhttp "github.com/deployops/deployflow/http"
	"github.com/deployops/deployflow/workflow"
)

// JenkinsConfig holds the settings for one project's Jenkins instance.
type JenkinsConfig struct {
	// URL is the base URL of the Jenkins instance.
	URL string

	// Username and Token form the basic-auth pair. Jenkins accepts the
	// token alone as both fields when no username is configured.
	Username string
	Token    string

	// ProxyURL routes Jenkins traffic through a proxy when set.
	ProxyURL string

	// StartTimeout bounds how long Submit waits for a triggered build to
	// leave the queue and receive a build number.
	StartTimeout time.Duration

	// StartPollInterval is the pause between queue checks while waiting
	// for the build to start.
	StartPollInterval time.Duration

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
}

func (c *JenkinsConfig) withDefaults() *JenkinsConfig {
	out := *c
	if out.StartTimeout == 0 {
		out.StartTimeout = time.Minute
	}
	if out.StartPollInterval == 0 {
		out.StartPollInterval = 2 * time.Second
	}
	if out.Timeout == 0 {
		out.Timeout = devhttp.DefaultTimeout
	}
	return &out
}

// Jenkins submits parameterized builds and polls their status via the
// Jenkins REST API.
type Jenkins struct {
	cfg    *JenkinsConfig
	client *devhttp.Client
	logger *slog.Logger
}

// NewJenkins creates a Jenkins client.
func NewJenkins(cfg JenkinsConfig, logger *slog.Logger) (*Jenkins, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("jenkins: url required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("jenkins: token required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	effective := cfg.withDefaults()

	httpClient, err := NewHTTPClient(effective.ProxyURL, effective.Timeout)
	if err != nil {
		return nil, fmt.Errorf("jenkins: %w", err)
	}

	username := effective.Username
	if username == "" {
		username = effective.Token
	}

	return &Jenkins{
		cfg: effective,
		client: devhttp.NewClient(devhttp.ClientConfig{
			Client:      httpClient,
			BaseURL:     strings.TrimSuffix(effective.URL, "/"),
			ServiceName: "jenkins",
			BeforeRequest: func(req *nethttp.Request) {
				req.SetBasicAuth(username, effective.Token)
			},
		}),
		logger: logger,
	}, nil
}

// Kind implements Client.
func (j *Jenkins) Kind() workflow.BackendKind {
	return workflow.BackendJenkins
}

// jobInfo is the subset of the Jenkins job API the client reads.
type jobInfo struct {
	NextBuildNumber int `json:"nextBuildNumber"`
}

// buildInfo is the subset of the Jenkins build API the client reads.
type buildInfo struct {
	Building bool   `json:"building"`
	Result   string `json:"result"`
	URL      string `json:"url"`
}

// Submit implements Client. The job name is environment/service; the
// build parameters carry the branch, commit, and audit fields.
func (j *Jenkins) Submit(ctx context.Context, req SubmitRequest) (*Ref, error) {
	job := fmt.Sprintf("%s/%s", req.Environment, req.Service)
	jobPath := jobURLPath(job)

	// The next build number is read before triggering; buildWithParameters
	// returns only a queue location.
	var info jobInfo
	if err := j.client.Get(ctx, jobPath+"/api/json", &info); err != nil {
		return nil, fmt.Errorf("jenkins job info %s: %w", job, err)
	}
	number := info.NextBuildNumber

	params := url.Values{}
	params.Set("gitBranch", req.Branch)
	params.Set("check_commitID", req.Commit)
	params.Set("DEPLOY_WORKFLOW", req.WorkflowID)
	params.Set("DEPLOY_APPROVER", req.Approver)
	if err := j.client.PostForm(ctx, jobPath+"/buildWithParameters", params); err != nil {
		return nil, fmt.Errorf("jenkins trigger %s: %w", job, err)
	}

	j.logger.Info("jenkins build triggered",
		"job", job,
		"build", number,
		"workflow_id", req.WorkflowID,
	)

	if err := j.waitForStart(ctx, job, number); err != nil {
		return nil, fmt.Errorf("jenkins build %s#%d: %w", job, number, err)
	}

	return &Ref{
		ID:  fmt.Sprintf("%s#%d", job, number),
		URL: fmt.Sprintf("%s%s/%d/", j.cfg.URL, jobPath, number),
	}, nil
}

// waitForStart polls until the expected build number exists. A triggered
// build sits in the queue first and has no build record until an executor
// picks it up.
func (j *Jenkins) waitForStart(ctx context.Context, job string, number int) error {
	deadline := time.Now().Add(j.cfg.StartTimeout)
	for {
		var info buildInfo
		err := j.client.Get(ctx, buildURLPath(job, number)+"/api/json", &info)
		if err == nil {
			return nil
		}
		if !devhttp.IsNotFound(err) {
			j.logger.Warn("jenkins start check failed", "job", job, "build", number, "error", err)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("build did not start within %s", j.cfg.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.cfg.StartPollInterval):
		}
	}
}

// PollStatus implements Client.
func (j *Jenkins) PollStatus(ctx context.Context, ref string) (workflow.BuildStatus, error) {
	job, number, err := parseJenkinsRef(ref)
	if err != nil {
		return "", err
	}

	var info buildInfo
	if err := j.client.Get(ctx, buildURLPath(job, number)+"/api/json", &info); err != nil {
		return "", fmt.Errorf("jenkins build info %s: %w", ref, err)
	}

	return mapJenkinsStatus(info), nil
}

// mapJenkinsStatus converts the building/result pair into a BuildStatus.
// A finished build has building=false and a non-empty result; anything
// still on an executor reports building=true.
func mapJenkinsStatus(info buildInfo) workflow.BuildStatus {
	if info.Building {
		return workflow.StatusRunning
	}
	switch info.Result {
	case "SUCCESS":
		return workflow.StatusSuccess
	case "FAILURE":
		return workflow.StatusFailure
	case "ABORTED":
		return workflow.StatusAborted
	case "UNSTABLE":
		return workflow.StatusUnstable
	default:
		// Queued or not yet picked up by an executor.
		return workflow.StatusPending
	}
}

// parseJenkinsRef splits "env/service#number".
func parseJenkinsRef(ref string) (job string, number int, err error) {
	idx := strings.LastIndex(ref, "#")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed jenkins ref %q", ref)
	}
	number, err = strconv.Atoi(ref[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed jenkins ref %q", ref)
	}
	return ref[:idx], number, nil
}

// jobURLPath encodes "folder/name" as /job/folder/job/name.
func jobURLPath(job string) string {
	var b strings.Builder
	for _, part := range strings.Split(job, "/") {
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}

func buildURLPath(job string, number int) string {
	return fmt.Sprintf("%s/%d", jobURLPath(job), number)
}
