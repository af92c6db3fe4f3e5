package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/deployops/deployflow/workflow"
)

// SubmitRequest carries everything a backend needs to start one build.
// Approver rides along as an audit parameter on the backend side.
type SubmitRequest struct {
	Project     string
	Environment string
	Branch      string
	Service     string
	Commit      string
	WorkflowID  string
	Approver    string
}

// Ref is a backend-assigned build reference.
type Ref struct {
	// ID is the serialized reference: "job#number" for Jenkins, a
	// release id for SSO.
	ID string

	// URL links to the build in the backend UI, when known.
	URL string
}

// Client is the per-backend submission and polling interface.
type Client interface {
	// Kind identifies the backend.
	Kind() workflow.BackendKind

	// Submit starts one build and returns its reference.
	Submit(ctx context.Context, req SubmitRequest) (*Ref, error)

	// PollStatus queries the current status of a previously submitted
	// build. Transient errors are returned for the caller to retry.
	PollStatus(ctx context.Context, ref string) (workflow.BuildStatus, error)
}

// NewHTTPClient builds an *http.Client with the given timeout, routed
// through proxyURL when set. Both socks5:// and http:// proxies are
// supported.
func NewHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	return client, nil
}
