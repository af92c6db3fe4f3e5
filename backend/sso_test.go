package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deployops/deployflow/workflow"
)

func newSSOFixture(t *testing.T, handler http.Handler) *SSO {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := NewSSO(SSOConfig{URL: srv.URL, Token: "tok"}, nil)
	if err != nil {
		t.Fatalf("NewSSO() error = %v", err)
	}
	return s
}

func ssoSubmitMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/publish3/publish/jenkinsJob/queryOaSameJob", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("env"); got != "UAT" {
			t.Errorf("env = %q, want UAT", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []ssoJob{
				{JobID: "job-1", JobName: "uat-other-service"},
				{JobID: "job-2", JobName: "uat-svc-a-deploy"},
			},
		})
	})
	mux.HandleFunc("/api/flow/task/startnew/dcAutoReleaseProcess", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		// detail must arrive as a JSON string, not nested JSON
		detail, ok := body["detail"].(string)
		if !ok {
			t.Errorf("detail is %T, want string", body["detail"])
		} else if !strings.Contains(detail, "svc-a") {
			t.Errorf("detail %q does not name the service", detail)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": map[string]any{"processInstanceId": "proc-9"},
		})
	})
	mux.HandleFunc("/api/flow/publish/hisitory/getReleaseId", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("proId"); got != "proc-9" {
			t.Errorf("proId = %q, want proc-9", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"object": []int{314}})
	})
	return mux
}

func TestSSO_Submit(t *testing.T) {
	s := newSSOFixture(t, ssoSubmitMux(t))

	ref, err := s.Submit(context.Background(), SubmitRequest{
		Project:     "payments",
		Environment: "UAT",
		Branch:      "release-2.4",
		Service:     "svc-a",
		Commit:      "abc123",
		WorkflowID:  "wf-1",
		Approver:    "alice",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ref.ID != "314" {
		t.Errorf("ref = %q, want 314", ref.ID)
	}
}

func TestSSO_Submit_NoJobForService(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/publish3/publish/jenkinsJob/queryOaSameJob", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []ssoJob{{JobID: "job-1", JobName: "unrelated"}}})
	})
	s := newSSOFixture(t, mux)

	_, err := s.Submit(context.Background(), SubmitRequest{
		Project: "payments", Environment: "UAT", Service: "svc-a",
	})
	if err == nil || !strings.Contains(err.Error(), "no job for service") {
		t.Errorf("error = %v, want no-job error", err)
	}
}

func TestSSO_PollStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   workflow.BuildStatus
	}{
		{"success", "SUCCESS", workflow.StatusSuccess},
		{"failure", "FAILURE", workflow.StatusFailure},
		{"aborted", "ABORTED", workflow.StatusAborted},
		{"in flight", "BUILDING", workflow.StatusRunning},
		{"unknown states are in flight", "DEPLOYING", workflow.StatusRunning},
		{"not started", "", workflow.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/flow/publish/hisitory/buildDetail", func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("id"); got != "314" {
					t.Errorf("id = %q, want 314", got)
				}
				json.NewEncoder(w).Encode(map[string]any{
					"data": buildDetail{JobName: "uat-svc-a", PublishStatus: tt.status},
				})
			})
			s := newSSOFixture(t, mux)

			got, err := s.PollStatus(context.Background(), "314")
			if err != nil {
				t.Fatalf("PollStatus() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PollStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewSSO_RequiresCredentials(t *testing.T) {
	if _, err := NewSSO(SSOConfig{URL: "https://sso"}, nil); err == nil {
		t.Error("NewSSO() without credentials should fail")
	}
	if _, err := NewSSO(SSOConfig{Token: "tok"}, nil); err == nil {
		t.Error("NewSSO() without url should fail")
	}
}
