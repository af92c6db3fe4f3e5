package integrationtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deployops/deployflow"
	"github.com/deployops/deployflow/backend"
	"github.com/deployops/deployflow/config"
	"github.com/deployops/deployflow/notify"
	"github.com/deployops/deployflow/store"
	"github.com/deployops/deployflow/testutil"
	"github.com/deployops/deployflow/workflow"
)

// chatServer fakes the Telegram Bot API and records delivered texts.
type chatServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	sent   []string
	edited []string
	nextID int64
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	c := &chatServer{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		c.mu.Lock()
		defer c.mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			c.sent = append(c.sent, body.Text)
			c.nextID++
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": c.nextID},
			})
			return
		}
		c.edited = append(c.edited, body.Text)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *chatServer) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *chatServer) editedTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.edited))
	copy(out, c.edited)
	return out
}

// waitForSent polls until some delivered message contains substr.
func (c *chatServer) waitForSent(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, text := range c.sentTexts() {
			if strings.Contains(text, substr) {
				return text
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no chat message containing %q; got %v", substr, c.sentTexts())
	return ""
}

type env struct {
	engine  *deployflow.Engine
	store   *store.SQLite
	chat    *chatServer
	jenkins *testutil.ScriptedBackend
	dbPath  string
	cfg     *config.Config
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollCount = 500
	cfg.Projects = map[string]*config.Project{
		"payments": {
			Approvers: []string{"meg"},
			Ops:       []string{"oncall"},
			Jenkins:   &config.Backend{Enabled: true, URL: "https://ci.example.com"},
		},
	}
	return cfg
}

// setupEnv wires a full engine: SQLite store, fake Telegram, scripted
// Jenkins. dbPath may point at an existing database to simulate restart.
func setupEnv(t *testing.T, cfg *config.Config, dbPath string) *env {
	t.Helper()

	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "deployflow.db")
	}
	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	chat := newChatServer(t)
	notifier := notify.NewChatNotifier(notify.NewTelegram("test-token",
		notify.WithTelegramBaseURL(chat.srv.URL)))

	jenkins := testutil.NewScriptedBackend(workflow.BackendJenkins)
	e := deployflow.NewEngine(cfg, st, notifier,
		deployflow.WithClientFactory(func(project string, kind workflow.BackendKind, bcfg *config.Backend, logger *slog.Logger) (backend.Client, error) {
			return jenkins, nil
		}),
	)
	t.Cleanup(e.Shutdown)

	return &env{engine: e, store: st, chat: chat, jenkins: jenkins, dbPath: dbPath, cfg: cfg}
}

func newRequest(t *testing.T, services ...string) *workflow.Request {
	t.Helper()
	commits := make([]string, len(services))
	for i := range commits {
		commits[i] = "abc123"
	}
	req, err := workflow.NewRequest("payments", "staging", "release/3.1", services, commits)
	require.NoError(t, err)
	req.Requester = "dana"
	req.ChatID = 42
	return req
}
