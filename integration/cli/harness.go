//go:build integration

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/confsyncd/internal/testutil"
)

const defaultTimeout = 3 * time.Minute

// Harness builds the confsyncd binary once and runs it against a local
// remote repository, a target directory and a fake Home Assistant.
type Harness struct {
	t      *testing.T
	binary string

	Root      string
	Remote    string
	TargetDir string
	StateDir  string
	Config    string

	HA *FakeHomeAssistant
}

// NewHarness builds the binary and prepares an empty remote on branch main
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	root := t.TempDir()
	h := &Harness{
		t:         t,
		binary:    filepath.Join(root, "confsyncd"),
		Root:      root,
		Remote:    filepath.Join(root, "remote"),
		TargetDir: filepath.Join(root, "target"),
		StateDir:  filepath.Join(root, "state"),
		Config:    filepath.Join(root, "config.yaml"),
		HA:        NewFakeHomeAssistant(t),
	}

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}
	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/confsyncd")
	build.Dir = projectRoot
	build.Stdout = &testWriter{t: t, prefix: "[build] "}
	build.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := build.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	h.Git("init", "-b", "main", h.Remote)
	h.GitRemote("config", "user.email", "test@example.com")
	h.GitRemote("config", "user.name", "Test User")
	return h
}

// WriteConfig writes the daemon configuration. extra is appended verbatim.
func (h *Harness) WriteConfig(extra string) {
	h.t.Helper()
	content := fmt.Sprintf(`repo:
  url: file://%s
  branch: main
  depth: 1
paths:
  target_dir: %s
  state_dir: %s
sync:
  poll_interval: 1h
homeassistant:
  base_url: %s
  token: integration-token
  max_retries: 0
%s`, h.Remote, h.TargetDir, h.StateDir, h.HA.URL(), extra)
	if err := os.WriteFile(h.Config, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Result is the outcome of one CLI invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes confsyncd with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) Result {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, append([]string{"--config", h.Config}, args...)...)
	cmd.Env = h.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Result{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec confsyncd: %v", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// MustRun executes confsyncd and fails the test on a non-zero exit code
func (h *Harness) MustRun(ctx context.Context, args ...string) Result {
	h.t.Helper()
	res := h.Run(ctx, args...)
	if res.ExitCode != 0 {
		h.t.Fatalf("confsyncd %v exited with %d\nstdout: %s\nstderr: %s", args, res.ExitCode, res.Stdout, res.Stderr)
	}
	return res
}

// Start launches the daemon in the background
func (h *Harness) Start(ctx context.Context, args ...string) *exec.Cmd {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, append([]string{"--config", h.Config, "run"}, args...)...)
	cmd.Env = h.env()
	cmd.Stdout = &testWriter{t: h.t, prefix: "[daemon] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[daemon] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start daemon: %v", err)
	}
	return cmd
}

func (h *Harness) env() []string {
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SUPERVISOR_TOKEN=") || strings.HasPrefix(kv, "GIT_ACCESS_TOKEN=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// Git runs git with the given arguments
func (h *Harness) Git(args ...string) string {
	h.t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// GitRemote runs git inside the remote repository
func (h *Harness) GitRemote(args ...string) string {
	h.t.Helper()
	return h.Git(append([]string{"-C", h.Remote}, args...)...)
}

// CommitFiles writes files into the remote and commits them
func (h *Harness) CommitFiles(msg string, files map[string]string) {
	h.t.Helper()
	for name, content := range files {
		full := filepath.Join(h.Remote, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			h.t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			h.t.Fatalf("write %s: %v", name, err)
		}
	}
	h.GitRemote("add", "-A")
	h.GitRemote("commit", "-m", msg)
}

// ReadTarget reads a file from the target directory
func (h *Harness) ReadTarget(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.TargetDir, name))
	return string(data), err
}

// TargetExists reports whether name exists in the target directory
func (h *Harness) TargetExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.TargetDir, name))
	return err == nil
}

// FakeHomeAssistant records fired events and answers config checks
type FakeHomeAssistant struct {
	server *httptest.Server

	mu      sync.Mutex
	events  []Event
	invalid bool
}

// Event is one event fired at the fake
type Event struct {
	Name    string
	Payload map[string]any
}

// NewFakeHomeAssistant starts the fake; it is closed with the test
func NewFakeHomeAssistant(t *testing.T) *FakeHomeAssistant {
	f := &FakeHomeAssistant{}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the base URL of the fake
func (f *FakeHomeAssistant) URL() string { return f.server.URL }

// SetInvalid makes subsequent config checks fail
func (f *FakeHomeAssistant) SetInvalid(invalid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid = invalid
}

// Events returns the events received so far
func (f *FakeHomeAssistant) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// Reset forgets received events
func (f *FakeHomeAssistant) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *FakeHomeAssistant) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer integration-token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.URL.Path == "/api/config/core/check_config":
		f.mu.Lock()
		invalid := f.invalid
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if invalid {
			_, _ = io.WriteString(w, `{"result":"invalid","errors":"Integration error: broken"}`)
			return
		}
		_, _ = io.WriteString(w, `{"result":"valid","errors":null}`)
	case strings.HasPrefix(r.URL.Path, "/api/events/"):
		payload := map[string]any{}
		_ = json.Unmarshal(body, &payload)
		f.mu.Lock()
		f.events = append(f.events, Event{Name: strings.TrimPrefix(r.URL.Path, "/api/events/"), Payload: payload})
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"message":"Event fired."}`)
	default:
		http.NotFound(w, r)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
