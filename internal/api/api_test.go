package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/confsyncd/internal/config"
	"github.com/schaermu/confsyncd/internal/metrics"
	"github.com/schaermu/confsyncd/internal/status"
)

const testSecret = "test-secret-key"

type mockOrchestrator struct {
	mu       sync.Mutex
	current  status.Status
	reasons  []string
	fail     bool
	triggers chan string
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{
		current:  status.Status{Healthy: true},
		triggers: make(chan string, 10),
	}
}

func (m *mockOrchestrator) Status() status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockOrchestrator) Trigger(_ context.Context, reason string) (status.Status, error) {
	m.mu.Lock()
	m.reasons = append(m.reasons, reason)
	var err error
	if m.fail {
		err = errors.New("git fetch failed")
		m.current = status.Status{Healthy: false, Error: err.Error()}
	} else {
		m.current = status.Status{Healthy: true, LastSync: &status.SyncMetadata{Reason: reason, Branch: "main"}}
	}
	st := m.current
	m.mu.Unlock()

	m.triggers <- reason
	return st, err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
repo:
  url: https://github.com/test/ha-config.git
  branch: main
auth:
  token: git-secret
paths:
  target_dir: /config
  state_dir: /data
mqtt:
  password: mqtt-secret
` + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func withWebhookSecret(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhook_secret")
	require.NoError(t, os.WriteFile(path, []byte(testSecret+"\n"), 0600))
	return "api:\n  webhook_secret_file: " + path + "\n"
}

func newTestServer(t *testing.T, extra string) (*Server, *mockOrchestrator, *metrics.Metrics) {
	t.Helper()
	orch := newMockOrchestrator()
	m := metrics.New()
	s, err := NewServer(loadConfig(t, extra), orch, m, testLogger())
	require.NoError(t, err)
	return s, orch, m
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rec))
}

func TestStatus(t *testing.T) {
	s, orch, _ := newTestServer(t, "")
	orch.current = status.Status{Healthy: false, PendingReason: "scheduled", Error: "boom"}

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[map[string]any](t, rec)
	assert.Equal(t, false, got["healthy"])
	assert.Equal(t, "scheduled", got["pending_reason"])
	assert.Equal(t, "boom", got["error"])
	assert.Contains(t, got, "last_sync")
}

func TestSync(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		fail       bool
		wantCode   int
		wantReason string
	}{
		{name: "default reason", body: "", wantCode: http.StatusOK, wantReason: "manual"},
		{name: "empty object", body: "{}", wantCode: http.StatusOK, wantReason: "manual"},
		{name: "custom reason", body: `{"reason":"deploy button"}`, wantCode: http.StatusOK, wantReason: "deploy button"},
		{name: "failed run still answers", body: "", fail: true, wantCode: http.StatusOK, wantReason: "manual"},
		{name: "invalid body", body: "{not json", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, orch, _ := newTestServer(t, "")
			orch.fail = tt.fail

			rec := do(t, s.Handler(), httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(tt.body)))
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantReason == "" {
				assert.Empty(t, orch.reasons)
				return
			}

			require.Equal(t, []string{tt.wantReason}, orch.reasons)
			st := decode[status.Status](t, rec)
			assert.Equal(t, !tt.fail, st.Healthy)
			if tt.fail {
				assert.Equal(t, "git fetch failed", st.Error)
			} else {
				assert.Equal(t, tt.wantReason, st.LastSync.Reason)
			}
		})
	}
}

func TestSync_TruncatesLongReason(t *testing.T) {
	s, orch, _ := newTestServer(t, "")
	body := `{"reason":"` + strings.Repeat("x", 500) + `"}`

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, orch.reasons, 1)
	assert.Len(t, orch.reasons[0], maxReasonLength)
}

func TestSync_TruncatesOnRuneBoundary(t *testing.T) {
	s, orch, _ := newTestServer(t, "")
	body := `{"reason":"` + strings.Repeat("€", 100) + `"}`

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, orch.reasons, 1)
	reason := orch.reasons[0]
	assert.True(t, utf8.ValidString(reason))
	assert.Len(t, reason, 126)
	assert.Equal(t, strings.Repeat("€", 42), reason)
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))
	assert.Equal(t, strings.Repeat("é", 64), truncateReason(strings.Repeat("é", 80)))
	assert.Equal(t, strings.Repeat("x", maxReasonLength), truncateReason(strings.Repeat("x", 200)))
}

func TestSync_RateLimited(t *testing.T) {
	s, orch, m := newTestServer(t, "api:\n  manual_sync_rate: 1\n")
	h := s.Handler()

	rec := do(t, h, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, orch.reasons, 1)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "confsyncd_manual_sync_rejected_total 1")

	expected := `
# HELP confsyncd_manual_sync_rejected_total Manual sync requests rejected by the rate limiter
# TYPE confsyncd_manual_sync_rejected_total counter
confsyncd_manual_sync_rejected_total 1
`
	assert.NoError(t, promtestutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "confsyncd_manual_sync_rejected_total"))
}

func TestSync_UnlimitedRate(t *testing.T) {
	s, orch, _ := newTestServer(t, "api:\n  manual_sync_rate: 0\n")
	h := s.Handler()
	for i := 0; i < 5; i++ {
		rec := do(t, h, httptest.NewRequest(http.MethodPost, "/sync", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Len(t, orch.reasons, 5)
}

func TestSync_MethodNotAllowed(t *testing.T) {
	s, orch, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/sync", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, orch.reasons)
}

func TestConfig_Redacted(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "git-secret")
	assert.NotContains(t, body, "mqtt-secret")
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "main", got["repo"].(map[string]any)["branch"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "confsyncd_healthy 1")
}

func TestNewServer_WebhookSecret(t *testing.T) {
	s, _, _ := newTestServer(t, withWebhookSecret(t))
	assert.Equal(t, testSecret, string(s.secret))

	_, err := NewServer(loadConfig(t, "api:\n  webhook_secret_file: /nonexistent/secret\n"), newMockOrchestrator(), nil, testLogger())
	assert.ErrorContains(t, err, "failed to read webhook secret")

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0600))
	_, err = NewServer(loadConfig(t, "api:\n  webhook_secret_file: "+empty+"\n"), newMockOrchestrator(), nil, testLogger())
	assert.ErrorContains(t, err, "is empty")
}

func TestWebhook_DisabledWithoutSecret(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), webhookRequest(t, "push", `{"ref":"refs/heads/main"}`, testSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func signature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(t *testing.T, event, body, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature([]byte(body), secret))
	return req
}

func TestWebhook(t *testing.T) {
	pushMain := `{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"test/ha-config"}}`

	tests := []struct {
		name        string
		req         func(t *testing.T) *http.Request
		wantCode    int
		wantTrigger bool
	}{
		{
			name:        "push to configured branch",
			req:         func(t *testing.T) *http.Request { return webhookRequest(t, "push", pushMain, testSecret) },
			wantCode:    http.StatusAccepted,
			wantTrigger: true,
		},
		{
			name: "push to other branch",
			req: func(t *testing.T) *http.Request {
				return webhookRequest(t, "push", `{"ref":"refs/heads/feature"}`, testSecret)
			},
			wantCode: http.StatusOK,
		},
		{
			name:     "ping",
			req:      func(t *testing.T) *http.Request { return webhookRequest(t, "ping", `{"zen":"hi"}`, testSecret) },
			wantCode: http.StatusOK,
		},
		{
			name:     "other event",
			req:      func(t *testing.T) *http.Request { return webhookRequest(t, "issues", `{"action":"opened"}`, testSecret) },
			wantCode: http.StatusOK,
		},
		{
			name:     "wrong secret",
			req:      func(t *testing.T) *http.Request { return webhookRequest(t, "push", pushMain, "wrong") },
			wantCode: http.StatusForbidden,
		},
		{
			name: "missing signature",
			req: func(t *testing.T) *http.Request {
				req := webhookRequest(t, "push", pushMain, testSecret)
				req.Header.Del("X-Hub-Signature-256")
				return req
			},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "malformed push payload",
			req:      func(t *testing.T) *http.Request { return webhookRequest(t, "push", `{"ref":`, testSecret) },
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, orch, _ := newTestServer(t, withWebhookSecret(t))

			rec := do(t, s.Handler(), tt.req(t))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			if tt.wantTrigger {
				select {
				case reason := <-orch.triggers:
					assert.Equal(t, "webhook", reason)
				case <-time.After(2 * time.Second):
					t.Fatal("webhook did not trigger a sync")
				}
				s.inflight.Wait()
				return
			}
			s.inflight.Wait()
			assert.Empty(t, orch.reasons)
		})
	}
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listen = func() ([]net.Listener, error) { return []net.Listener{l}, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	url := "http://" + l.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestStart_ListenError(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	s.listen = func() ([]net.Listener, error) { return nil, errors.New("address in use") }

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "address in use")
}

func TestDefaultListeners_ListenAddr(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	s, _, _ := newTestServer(t, "api:\n  listen_addr: 127.0.0.1:0\n")

	listeners, err := s.defaultListeners()
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	defer func() { _ = listeners[0].Close() }()
	assert.Contains(t, listeners[0].Addr().String(), "127.0.0.1:")
}
