package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/confsyncd/internal/changeset"
	"github.com/schaermu/confsyncd/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func newTestHAClient(baseURL string, retries int) *HAClient {
	c := NewHAClient(HAOptions{
		Strategies: []CredentialStrategy{ConfiguredStrategy{BaseURL: baseURL, Token: "ha-token"}},
		Timeout:    5 * time.Second,
		VerifyTLS:  true,
		MaxRetries: retries,
	}, discardLogger())
	c.newBackOff = noWait
	return c
}

func TestResolveCredential_Order(t *testing.T) {
	env := map[string]string{"SUPERVISOR_TOKEN": "sup-token"}
	getenv := func(k string) string { return env[k] }

	strategies := []CredentialStrategy{
		SupervisorStrategy{SupervisorURL: "http://supervisor/", Getenv: getenv},
		ConfiguredStrategy{BaseURL: "https://ha.local:8123/", Token: "llat"},
	}

	cred, ok := ResolveCredential(strategies)
	require.True(t, ok)
	assert.Equal(t, Credential{BaseURL: "http://supervisor/core", Token: "sup-token", Source: "supervisor"}, cred)

	delete(env, "SUPERVISOR_TOKEN")
	cred, ok = ResolveCredential(strategies)
	require.True(t, ok)
	assert.Equal(t, Credential{BaseURL: "https://ha.local:8123", Token: "llat", Source: "configured"}, cred)

	_, ok = ResolveCredential([]CredentialStrategy{
		SupervisorStrategy{SupervisorURL: "http://supervisor", Getenv: getenv},
		ConfiguredStrategy{BaseURL: "https://ha.local"},
	})
	assert.False(t, ok)
	_, ok = ResolveCredential(nil)
	assert.False(t, ok)
}

func TestHAClient_FireEvent(t *testing.T) {
	var mu sync.Mutex
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/events/confsyncd.files_changed", r.URL.Path)
		assert.Equal(t, "Bearer ha-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":"Event confsyncd.files_changed fired."}`))
	}))
	defer srv.Close()

	c := newTestHAClient(srv.URL, 0)
	require.NoError(t, c.FireEvent(context.Background(), "confsyncd.files_changed", map[string]string{"branch": "main"}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "main", got["branch"])
}

func TestHAClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := newTestHAClient(srv.URL, 3)
	require.NoError(t, c.FireEvent(context.Background(), "ev", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHAClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestHAClient(srv.URL, 2)
	err := c.FireEvent(context.Background(), "ev", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHAClient_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestHAClient(srv.URL, 5)
	err := c.FireEvent(context.Background(), "ev", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHAClient_NoCredentialSkips(t *testing.T) {
	c := NewHAClient(HAOptions{Timeout: time.Second}, discardLogger())
	assert.NoError(t, c.FireEvent(context.Background(), "ev", nil))

	valid, details, err := c.CheckConfig(context.Background())
	require.NoError(t, err)
	assert.Nil(t, valid)
	assert.Empty(t, details)
}

func TestHAClient_CheckConfig(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantValid   bool
		wantDetails string
	}{
		{name: "valid", body: `{"result":"valid","errors":null}`, wantValid: true},
		{name: "invalid", body: `{"result":"invalid","errors":"Integration error: foo"}`, wantValid: false, wantDetails: "Integration error: foo"},
		{name: "invalid without details", body: `{"result":"invalid"}`, wantValid: false, wantDetails: "configuration reported invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/config/core/check_config", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			valid, details, err := newTestHAClient(srv.URL, 0).CheckConfig(context.Background())
			require.NoError(t, err)
			require.NotNil(t, valid)
			assert.Equal(t, tt.wantValid, *valid)
			assert.Equal(t, tt.wantDetails, details)
		})
	}
}

type fakeConn struct {
	published []fakeMessage
	closed    bool
	err       error
}

type fakeMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (c *fakeConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.published = append(c.published, fakeMessage{topic, qos, retained, payload})
	return c.err
}

func (c *fakeConn) Close() { c.closed = true }

func newTestPublisher(enabled bool, conn *fakeConn, dialErrs int) (*MQTTPublisher, *int) {
	p := NewMQTTPublisher(MQTTOptions{
		Enabled:    enabled,
		Broker:     "tcp://broker:1883",
		Topic:      "homeassistant/confsyncd",
		QoS:        1,
		Retain:     true,
		MaxRetries: 3,
	}, discardLogger())
	p.newBackOff = noWait
	dials := 0
	p.dial = func(MQTTOptions) (mqttConn, error) {
		dials++
		if dials <= dialErrs {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
	return p, &dials
}

func TestMQTTPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p, dials := newTestPublisher(true, conn, 2)

	require.NoError(t, p.Publish(context.Background(), p.Topic(), map[string]string{"a": "b"}))
	assert.Equal(t, 3, *dials)
	require.Len(t, conn.published, 1)
	assert.Equal(t, fakeMessage{topic: "homeassistant/confsyncd", qos: 1, retained: true, payload: []byte(`{"a":"b"}`)}, conn.published[0])
	assert.True(t, conn.closed)
	assert.Equal(t, "homeassistant/confsyncd/error", p.ErrorTopic())
}

func TestMQTTPublisher_Disabled(t *testing.T) {
	conn := &fakeConn{}
	p, dials := newTestPublisher(false, conn, 0)
	require.NoError(t, p.Publish(context.Background(), "t", "x"))
	assert.Zero(t, *dials)

	var nilPublisher *MQTTPublisher
	assert.False(t, nilPublisher.Enabled())
}

func TestMQTTPublisher_ConnectFailure(t *testing.T) {
	p, dials := newTestPublisher(true, &fakeConn{}, 100)
	err := p.Publish(context.Background(), "t", "x")
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 4, *dials)
}

func TestNotifier_FansOut(t *testing.T) {
	var mu sync.Mutex
	var events []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
	}))
	defer srv.Close()

	conn := &fakeConn{}
	p, _ := newTestPublisher(true, conn, 0)
	n := NewNotifier(newTestHAClient(srv.URL, 0), p, "confsyncd.files_changed", "confsyncd.sync_failed")
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	err := n.NotifySuccess(context.Background(), Event{
		Changes: []changeset.FileChange{{Path: "a.yaml", Kind: changeset.Added}},
		Branch:  "main",
		Commit:  "c2",
		Reason:  "scheduled",
		RunID:   "01ABC",
	})
	require.NoError(t, err)

	err = n.NotifyFailure(context.Background(), Failure{Kind: KindDeploymentError, Message: "boom", Branch: "main", Commit: "c3"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/api/events/confsyncd.files_changed", "/api/events/confsyncd.sync_failed"}, events)
	assert.Equal(t, "scheduled", bodies[0]["reason"])
	assert.Equal(t, "01ABC", bodies[0]["run_id"])
	assert.Equal(t, "2024-03-01T10:00:00Z", bodies[0]["synced_at"])
	assert.Equal(t, "deployment_error", bodies[1]["kind"])
	assert.Equal(t, "boom", bodies[1]["message"])

	require.Len(t, conn.published, 2)
	assert.Equal(t, "homeassistant/confsyncd", conn.published[0].topic)
	assert.Equal(t, "homeassistant/confsyncd/error", conn.published[1].topic)
}

func TestNotifier_JoinsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	conn := &fakeConn{err: errors.New("not authorized")}
	p, _ := newTestPublisher(true, conn, 0)
	n := NewNotifier(newTestHAClient(srv.URL, 0), p, "ev", "fail")

	err := n.NotifySuccess(context.Background(), Event{Branch: "main"})
	require.Error(t, err)
	var statusErr *StatusError
	assert.ErrorAs(t, err, &statusErr)
	assert.ErrorContains(t, err, "not authorized")
	require.Len(t, conn.published, 1, "mqtt still attempted after ha failure")
}

func TestNew_FromConfig(t *testing.T) {
	t.Setenv("SUPERVISOR_TOKEN", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"valid"}`))
	}))
	defer srv.Close()

	path := t.TempDir() + "/config.yaml"
	require.NoError(t, writeFile(path, "repo:\n  url: https://example.com/r.git\npaths:\n  target_dir: /config\n  state_dir: /data\nhomeassistant:\n  base_url: "+srv.URL+"\n  token: llat\n"))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	n := New(cfg, discardLogger())
	assert.False(t, n.mqtt.Enabled())
	valid, _, err := n.CheckConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, valid)
	assert.True(t, *valid)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}
