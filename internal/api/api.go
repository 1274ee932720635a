// Package api serves the HTTP status API: health, status, manual sync,
// redacted configuration, metrics and the optional GitHub push webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v59/github"
	"golang.org/x/time/rate"

	"github.com/schaermu/confsyncd/internal/activation"
	"github.com/schaermu/confsyncd/internal/config"
	"github.com/schaermu/confsyncd/internal/metrics"
	"github.com/schaermu/confsyncd/internal/status"
	confsync "github.com/schaermu/confsyncd/internal/sync"
)

const (
	maxBodyBytes    = 1 << 20
	maxReasonLength = 128
	shutdownTimeout = 5 * time.Second
)

// Orchestrator is the part of the sync orchestrator the API drives
type Orchestrator interface {
	Status() status.Status
	Trigger(ctx context.Context, reason string) (status.Status, error)
}

// Server implements the status API
type Server struct {
	orch    Orchestrator
	metrics *metrics.Metrics
	logger  *slog.Logger

	listenAddr string
	branch     string
	public     map[string]any
	secret     []byte
	limiter    *rate.Limiter

	// listen is swapped in tests
	listen func() ([]net.Listener, error)

	// webhook-triggered runs still in flight
	inflight sync.WaitGroup
}

// NewServer creates the API server. The webhook endpoint is registered only
// when api.webhook_secret_file is configured.
func NewServer(cfg *config.Config, orch Orchestrator, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	s := &Server{
		orch:       orch,
		metrics:    m,
		logger:     logger,
		listenAddr: cfg.ListenAddr(),
		branch:     cfg.Repo.Branch,
		public:     cfg.Public(),
		limiter:    newLimiter(cfg.ManualSyncRate()),
	}
	s.listen = s.defaultListeners

	if path := cfg.API.WebhookSecretFile; path != "" {
		secret, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", path)
		}
	}
	return s, nil
}

// newLimiter allows perMinute manual syncs per minute; zero disables limiting
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.secret != nil {
		mux.HandleFunc("POST /webhook", s.handleWebhook)
	}
	return mux
}

// Start serves the API until ctx is cancelled, then shuts down gracefully and
// waits for webhook-triggered runs to finish.
func (s *Server) Start(ctx context.Context) error {
	listeners, err := s.listen()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l net.Listener) {
			s.logger.Info("api server listening", "addr", l.Addr().String())
			if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(l)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)
	s.inflight.Wait()

	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// defaultListeners prefers systemd-activated sockets over listen_addr
func (s *Server) defaultListeners() ([]net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("socket activation failed: %w", err)
	}
	if len(listeners) > 0 {
		s.logger.Info("using systemd socket activation", "count", len(listeners))
		return listeners, nil
	}

	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	return []net.Listener{l}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.public)
}

type syncRequest struct {
	Reason string `json:"reason"`
}

// handleSync runs a sync synchronously and returns the resulting status.
// A failed run still answers 200; the failure is part of the status.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.metrics.RecordManualSyncRejected()
		s.logger.Warn("rejecting manual sync, rate limit exceeded")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many sync requests"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	req := syncRequest{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = confsync.ReasonManual
	}
	reason = truncateReason(reason)

	s.logger.Info("manual sync requested", "reason", reason, "remote", r.RemoteAddr)
	st, _ := s.orch.Trigger(r.Context(), reason)
	writeJSON(w, http.StatusOK, st)
}

// truncateReason cuts reason to at most maxReasonLength bytes on a rune boundary
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	cut := 0
	for i := range reason {
		if i > maxReasonLength {
			break
		}
		cut = i
	}
	return reason[:cut]
}

// handleWebhook accepts signed GitHub push events for the configured branch
// and starts a sync without waiting for it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := github.ValidatePayload(r, s.secret)
	if err != nil {
		s.logger.Warn("rejecting webhook", "error", err)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := github.WebHookType(r)
	switch eventType {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "push":
	default:
		s.logger.Info("ignoring webhook event", "event", eventType)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.logger.Warn("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	push, ok := event.(*github.PushEvent)
	if !ok {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if push.GetRef() != "refs/heads/"+s.branch {
		s.logger.Info("ignoring push to other ref", "ref", push.GetRef())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	s.logger.Info("webhook accepted",
		"ref", push.GetRef(),
		"commit", push.GetAfter(),
		"repo", push.GetRepo().GetFullName())

	ctx := context.WithoutCancel(r.Context())
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_, _ = s.orch.Trigger(ctx, confsync.ReasonWebhook)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
