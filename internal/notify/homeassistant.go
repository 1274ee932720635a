package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HAOptions configures an HAClient
type HAOptions struct {
	Strategies []CredentialStrategy
	Timeout    time.Duration
	VerifyTLS  bool
	MaxRetries int
}

// HAClient fires events and runs config checks against the Home Assistant REST API
type HAClient struct {
	httpClient *http.Client
	strategies []CredentialStrategy
	maxRetries int
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// StatusError is a non-2xx API response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("home assistant returned HTTP %d: %s", e.StatusCode, e.Body)
}

// NewHAClient creates a client. Credentials are resolved on every call.
func NewHAClient(opts HAOptions, logger *slog.Logger) *HAClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via homeassistant.verify_tls
	}
	return &HAClient{
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		strategies: opts.Strategies,
		maxRetries: opts.MaxRetries,
		logger:     logger,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// FireEvent posts payload as event name. Without a credential the event is skipped.
func (c *HAClient) FireEvent(ctx context.Context, name string, payload any) error {
	cred, ok := ResolveCredential(c.strategies)
	if !ok {
		c.logger.Warn("no home assistant credential available, skipping event", "event", name)
		return nil
	}
	endpoint := cred.BaseURL + "/api/events/" + url.PathEscape(name)
	if err := c.post(ctx, cred, endpoint, payload, nil); err != nil {
		return fmt.Errorf("failed to fire event %s: %w", name, err)
	}
	c.logger.Debug("fired home assistant event", "event", name, "credential", cred.Source)
	return nil
}

type checkConfigResponse struct {
	Result string          `json:"result"`
	Errors json.RawMessage `json:"errors"`
}

// CheckConfig asks Home Assistant to validate its configuration. valid is nil
// when no credential is available and the check was skipped.
func (c *HAClient) CheckConfig(ctx context.Context) (*bool, string, error) {
	cred, ok := ResolveCredential(c.strategies)
	if !ok {
		c.logger.Warn("no home assistant credential available, skipping config check")
		return nil, "", nil
	}

	var resp checkConfigResponse
	if err := c.post(ctx, cred, cred.BaseURL+"/api/config/core/check_config", nil, &resp); err != nil {
		return nil, "", fmt.Errorf("config check failed: %w", err)
	}

	valid := resp.Result == "valid"
	details := ""
	if len(resp.Errors) > 0 && string(resp.Errors) != "null" {
		var s string
		if err := json.Unmarshal(resp.Errors, &s); err == nil {
			details = s
		} else {
			details = string(resp.Errors)
		}
	}
	if !valid && details == "" {
		details = "configuration reported " + resp.Result
	}
	return &valid, details, nil
}

// post sends a JSON request, retrying network errors, 429 and 5xx responses
func (c *HAClient) post(ctx context.Context, cred Credential, endpoint string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.Retry(operation, b)
}
