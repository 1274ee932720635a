// Package notify publishes sync outcomes to Home Assistant and MQTT and runs
// remote configuration checks.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/schaermu/confsyncd/internal/changeset"
	"github.com/schaermu/confsyncd/internal/config"
)

// Failure kinds
const (
	KindDeploymentError       = "deployment_error"
	KindConfigValidationError = "config_validation_error"
	KindConfigCheckError      = "config_check_error"
)

// Event describes a successful sync
type Event struct {
	Changes []changeset.FileChange
	Branch  string
	Commit  string
	Reason  string
	RunID   string
}

// Failure describes a failed sync
type Failure struct {
	Kind    string
	Message string
	Branch  string
	Commit  string
}

// Sink receives sync outcomes
type Sink interface {
	NotifySuccess(ctx context.Context, ev Event) error
	NotifyFailure(ctx context.Context, f Failure) error
	// CheckConfig validates the deployed configuration remotely. valid is nil
	// when the check was skipped.
	CheckConfig(ctx context.Context) (valid *bool, details string, err error)
}

type successPayload struct {
	Event    string                 `json:"event"`
	Branch   string                 `json:"branch"`
	Commit   string                 `json:"commit,omitempty"`
	Reason   string                 `json:"reason"`
	RunID    string                 `json:"run_id,omitempty"`
	Changes  []changeset.FileChange `json:"changes"`
	SyncedAt time.Time              `json:"synced_at"`
}

type failurePayload struct {
	Event      string    `json:"event"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier fans out to the Home Assistant event bus and MQTT
type Notifier struct {
	ha               *HAClient
	mqtt             *MQTTPublisher
	eventName        string
	failureEventName string
	now              func() time.Time
}

// NewNotifier combines an HA client and an MQTT publisher. Either may be nil.
func NewNotifier(ha *HAClient, mqtt *MQTTPublisher, eventName, failureEventName string) *Notifier {
	return &Notifier{
		ha:               ha,
		mqtt:             mqtt,
		eventName:        eventName,
		failureEventName: failureEventName,
		now:              time.Now,
	}
}

// New builds the notifier described by cfg
func New(cfg *config.Config, logger *slog.Logger) *Notifier {
	ha := cfg.HomeAssistant
	haClient := NewHAClient(HAOptions{
		Strategies: []CredentialStrategy{
			SupervisorStrategy{SupervisorURL: ha.SupervisorURL},
			ConfiguredStrategy{BaseURL: ha.BaseURL, Token: ha.Token},
		},
		Timeout:    ha.Timeout,
		VerifyTLS:  cfg.HAVerifyTLS(),
		MaxRetries: cfg.HAMaxRetries(),
	}, logger.With("component", "homeassistant"))

	publisher := NewMQTTPublisher(MQTTOptions{
		Enabled:    cfg.MQTT.Enabled,
		Broker:     cfg.MQTT.Broker,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		Topic:      cfg.MQTT.Topic,
		QoS:        cfg.MQTTQoS(),
		Retain:     cfg.MQTT.Retain,
		ClientID:   cfg.MQTT.ClientID,
		MaxRetries: cfg.HAMaxRetries(),
	}, logger.With("component", "mqtt"))

	return NewNotifier(haClient, publisher, ha.EventName, ha.FailureEventName)
}

// NotifySuccess implements Sink
func (n *Notifier) NotifySuccess(ctx context.Context, ev Event) error {
	changes := ev.Changes
	if changes == nil {
		changes = []changeset.FileChange{}
	}
	payload := successPayload{
		Event:    n.eventName,
		Branch:   ev.Branch,
		Commit:   ev.Commit,
		Reason:   ev.Reason,
		RunID:    ev.RunID,
		Changes:  changes,
		SyncedAt: n.now().UTC(),
	}
	return n.publish(ctx, n.eventName, n.mqtt.topic(false), payload)
}

// NotifyFailure implements Sink
func (n *Notifier) NotifyFailure(ctx context.Context, f Failure) error {
	payload := failurePayload{
		Event:      n.failureEventName,
		Kind:       f.Kind,
		Message:    f.Message,
		Branch:     f.Branch,
		Commit:     f.Commit,
		OccurredAt: n.now().UTC(),
	}
	return n.publish(ctx, n.failureEventName, n.mqtt.topic(true), payload)
}

// CheckConfig implements Sink
func (n *Notifier) CheckConfig(ctx context.Context) (*bool, string, error) {
	if n.ha == nil {
		return nil, "", nil
	}
	return n.ha.CheckConfig(ctx)
}

func (n *Notifier) publish(ctx context.Context, event, topic string, payload any) error {
	var errs []error
	if n.ha != nil {
		errs = append(errs, n.ha.FireEvent(ctx, event, payload))
	}
	if n.mqtt.Enabled() {
		errs = append(errs, n.mqtt.Publish(ctx, topic, payload))
	}
	return errors.Join(errs...)
}

func (p *MQTTPublisher) topic(failure bool) string {
	if p == nil {
		return ""
	}
	if failure {
		return p.ErrorTopic()
	}
	return p.Topic()
}
