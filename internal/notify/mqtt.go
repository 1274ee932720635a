package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures an MQTTPublisher
type MQTTOptions struct {
	Enabled        bool
	Broker         string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	Retain         bool
	ClientID       string
	ConnectTimeout time.Duration
	MaxRetries     int
}

// mqttConn is the part of a broker connection the publisher needs
type mqttConn interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

type mqttDialer func(opts MQTTOptions) (mqttConn, error)

// MQTTPublisher publishes one message per connection
type MQTTPublisher struct {
	opts       MQTTOptions
	dial       mqttDialer
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

// NewMQTTPublisher creates a publisher backed by the paho client
func NewMQTTPublisher(opts MQTTOptions, logger *slog.Logger) *MQTTPublisher {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &MQTTPublisher{
		opts:       opts,
		dial:       dialPaho,
		logger:     logger,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Enabled reports whether publishing is configured
func (p *MQTTPublisher) Enabled() bool {
	return p != nil && p.opts.Enabled
}

// Topic is the success topic
func (p *MQTTPublisher) Topic() string {
	return p.opts.Topic
}

// ErrorTopic is the failure topic
func (p *MQTTPublisher) ErrorTopic() string {
	return p.opts.Topic + "/error"
}

// Publish sends payload as JSON to topic. Disabled publishers do nothing.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload any) error {
	if !p.Enabled() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mqtt payload: %w", err)
	}

	var conn mqttConn
	connect := func() error {
		c, err := p.dial(p.opts)
		if err != nil {
			p.logger.Debug("mqtt connect failed", "broker", p.opts.Broker, "error", err)
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.opts.MaxRetries)), ctx)
	if err := backoff.Retry(connect, b); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.opts.Broker, err)
	}
	defer conn.Close()

	if err := conn.Publish(topic, p.opts.QoS, p.opts.Retain, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	p.logger.Debug("published mqtt message", "topic", topic)
	return nil
}

type pahoConn struct {
	client  mqtt.Client
	timeout time.Duration
}

func dialPaho(opts MQTTOptions) (mqttConn, error) {
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(false).
		SetKeepAlive(30 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connect timed out after %s", opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &pahoConn{client: client, timeout: opts.ConnectTimeout}, nil
}

func (c *pahoConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish timed out after %s", c.timeout)
	}
	return token.Error()
}

func (c *pahoConn) Close() {
	c.client.Disconnect(250)
}
