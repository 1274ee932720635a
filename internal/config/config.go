package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by repo.backend
const (
	BackendShell = "shell"
	BackendGoGit = "go-git"
)

// Defaults
const (
	DefaultBranch           = "main"
	DefaultDepth            = 1
	DefaultPollInterval     = 5 * time.Minute
	DefaultEventName        = "confsyncd.files_changed"
	DefaultFailureEventName = "confsyncd.sync_failed"
	DefaultSupervisorURL    = "http://supervisor"
	DefaultHATimeout        = 20 * time.Second
	DefaultHAMaxRetries     = 3
	DefaultMQTTBroker       = "tcp://core-mosquitto:1883"
	DefaultMQTTTopic        = "homeassistant/confsyncd"
	DefaultMQTTQoS          = 1
	DefaultMQTTClientID     = "confsyncd"
	DefaultListenAddr       = ":7999"
	DefaultManualSyncRate   = 6
)

// Environment variables consulted at runtime
const (
	EnvGitAccessToken  = "GIT_ACCESS_TOKEN"
	EnvSupervisorToken = "SUPERVISOR_TOKEN"
)

// Config represents the complete confsyncd configuration
type Config struct {
	Repo          RepoConfig          `yaml:"repo"`
	Auth          AuthConfig          `yaml:"auth"`
	Paths         PathsConfig         `yaml:"paths"`
	Sync          SyncConfig          `yaml:"sync"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
	// Depth limits history for clone and fetch; 0 means full history
	Depth     *int   `yaml:"depth"`
	Backend   string `yaml:"backend"`
	VerifyTLS *bool  `yaml:"verify_tls"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	TargetDir string `yaml:"target_dir"`
	StateDir  string `yaml:"state_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	NotifyOnStartup *bool         `yaml:"notify_on_startup"`
	RunOnStartup    *bool         `yaml:"run_on_startup"`
	ValidateConfig  *bool         `yaml:"validate_config"`
}

// HomeAssistantConfig configures event emission and remote config checks
type HomeAssistantConfig struct {
	EventName        string        `yaml:"event_name"`
	FailureEventName string        `yaml:"failure_event_name"`
	BaseURL          string        `yaml:"base_url"`
	Token            string        `yaml:"token"`
	SupervisorURL    string        `yaml:"supervisor_url"`
	VerifyTLS        *bool         `yaml:"verify_tls"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       *int          `yaml:"max_retries"`
}

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      *int   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
	ClientID string `yaml:"client_id"`
}

// APIConfig configures the HTTP status API
type APIConfig struct {
	// ListenAddr of the API; empty disables it
	ListenAddr        *string `yaml:"listen_addr"`
	ManualSyncRate    *int    `yaml:"manual_sync_rate"`
	WebhookSecretFile string  `yaml:"webhook_secret_file"`
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. Variables that are already set keep their value.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(os.ExpandEnv(path)); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Auth.Token = os.ExpandEnv(c.Auth.Token)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Paths.TargetDir = os.ExpandEnv(c.Paths.TargetDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.HomeAssistant.BaseURL = os.ExpandEnv(c.HomeAssistant.BaseURL)
	c.HomeAssistant.Token = os.ExpandEnv(c.HomeAssistant.Token)
	c.HomeAssistant.SupervisorURL = os.ExpandEnv(c.HomeAssistant.SupervisorURL)
	c.MQTT.Broker = os.ExpandEnv(c.MQTT.Broker)
	c.MQTT.Username = os.ExpandEnv(c.MQTT.Username)
	c.MQTT.Password = os.ExpandEnv(c.MQTT.Password)
	c.API.WebhookSecretFile = os.ExpandEnv(c.API.WebhookSecretFile)
	if c.API.ListenAddr != nil {
		addr := os.ExpandEnv(*c.API.ListenAddr)
		c.API.ListenAddr = &addr
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Branch == "" {
		c.Repo.Branch = DefaultBranch
	}
	if c.Repo.Depth == nil {
		c.Repo.Depth = intPtr(DefaultDepth)
	}
	if c.Repo.Backend == "" {
		c.Repo.Backend = BackendShell
	}
	if c.Repo.VerifyTLS == nil {
		c.Repo.VerifyTLS = boolPtr(true)
	}

	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = DefaultPollInterval
	}
	if c.Sync.NotifyOnStartup == nil {
		c.Sync.NotifyOnStartup = boolPtr(true)
	}
	if c.Sync.RunOnStartup == nil {
		c.Sync.RunOnStartup = boolPtr(true)
	}
	if c.Sync.ValidateConfig == nil {
		c.Sync.ValidateConfig = boolPtr(true)
	}

	ha := &c.HomeAssistant
	if ha.EventName == "" {
		ha.EventName = DefaultEventName
	}
	if ha.FailureEventName == "" {
		ha.FailureEventName = DefaultFailureEventName
	}
	if ha.SupervisorURL == "" {
		ha.SupervisorURL = DefaultSupervisorURL
	}
	if ha.VerifyTLS == nil {
		ha.VerifyTLS = boolPtr(true)
	}
	if ha.Timeout == 0 {
		ha.Timeout = DefaultHATimeout
	}
	if ha.MaxRetries == nil {
		ha.MaxRetries = intPtr(DefaultHAMaxRetries)
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultMQTTBroker
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultMQTTTopic
	}
	if c.MQTT.QoS == nil {
		c.MQTT.QoS = intPtr(DefaultMQTTQoS)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultMQTTClientID
	}

	if c.API.ListenAddr == nil {
		addr := DefaultListenAddr
		c.API.ListenAddr = &addr
	}
	if c.API.ManualSyncRate == nil {
		c.API.ManualSyncRate = intPtr(DefaultManualSyncRate)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}
	if c.Repo.Depth != nil && *c.Repo.Depth < 0 {
		return fmt.Errorf("repo.depth must not be negative: %d", *c.Repo.Depth)
	}
	switch c.Repo.Backend {
	case "", BackendShell, BackendGoGit:
	default:
		return fmt.Errorf("invalid repo.backend: %s (must be %s or %s)", c.Repo.Backend, BackendShell, BackendGoGit)
	}

	if c.Paths.TargetDir == "" {
		return fmt.Errorf("paths.target_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.TargetDir) {
		return fmt.Errorf("paths.target_dir must be an absolute path: %s", c.Paths.TargetDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if overlaps(c.Paths.TargetDir, c.RepoDir()) {
		return fmt.Errorf("paths.target_dir and the working copy %s must not contain each other", c.RepoDir())
	}

	// Validate auth: only one token source may be configured
	if c.Auth.Token != "" && c.Auth.TokenFile != "" {
		return fmt.Errorf("auth: only one of token or token_file may be set")
	}
	if (c.Auth.Token != "" || c.Auth.TokenFile != "") && !c.IsHTTPS() {
		return fmt.Errorf("auth token is set but repo.url does not use HTTPS scheme")
	}

	if c.Sync.PollInterval < 0 {
		return fmt.Errorf("sync.poll_interval must be positive: %s", c.Sync.PollInterval)
	}

	if c.HomeAssistant.Timeout < 0 {
		return fmt.Errorf("homeassistant.timeout must be positive: %s", c.HomeAssistant.Timeout)
	}
	if c.HomeAssistant.MaxRetries != nil && *c.HomeAssistant.MaxRetries < 0 {
		return fmt.Errorf("homeassistant.max_retries must not be negative")
	}
	if c.HomeAssistant.BaseURL != "" && !strings.HasPrefix(c.HomeAssistant.BaseURL, "http://") && !strings.HasPrefix(c.HomeAssistant.BaseURL, "https://") {
		return fmt.Errorf("homeassistant.base_url must be an http(s) URL: %s", c.HomeAssistant.BaseURL)
	}

	if c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2: %d", *c.MQTT.QoS)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic is required when mqtt is enabled")
		}
	}

	if c.API.ManualSyncRate != nil && *c.API.ManualSyncRate < 0 {
		return fmt.Errorf("api.manual_sync_rate must not be negative")
	}
	if c.API.WebhookSecretFile != "" && c.ListenAddr() == "" {
		return fmt.Errorf("api.webhook_secret_file requires api.listen_addr")
	}

	return nil
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// GitToken returns the configured access token: the literal token, the
// content of token_file, or GIT_ACCESS_TOKEN, in that order.
func (c *Config) GitToken() (string, error) {
	if c.Auth.Token != "" {
		return c.Auth.Token, nil
	}
	if c.Auth.TokenFile != "" {
		data, err := os.ReadFile(c.Auth.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read auth.token_file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", errors.New("auth.token_file is empty")
		}
		return token, nil
	}
	return os.Getenv(EnvGitAccessToken), nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	switch {
	case c.Auth.Token != "":
		return "token"
	case c.Auth.TokenFile != "":
		return "token_file"
	case os.Getenv(EnvGitAccessToken) != "":
		return "env"
	}
	return "none"
}

// Depth returns repo.depth
func (c *Config) Depth() int {
	return derefInt(c.Repo.Depth, DefaultDepth)
}

// VerifyTLS returns repo.verify_tls
func (c *Config) VerifyTLS() bool {
	return derefBool(c.Repo.VerifyTLS, true)
}

// NotifyOnStartup returns sync.notify_on_startup
func (c *Config) NotifyOnStartup() bool {
	return derefBool(c.Sync.NotifyOnStartup, true)
}

// RunOnStartup returns sync.run_on_startup
func (c *Config) RunOnStartup() bool {
	return derefBool(c.Sync.RunOnStartup, true)
}

// ValidateConfig returns sync.validate_config
func (c *Config) ValidateConfig() bool {
	return derefBool(c.Sync.ValidateConfig, true)
}

// HAVerifyTLS returns homeassistant.verify_tls
func (c *Config) HAVerifyTLS() bool {
	return derefBool(c.HomeAssistant.VerifyTLS, true)
}

// HAMaxRetries returns homeassistant.max_retries
func (c *Config) HAMaxRetries() int {
	return derefInt(c.HomeAssistant.MaxRetries, DefaultHAMaxRetries)
}

// MQTTQoS returns mqtt.qos
func (c *Config) MQTTQoS() byte {
	return byte(derefInt(c.MQTT.QoS, DefaultMQTTQoS))
}

// ListenAddr returns api.listen_addr; empty means the API is disabled
func (c *Config) ListenAddr() string {
	if c.API.ListenAddr == nil {
		return DefaultListenAddr
	}
	return *c.API.ListenAddr
}

// ManualSyncRate returns api.manual_sync_rate in requests per minute
func (c *Config) ManualSyncRate() int {
	return derefInt(c.API.ManualSyncRate, DefaultManualSyncRate)
}

// Public returns the configuration with credentials removed, suitable for
// exposing over the API.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"repo": map[string]any{
			"url":        redactURL(c.Repo.URL),
			"branch":     c.Repo.Branch,
			"depth":      c.Depth(),
			"backend":    c.Repo.Backend,
			"verify_tls": c.VerifyTLS(),
		},
		"auth": map[string]any{
			"method": c.AuthMethod(),
		},
		"paths": map[string]any{
			"target_dir": c.Paths.TargetDir,
			"state_dir":  c.Paths.StateDir,
		},
		"sync": map[string]any{
			"poll_interval":     c.Sync.PollInterval.String(),
			"notify_on_startup": c.NotifyOnStartup(),
			"run_on_startup":    c.RunOnStartup(),
			"validate_config":   c.ValidateConfig(),
		},
		"homeassistant": map[string]any{
			"event_name":         c.HomeAssistant.EventName,
			"failure_event_name": c.HomeAssistant.FailureEventName,
			"base_url_set":       c.HomeAssistant.BaseURL != "",
			"token_set":          c.HomeAssistant.Token != "",
			"supervisor_url":     c.HomeAssistant.SupervisorURL,
			"verify_tls":         c.HAVerifyTLS(),
			"timeout":            c.HomeAssistant.Timeout.String(),
			"max_retries":        c.HAMaxRetries(),
		},
		"mqtt": map[string]any{
			"enabled":   c.MQTT.Enabled,
			"broker":    redactURL(c.MQTT.Broker),
			"username":  c.MQTT.Username,
			"topic":     c.MQTT.Topic,
			"qos":       int(c.MQTTQoS()),
			"retain":    c.MQTT.Retain,
			"client_id": c.MQTT.ClientID,
		},
		"api": map[string]any{
			"listen_addr":      c.ListenAddr(),
			"manual_sync_rate": c.ManualSyncRate(),
			"webhook_enabled":  c.API.WebhookSecretFile != "",
		},
	}
}

// redactURL drops userinfo from URLs such as https://user:pw@host/path
func redactURL(u string) string {
	scheme := strings.Index(u, "://")
	if scheme < 0 {
		return u
	}
	rest := u[scheme+3:]
	if at := strings.Index(rest, "@"); at >= 0 && at < strings.Index(rest+"/", "/") {
		return u[:scheme+3] + "***@" + rest[at+1:]
	}
	return u
}

// overlaps reports whether a and b are equal or one contains the other
func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	within := func(child, parent string) bool {
		rel, err := filepath.Rel(parent, child)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}
	return within(a, b) || within(b, a)
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

func derefBool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func derefInt(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}
