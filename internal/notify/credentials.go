package notify

import (
	"os"
	"strings"
)

// Credential addresses a Home Assistant API
type Credential struct {
	BaseURL string
	Token   string
	Source  string
}

// CredentialStrategy yields a credential when its source is available
type CredentialStrategy interface {
	Name() string
	Resolve() (Credential, bool)
}

// SupervisorStrategy uses the token injected into add-ons by the Supervisor
// and reaches Home Assistant through the Supervisor's core proxy.
type SupervisorStrategy struct {
	SupervisorURL string
	Getenv        func(string) string
}

// Name implements CredentialStrategy
func (s SupervisorStrategy) Name() string { return "supervisor" }

// Resolve implements CredentialStrategy
func (s SupervisorStrategy) Resolve() (Credential, bool) {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	token := getenv("SUPERVISOR_TOKEN")
	if token == "" || s.SupervisorURL == "" {
		return Credential{}, false
	}
	return Credential{
		BaseURL: strings.TrimRight(s.SupervisorURL, "/") + "/core",
		Token:   token,
		Source:  s.Name(),
	}, true
}

// ConfiguredStrategy uses a long-lived access token from the configuration
type ConfiguredStrategy struct {
	BaseURL string
	Token   string
}

// Name implements CredentialStrategy
func (s ConfiguredStrategy) Name() string { return "configured" }

// Resolve implements CredentialStrategy
func (s ConfiguredStrategy) Resolve() (Credential, bool) {
	if s.Token == "" || s.BaseURL == "" {
		return Credential{}, false
	}
	return Credential{BaseURL: strings.TrimRight(s.BaseURL, "/"), Token: s.Token, Source: s.Name()}, true
}

// ResolveCredential returns the credential of the first strategy that has one
func ResolveCredential(strategies []CredentialStrategy) (Credential, bool) {
	for _, s := range strategies {
		if cred, ok := s.Resolve(); ok {
			return cred, true
		}
	}
	return Credential{}, false
}
