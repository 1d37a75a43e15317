// Package config loads space definition documents. A space definition
// enumerates the participants provisioned for a space and the bearer tokens
// that authenticate them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mew-protocol/mew/pkg/capability"
)

// Participant types in a space definition.
const (
	// ParticipantTypeLocal is a participant launched alongside the gateway.
	ParticipantTypeLocal = "local"
	// ParticipantTypeRemote is a participant connecting over the network.
	ParticipantTypeRemote = "remote"
	// ParticipantTypeHuman is an interactive client.
	ParticipantTypeHuman = "human"
)

// Space is a space definition document.
type Space struct {
	Name         string                 `yaml:"name"`
	Description  string                 `yaml:"description,omitempty"`
	Participants map[string]Participant `yaml:"participants,omitempty"`
	Tokens       map[string]TokenGrant  `yaml:"tokens,omitempty"`
}

// Participant declares a provisioned participant.
type Participant struct {
	Type         string            `yaml:"type,omitempty"`
	Command      string            `yaml:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Tokens       []string          `yaml:"tokens,omitempty"`
	Capabilities []capability.Rule `yaml:"capabilities,omitempty"`
}

// TokenGrant maps an opaque token to a participant identity and capability
// set.
type TokenGrant struct {
	ParticipantID string            `yaml:"participant_id"`
	Capabilities  []capability.Rule `yaml:"capabilities,omitempty"`
}

// LoadSpace loads and validates a space definition from a YAML file.
func LoadSpace(path string) (*Space, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator flags
	if err != nil {
		return nil, fmt.Errorf("failed to read space definition: %w", err)
	}

	var space Space
	if err := yaml.Unmarshal(data, &space); err != nil {
		return nil, fmt.Errorf("failed to parse space definition %s: %w", path, err)
	}

	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("invalid space definition %s: %w", path, err)
	}

	return &space, nil
}

// Validate checks the structural requirements of a space definition.
func (s *Space) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("space name is required")
	}
	for token, grant := range s.Tokens {
		if token == "" {
			return fmt.Errorf("empty token in tokens map")
		}
		if grant.ParticipantID == "" {
			return fmt.Errorf("token %q has no participant_id", redact(token))
		}
		for _, rule := range grant.Capabilities {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("token for %s: %w", grant.ParticipantID, err)
			}
		}
	}
	for id, p := range s.Participants {
		if id == "" {
			return fmt.Errorf("empty participant id")
		}
		for _, rule := range p.Capabilities {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("participant %s: %w", id, err)
			}
		}
		switch p.Type {
		case "", ParticipantTypeLocal, ParticipantTypeRemote, ParticipantTypeHuman:
		default:
			return fmt.Errorf("participant %s has unknown type %q", id, p.Type)
		}
	}
	return nil
}

// Resolve maps a bearer token to a participant id and its configured
// capability rules. Tokens are the sole authentication mechanism.
func (s *Space) Resolve(token string) (string, []capability.Rule, bool) {
	if grant, ok := s.Tokens[token]; ok {
		rules := grant.Capabilities
		if len(rules) == 0 {
			// Token entries without their own capability list fall back to
			// the participant's configured rules.
			if p, ok := s.Participants[grant.ParticipantID]; ok {
				rules = p.Capabilities
			}
		}
		return grant.ParticipantID, rules, true
	}
	for id, p := range s.Participants {
		for _, t := range p.Tokens {
			if t == token {
				return id, p.Capabilities, true
			}
		}
	}
	return "", nil, false
}

func redact(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
