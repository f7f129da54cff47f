package request

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is a reusable submission description loaded from a YAML file, an
// alternative to spelling everything out as flags.
//
// Exactly one of packet_path / packet_text must be set. Model and
// max_tokens override configured defaults when non-zero.
type Spec struct {
	PacketPath string `yaml:"packet_path"`
	PacketText string `yaml:"packet_text"`
	Backend    string `yaml:"backend"`
	Label      string `yaml:"label"`
	Model      string `yaml:"model"`
	MaxTokens  int    `yaml:"max_tokens"`
	Thinking   struct {
		Enabled      bool `yaml:"enabled"`
		BudgetTokens int  `yaml:"budget_tokens"`
	} `yaml:"thinking"`
}

// LoadSpec reads and validates a submission spec. Unknown fields are
// rejected so a typo fails loudly instead of silently submitting with
// defaults.
func LoadSpec(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spec file not found: %s", path)
		}
		return nil, fmt.Errorf("read spec file: %w", err)
	}

	var spec Spec
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse spec file %s: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("spec file %s: %w", path, err)
	}
	return &spec, nil
}

// Validate checks the spec's internal consistency.
func (s *Spec) Validate() error {
	hasPath := strings.TrimSpace(s.PacketPath) != ""
	hasText := strings.TrimSpace(s.PacketText) != ""
	switch {
	case hasPath && hasText:
		return fmt.Errorf("packet_path and packet_text are mutually exclusive")
	case !hasPath && !hasText:
		return fmt.Errorf("one of packet_path or packet_text is required")
	}
	if s.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0")
	}
	return nil
}
