package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// Seed is the optional static configuration loaded at startup for
// ProtocolPolicy and DynamicRule rows. Administrative CRUD for these is
// an external collaborator (spec.md §1); a fixed deployment without
// that collaborator wires its starting policy/rule set here instead.
type Seed struct {
	ProtocolPolicies []SeedProtocolPolicy `yaml:"protocol_policies"`
	Rules            []SeedRule           `yaml:"rules"`
}

type SeedProtocolPolicy struct {
	Scope    string         `yaml:"scope"`
	Protocol string         `yaml:"protocol"`
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

type SeedRule struct {
	ID             string              `yaml:"id"`
	Scope          string              `yaml:"scope"`
	SensorKindCode string              `yaml:"sensor_kind_code"`
	Predicates     []domain.Predicate  `yaml:"predicates"`
	Combinator     domain.Combinator   `yaml:"combinator"`
	AlertKind      domain.AlertKind    `yaml:"alert_kind"`
	Severity       domain.Severity     `yaml:"severity"`
	Template       string              `yaml:"template"`
	Priority       int                 `yaml:"priority"`
	CooldownSecs   int                 `yaml:"cooldown_secs"`
	Active         bool                `yaml:"active"`
}

// LoadSeed reads and parses a YAML seed file. A missing path (empty
// string, the common case when RULES_SEED_FILE is unset) returns a
// zero Seed and no error.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules seed file %s: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse rules seed file %s: %w", path, err)
	}
	return &s, nil
}
