package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"deedline/internal/domain"
)

// Config models the workflow pipeline: the closed form-type catalog, the
// reviewer stage sequence with per-role prerequisite sets, and the
// per-(formType, role) field allowlists used for role-scoped views.
type Config struct {
	Registry struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"registry"`
	Forms struct {
		Catalog map[string]FormType `yaml:"catalog"`
	} `yaml:"forms"`
	Pipeline struct {
		Stages []Stage `yaml:"stages"`
	} `yaml:"pipeline"`
	Views    map[string]map[string][]string `yaml:"views"`
	Webhooks []WebhookConfig                `yaml:"webhooks,omitempty"`
}

// FormType declares a catalog entry and its required payload fields.
type FormType struct {
	Description string   `yaml:"description"`
	Required    []string `yaml:"required"`
}

// Stage is one reviewer role's position in the pipeline. Requires lists the
// roles whose approval must precede this role's decision; staff2 and staff3
// both require only staff1, which makes them a parallel stage.
type Stage struct {
	Role     string   `yaml:"role"`
	Requires []string `yaml:"requires"`
	Final    bool     `yaml:"final,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Stage returns the pipeline stage for a role.
func (c *Config) Stage(role string) (Stage, bool) {
	for _, s := range c.Pipeline.Stages {
		if s.Role == role {
			return s, true
		}
	}
	return Stage{}, false
}

// FinalStage returns the terminal pipeline stage.
func (c *Config) FinalStage() (Stage, bool) {
	for _, s := range c.Pipeline.Stages {
		if s.Final {
			return s, true
		}
	}
	return Stage{}, false
}

// KnownFormType reports whether the type is in the closed catalog.
func (c *Config) KnownFormType(formType string) bool {
	_, ok := c.Forms.Catalog[formType]
	return ok
}

// Allowlist returns the visible field set for a role on a form type. A nil
// return with ok=false means the role has no configured view. The wildcard
// entry "*" grants the full payload; admin always has it.
func (c *Config) Allowlist(formType, role string) ([]string, bool) {
	if role == domain.RoleAdmin {
		return []string{"*"}, true
	}
	byRole, ok := c.Views[formType]
	if !ok {
		return nil, false
	}
	fields, ok := byRole[role]
	return fields, ok
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registry.ID == "" {
		return fmt.Errorf("config.registry.id is required")
	}
	if c.Registry.Kind != "legal-registry" {
		return fmt.Errorf("config.registry.kind must be 'legal-registry'")
	}
	if len(c.Forms.Catalog) == 0 {
		return fmt.Errorf("config.forms.catalog is required")
	}
	for name, ft := range c.Forms.Catalog {
		if name == "" {
			return fmt.Errorf("config.forms.catalog contains empty form type")
		}
		for _, f := range ft.Required {
			if f == "" {
				return fmt.Errorf("form type %s has empty required field", name)
			}
		}
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	finals := 0
	for _, s := range c.Pipeline.Stages {
		if s.Role == "" {
			return fmt.Errorf("config.pipeline.stages contains empty role")
		}
		if seen[s.Role] {
			return fmt.Errorf("role %s appears twice in pipeline", s.Role)
		}
		seen[s.Role] = true
		if s.Final {
			finals++
		}
		for _, req := range s.Requires {
			if req == s.Role {
				return fmt.Errorf("role %s requires itself", s.Role)
			}
			if !seen[req] {
				return fmt.Errorf("role %s requires %s which is not an earlier stage", s.Role, req)
			}
		}
	}
	if finals != 1 {
		return fmt.Errorf("pipeline must declare exactly one final stage, got %d", finals)
	}
	for formType, byRole := range c.Views {
		if _, ok := c.Forms.Catalog[formType]; !ok {
			return fmt.Errorf("views reference unknown form type %s", formType)
		}
		for role, fields := range byRole {
			if !seen[role] {
				return fmt.Errorf("views for %s reference unknown role %s", formType, role)
			}
			for _, f := range fields {
				if f == "" {
					return fmt.Errorf("views for %s/%s contain empty field", formType, role)
				}
			}
		}
	}
	return nil
}

// Default returns the default Config struct for a registry.
func Default(registryID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, registryID))).Decode(&cfg)
	cfg.Registry.ID = registryID
	cfg.Registry.Kind = "legal-registry"
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(registryID string) string {
	return fmt.Sprintf(defaultTemplate, registryID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `registry:
  id: %s
  kind: legal-registry

forms:
  catalog:
    sale-deed:
      description: "Sale of immovable property"
      required: [seller_name, buyer_name, sale_price]
    will-deed:
      description: "Testamentary disposition"
      required: [testator_name, beneficiary_name]
    trust-deed:
      description: "Creation of a trust"
      required: [settlor_name, trustee_name, trust_purpose]
    property-registration:
      description: "First registration of a property"
      required: [owner_name, plot_number]
    power-of-attorney:
      description: "Grant of representation authority"
      required: [principal_name, agent_name, powers_granted]
    adoption-deed:
      description: "Adoption of a child"
      required: [adopter_name, child_name]
    contact-form:
      description: "General enquiry"
      required: [subject, message]

pipeline:
  stages:
    - role: staff1
      requires: []
    - role: staff2
      requires: [staff1]
    - role: staff3
      requires: [staff1]
    - role: admin
      requires: [staff1, staff2, staff3]
      final: true

views:
  sale-deed:
    staff1: [sale_price, stamp_duty, registration_fee, market_value]
    staff2: [seller_name, buyer_name, seller_id_proof, buyer_id_proof, witness_one, witness_two]
    staff3: [plot_number, survey_number, plot_area, boundaries, plot_sketch_url]
  will-deed:
    staff1: [stamp_duty, registration_fee]
    staff2: [testator_name, beneficiary_name, executor_name, witness_one, witness_two]
    staff3: [property_description, plot_number]
  trust-deed:
    staff1: [stamp_duty, registration_fee, trust_corpus]
    staff2: [settlor_name, trustee_name, trust_purpose, witness_one]
    staff3: [property_description, plot_number]
  property-registration:
    staff1: [registration_fee, market_value]
    staff2: [owner_name, owner_id_proof]
    staff3: [plot_number, survey_number, plot_area, boundaries, plot_sketch_url]
  power-of-attorney:
    staff1: [stamp_duty]
    staff2: [principal_name, agent_name, powers_granted, witness_one]
    staff3: [property_description]
  adoption-deed:
    staff1: [stamp_duty, registration_fee]
    staff2: [adopter_name, child_name, guardian_consent, witness_one, witness_two]
    staff3: []
  contact-form:
    staff1: [subject, message]
    staff2: []
    staff3: []
`
