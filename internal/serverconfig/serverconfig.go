// Package serverconfig decodes the cmd/server deployment topology: model
// provider selection, the tool-service registry path, the three
// specialized-workflow transports (CRM, transactional email, URL
// shortener), the session backend, and iteration limits. YAML decoding
// matches the teacher's config style (gopkg.in/yaml.v3).
package serverconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelProvider selects which concrete model.Client adapter cmd/server
// wires up (spec.md Non-goals: the LLM itself is an opaque external
// collaborator; only the adapter choice is ours to make).
type ModelProvider string

const (
	ModelProviderAnthropic ModelProvider = "anthropic"
	ModelProviderOpenAI    ModelProvider = "openai"
)

// SessionBackend selects the session.Store/CheckpointStore implementation.
type SessionBackend string

const (
	SessionBackendMemory  SessionBackend = "memory"
	SessionBackendMongoDB SessionBackend = "mongodb"
)

// Config is the decoded cmd/server deployment document.
type Config struct {
	// RegistryPath points at the YAML document describing dynamically
	// planned services (spec.md §6 "Configuration / registry").
	RegistryPath string `yaml:"registry_path"`

	// RegistryHealth optionally enables distributed health tracking (C7)
	// over Redis/Pulse, grounded on the teacher's registry/health_tracker.go.
	// Health tracking is opt-in: when Addr is empty, no Redis connection is
	// made and every service is reported healthy.
	RegistryHealth struct {
		Addr               string `yaml:"addr,omitempty"`
		Name               string `yaml:"name,omitempty"`
		StalenessThreshold int    `yaml:"staleness_threshold_seconds,omitempty"`
	} `yaml:"registry_health,omitempty"`

	// SchemaPath points at the CRM object/field metadata document that backs
	// the Schema Context Builder (spec §4.9). Empty disables C9 entirely;
	// the model-planner strategy still runs, just without an
	// available_context block.
	SchemaPath string `yaml:"schema_path,omitempty"`

	// SchemaService names the registry service C9's prompt context is built
	// for (spec §4.9: "on each planning pass for the CRM service").
	SchemaService string `yaml:"schema_service,omitempty"`

	Model struct {
		Provider  ModelProvider `yaml:"provider"`
		APIKey    string        `yaml:"api_key"`
		ModelName string        `yaml:"model_name"`
	} `yaml:"model"`

	// Workflows names the fixed subprocess argv for the three specialized
	// workflows' hard-coded collaborators (spec.md §4.8): the CRM, the
	// transactional email provider, and the URL-shortening/analytics
	// provider. These are distinct from RegistryPath's dynamically planned
	// services, though a deployment may point a registry entry at the same
	// CRM subprocess for the generic loop.
	Workflows struct {
		CRM     []string `yaml:"crm"`
		Email   []string `yaml:"email"`
		Linkly  []string `yaml:"linkly"`
	} `yaml:"workflows"`

	Session struct {
		Backend SessionBackend `yaml:"backend"`
		MongoURI string        `yaml:"mongo_uri,omitempty"`
		MongoDB  string        `yaml:"mongo_db,omitempty"`
	} `yaml:"session"`

	// Durable optionally starts a Temporal worker alongside the default
	// in-process Manager, registering the Orchestration Graph (C2) as a
	// durable TurnWorkflow (internal/durable). Empty HostPort disables it;
	// turns still run through the in-process path either way (spec.md's
	// checkpoint store is explicitly pluggable and non-mandatory, §6).
	Durable struct {
		HostPort  string `yaml:"host_port,omitempty"`
		Namespace string `yaml:"namespace,omitempty"`
	} `yaml:"durable,omitempty"`

	MaxIterations       int `yaml:"max_iterations"`
	MaxIterationsInner  int `yaml:"max_iterations_inner"`

	// OrchestratorSystemPrompt is the templated system prompt composed for
	// the Orchestrator Decision Node (spec §4.3).
	OrchestratorSystemPrompt string `yaml:"orchestrator_system_prompt"`
}

// Load parses a Config document from raw YAML bytes and applies defaults.
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("serverconfig: parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and parses a Config document from path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: read %s: %w", path, err)
	}
	return Load(data)
}

func (c *Config) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.MaxIterationsInner == 0 {
		c.MaxIterationsInner = 10
	}
	if c.Session.Backend == "" {
		c.Session.Backend = SessionBackendMemory
	}
	if c.Model.Provider == "" {
		c.Model.Provider = ModelProviderAnthropic
	}
	if c.OrchestratorSystemPrompt == "" {
		c.OrchestratorSystemPrompt = defaultOrchestratorSystemPrompt
	}
	if c.SchemaPath != "" && c.SchemaService == "" {
		c.SchemaService = "salesforce"
	}
}

func (c *Config) validate() error {
	if c.RegistryPath == "" {
		return fmt.Errorf("serverconfig: registry_path is required")
	}
	switch c.Model.Provider {
	case ModelProviderAnthropic, ModelProviderOpenAI:
	default:
		return fmt.Errorf("serverconfig: unknown model provider %q", c.Model.Provider)
	}
	switch c.Session.Backend {
	case SessionBackendMemory:
	case SessionBackendMongoDB:
		if c.Session.MongoURI == "" || c.Session.MongoDB == "" {
			return fmt.Errorf("serverconfig: mongodb session backend requires mongo_uri and mongo_db")
		}
	default:
		return fmt.Errorf("serverconfig: unknown session backend %q", c.Session.Backend)
	}
	return nil
}

const defaultOrchestratorSystemPrompt = `You are the orchestrator for a marketing-automation agent. Given the
progress summary, decide which service to invoke next, or "complete" when
the goal is satisfied, or "casual_chat:<reply>" for small talk. Respond
with exactly one label.`
