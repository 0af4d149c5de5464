// Package registry loads the tool-service registry (spec.md §6
// "Configuration / registry") from YAML, matching the teacher's config
// style of decoding deployment topology with gopkg.in/yaml.v3 rather than
// hand-rolled flag parsing.
package registry

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// PlanningStrategy selects how the Planner/Executor Loop (C5) drives a
// service: either by calling a single known tool directly (internal_tool)
// or by handing the model a planning prompt and letting it choose calls
// (llm_planner).
type PlanningStrategy string

const (
	StrategyInternalTool PlanningStrategy = "internal_tool"
	StrategyLLMPlanner   PlanningStrategy = "llm_planner"
)

// Service describes one tool-service entry, as served by the external
// registry per spec.md §6.
type Service struct {
	Name                   string           `yaml:"name"`
	Description            string           `yaml:"description"`
	ExecutionEndpoint      []string         `yaml:"executionEndpoint"`
	PlanningStrategy       PlanningStrategy `yaml:"planning_strategy"`
	PlanningToolName       string           `yaml:"planning_tool_name,omitempty"`
	PlanningPromptTemplate string           `yaml:"planning_prompt_template,omitempty"`
	RequiredContext        []string         `yaml:"required_context"`
}

// Registry is the decoded set of service entries, indexed by name.
//
// sourcePath and mu back Refresh, which reloads the registry document in
// place (spec §6 registry entries are pluggable/reloadable deployment
// config, not compiled-in constants), grounded on the original Python
// implementation's cached member-dependency registry
// (original_source/baseagent.py's load_agent_member_dependency/
// refresh_member_dependency pair: a cached loader plus an explicit
// cache-bust-and-reload entry point).
type Registry struct {
	mu         sync.RWMutex
	services   map[string]Service
	order      []string
	sourcePath string
}

type document struct {
	Services []Service `yaml:"services"`
}

// Load parses a registry document from raw YAML bytes.
func Load(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse yaml: %w", err)
	}
	r := &Registry{services: make(map[string]Service, len(doc.Services))}
	for _, svc := range doc.Services {
		if svc.Name == "" {
			return nil, fmt.Errorf("registry: service entry missing name")
		}
		if svc.PlanningStrategy != StrategyInternalTool && svc.PlanningStrategy != StrategyLLMPlanner {
			return nil, fmt.Errorf("registry: service %q has unknown planning_strategy %q", svc.Name, svc.PlanningStrategy)
		}
		r.services[svc.Name] = svc
		r.order = append(r.order, svc.Name)
	}
	return r, nil
}

// LoadFile reads and parses a registry document from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	r, err := Load(data)
	if err != nil {
		return nil, err
	}
	r.sourcePath = path
	return r, nil
}

// Lookup returns the service entry by name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names returns every registered service name in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns every registered service entry in declaration order.
func (r *Registry) All() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name])
	}
	return out
}

// Refresh re-reads the registry document from the path it was loaded from
// (LoadFile) and swaps the service set in place, discarding any cached
// lookups from before the call. Mirrors original_source/baseagent.py's
// refresh_member_dependency: "Clear cache for this combination and re-load
// from Salesforce" — here the backing store is the registry YAML file
// rather than Salesforce, but the cache-invalidate-then-reload shape is the
// same. Returns an error (leaving the existing registry intact) if
// Refresh is called on a Registry not constructed via LoadFile, or if the
// reload fails.
func (r *Registry) Refresh() error {
	r.mu.RLock()
	path := r.sourcePath
	r.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("registry: refresh requires a registry loaded via LoadFile")
	}
	fresh, err := LoadFile(path)
	if err != nil {
		return fmt.Errorf("registry: refresh: %w", err)
	}
	r.mu.Lock()
	r.services = fresh.services
	r.order = fresh.order
	r.mu.Unlock()
	return nil
}
