/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agents

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
)

// Tier aliases callers may pass as modelId.
const (
	TierFlagship = "flagship"
	TierBalanced = "balanced"
	TierFast     = "fast"
)

// Models is the per-agent model registry: one concrete id per tier alias
// plus any further ids callers may request directly.
type Models struct {
	Flagship string   `json:"flagship"`
	Balanced string   `json:"balanced"`
	Fast     string   `json:"fast"`
	Allowed  []string `json:"allowed,omitempty"`
}

// Resources are the defaults a pooled worker of this agent runs with.
type Resources struct {
	MemoryMb int `json:"memoryMb"`
	CpuUnits int `json:"cpuUnits"`
}

// PoolConfig sizes the agent's warm pool.
type PoolConfig struct {
	MinWarm                  int `json:"minWarm"`
	MaxTotal                 int `json:"maxTotal"`
	WarmTimeoutSeconds       int `json:"warmTimeoutSeconds"`
	HealthCheckPeriodSeconds int `json:"healthCheckPeriodSeconds"`
}

// Agent is one worker class: its image, model registry, resource tier, base
// environment, secret handles, and pool sizing.
type Agent struct {
	Name           string            `json:"-"`
	Image          string            `json:"image"`
	TaskDefinition string            `json:"taskDefinition"`
	Models         Models            `json:"models"`
	Defaults       Resources         `json:"defaults"`
	Ceilings       v1.Constraints    `json:"ceilings"`
	Env            map[string]string `json:"env,omitempty"`
	// Secrets maps secret handles to the environment variable the resolved
	// value is injected as. Values are never stored in this config.
	Secrets map[string]string `json:"secrets,omitempty"`
	Pool    PoolConfig        `json:"pool"`
}

// Tenants configures admission quotas: the per-tenant cap on concurrent
// non-terminal dispatches.
type Tenants struct {
	DefaultQuota int            `json:"defaultQuota"`
	Quotas       map[string]int `json:"quotas,omitempty"`
}

// Config is the on-disk registry document.
type Config struct {
	Agents  map[string]*Agent `json:"agents"`
	Tenants Tenants           `json:"tenants"`
}

// Registry is the validated, immutable agent registry loaded at startup.
type Registry struct {
	agents  map[string]*Agent
	tenants Tenants
}

// Load reads and validates a registry document from path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent registry %q, %w", path, err)
	}
	config := &Config{}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("parsing agent registry %q, %w", path, err)
	}
	return NewRegistry(config)
}

// NewRegistry validates the config and builds the registry.
func NewRegistry(config *Config) (*Registry, error) {
	if len(config.Agents) == 0 {
		return nil, fmt.Errorf("agent registry defines no agents")
	}
	var errs error
	for name, agent := range config.Agents {
		agent.Name = name
		errs = multierr.Append(errs, validateAgent(agent))
	}
	if config.Tenants.DefaultQuota <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("tenants.defaultQuota must be positive, got %d", config.Tenants.DefaultQuota))
	}
	if errs != nil {
		return nil, fmt.Errorf("validating agent registry, %w", errs)
	}
	return &Registry{agents: config.Agents, tenants: config.Tenants}, nil
}

func validateAgent(agent *Agent) error {
	var errs error
	if agent.Image == "" {
		errs = multierr.Append(errs, fmt.Errorf("agent %q has no image", agent.Name))
	}
	if agent.TaskDefinition == "" {
		errs = multierr.Append(errs, fmt.Errorf("agent %q has no taskDefinition", agent.Name))
	}
	for _, tier := range []lo.Tuple2[string, string]{{A: TierFlagship, B: agent.Models.Flagship}, {A: TierBalanced, B: agent.Models.Balanced}, {A: TierFast, B: agent.Models.Fast}} {
		if tier.B == "" {
			errs = multierr.Append(errs, fmt.Errorf("agent %q has no %s model", agent.Name, tier.A))
		}
	}
	if agent.Defaults.MemoryMb <= 0 || agent.Defaults.CpuUnits <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("agent %q has non-positive resource defaults", agent.Name))
	}
	if agent.Ceilings.MaxMemoryMb > v1.MaxMemoryMbCeiling || agent.Ceilings.MaxCpuUnits > v1.MaxCpuUnitsCeiling || agent.Ceilings.MaxDiskGb > v1.MaxDiskGbCeiling {
		errs = multierr.Append(errs, fmt.Errorf("agent %q ceilings exceed the deployment maximums", agent.Name))
	}
	if agent.Ceilings.MaxMemoryMb > 0 && agent.Defaults.MemoryMb > agent.Ceilings.MaxMemoryMb {
		errs = multierr.Append(errs, fmt.Errorf("agent %q default memory %d exceeds its ceiling %d", agent.Name, agent.Defaults.MemoryMb, agent.Ceilings.MaxMemoryMb))
	}
	if agent.Ceilings.MaxCpuUnits > 0 && agent.Defaults.CpuUnits > agent.Ceilings.MaxCpuUnits {
		errs = multierr.Append(errs, fmt.Errorf("agent %q default cpu %d exceeds its ceiling %d", agent.Name, agent.Defaults.CpuUnits, agent.Ceilings.MaxCpuUnits))
	}
	for key := range agent.Env {
		if denied := v1.DeniedEnvKey(key); denied != "" {
			errs = multierr.Append(errs, fmt.Errorf("agent %q env key %q matches denied prefix %q", agent.Name, key, denied))
		}
	}
	for handle, alias := range agent.Secrets {
		if handle == "" || alias == "" {
			errs = multierr.Append(errs, fmt.Errorf("agent %q has a secret with an empty handle or alias", agent.Name))
		}
	}
	if agent.Pool.MinWarm < 0 || agent.Pool.MaxTotal <= 0 || agent.Pool.MinWarm > agent.Pool.MaxTotal {
		errs = multierr.Append(errs, fmt.Errorf("agent %q pool sizing minWarm=%d maxTotal=%d is invalid", agent.Name, agent.Pool.MinWarm, agent.Pool.MaxTotal))
	}
	if agent.Pool.WarmTimeoutSeconds <= 0 {
		agent.Pool.WarmTimeoutSeconds = 1800
	}
	if agent.Pool.HealthCheckPeriodSeconds <= 0 {
		agent.Pool.HealthCheckPeriodSeconds = 60
	}
	return errs
}

// Get returns the named agent or a VALIDATION error; the agent set is closed
// per deployment.
func (r *Registry) Get(name string) (*Agent, error) {
	agent, ok := r.agents[name]
	if !ok {
		return nil, errors.New(v1.ErrorKindValidation, "unknown agent %q", name)
	}
	return agent, nil
}

// Names returns the configured agent names in stable order.
func (r *Registry) Names() []string {
	names := lo.Keys(r.agents)
	sort.Strings(names)
	return names
}

// QuotaFor returns the tenant's concurrent dispatch quota.
func (r *Registry) QuotaFor(tenantID string) int {
	if quota, ok := r.tenants.Quotas[tenantID]; ok {
		return quota
	}
	return r.tenants.DefaultQuota
}

// ResolveModel maps a requested model id (a tier alias, a concrete id, or
// empty for the flagship default) onto the concrete id the worker receives.
func (a *Agent) ResolveModel(requested string) (string, error) {
	switch requested {
	case "", TierFlagship:
		return a.Models.Flagship, nil
	case TierBalanced:
		return a.Models.Balanced, nil
	case TierFast:
		return a.Models.Fast, nil
	}
	if lo.Contains(a.allowedModels(), requested) {
		return requested, nil
	}
	return "", errors.New(v1.ErrorKindValidation, "model %q is not allowed for agent %q", requested, a.Name)
}

func (a *Agent) allowedModels() []string {
	return append([]string{a.Models.Flagship, a.Models.Balanced, a.Models.Fast}, a.Models.Allowed...)
}

// WarmTimeout is how long a slot may sit WARM before the pool recycles it.
func (p PoolConfig) WarmTimeout() time.Duration {
	return time.Duration(p.WarmTimeoutSeconds) * time.Second
}

// HealthCheckPeriod is the cadence of pool reconciliation for this agent.
func (p PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}
