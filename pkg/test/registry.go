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

package test

import (
	"github.com/samber/lo"

	"github.com/outpost-run/outpost/pkg/agents"
	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
)

// RegistryConfig returns a two-agent registry document with overridable fields.
func RegistryConfig(overrides ...agents.Config) *agents.Config {
	config := MustMerge(agents.Config{
		Agents: map[string]*agents.Agent{
			"claude": {
				Image:          "123456789012.dkr.ecr.us-west-2.amazonaws.com/outpost/claude-worker:latest",
				TaskDefinition: "outpost-claude",
				Models: agents.Models{
					Flagship: "claude-flagship-1",
					Balanced: "claude-balanced-1",
					Fast:     "claude-fast-1",
					Allowed:  []string{"claude-flagship-0"},
				},
				Defaults: agents.Resources{MemoryMb: 4096, CpuUnits: 2048},
				Ceilings: v1.Constraints{MaxMemoryMb: 16384, MaxCpuUnits: 8192, MaxDiskGb: 100},
				Env:      map[string]string{"WORKER_LOG_LEVEL": "info"},
				Secrets:  map[string]string{"outpost/claude/api-key": "ANTHROPIC_API_KEY"},
				Pool:     agents.PoolConfig{MinWarm: 2, MaxTotal: 10, WarmTimeoutSeconds: 1800, HealthCheckPeriodSeconds: 60},
			},
			"codex": {
				Image:          "123456789012.dkr.ecr.us-west-2.amazonaws.com/outpost/codex-worker:latest",
				TaskDefinition: "outpost-codex",
				Models: agents.Models{
					Flagship: "codex-flagship-1",
					Balanced: "codex-balanced-1",
					Fast:     "codex-fast-1",
				},
				Defaults: agents.Resources{MemoryMb: 2048, CpuUnits: 1024},
				Ceilings: v1.Constraints{MaxMemoryMb: 8192, MaxCpuUnits: 4096, MaxDiskGb: 50},
				Secrets:  map[string]string{"outpost/codex/api-key": "OPENAI_API_KEY"},
				Pool:     agents.PoolConfig{MinWarm: 1, MaxTotal: 5, WarmTimeoutSeconds: 1800, HealthCheckPeriodSeconds: 60},
			},
		},
		Tenants: agents.Tenants{
			DefaultQuota: 10,
			Quotas:       map[string]int{"team-burst": 50},
		},
	}, overrides...)
	return &config
}

// Registry returns a validated registry built from RegistryConfig.
func Registry(overrides ...agents.Config) *agents.Registry {
	return lo.Must(agents.NewRegistry(RegistryConfig(overrides...)))
}
