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

package v1

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	TaskMinChars      = 10
	TaskMaxChars      = 50000
	TimeoutMinSeconds = 30
	TimeoutMaxSeconds = 86400

	MaxMemoryMbCeiling = 65536
	MaxCpuUnitsCeiling = 16384
	MaxDiskGbCeiling   = 200

	MaxTagCount       = 20
	MaxTagKeyChars    = 64
	MaxTagValueChars  = 256
	MaxSecretCount    = 16
	MaxSecretKeyChars = 128

	DefaultTimeoutSeconds = 3600
)

// EnvDenyPrefixes are environment variable prefixes a caller may never set
// through additionalSecrets; the launcher additionally rejects any alias that
// collides with the composed base environment.
var EnvDenyPrefixes = []string{"AWS_", "OUTPOST_"}

var (
	contextLevels  = sets.New(ContextLevelMinimal, ContextLevelStandard, ContextLevelFull)
	workspaceModes = sets.New(WorkspaceModeNone, WorkspaceModeMinimal, WorkspaceModeFull, WorkspaceModePersistent)
)

// Validate normalizes the request in place (defaults applied) and returns the
// aggregate of every constraint violation. Agent existence and model
// resolution are registry concerns checked by the dispatcher.
func (r *DispatchRequest) Validate() error {
	var errs error
	if r.TenantID == "" {
		errs = multierr.Append(errs, fmt.Errorf("tenantId is required"))
	}
	if r.Agent == "" {
		errs = multierr.Append(errs, fmt.Errorf("agent is required"))
	}
	if n := utf8.RuneCountInString(r.Task); n < TaskMinChars || n > TaskMaxChars {
		errs = multierr.Append(errs, fmt.Errorf("task length %d outside [%d, %d]", n, TaskMinChars, TaskMaxChars))
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if r.TimeoutSeconds < TimeoutMinSeconds || r.TimeoutSeconds > TimeoutMaxSeconds {
		errs = multierr.Append(errs, fmt.Errorf("timeoutSeconds %d outside [%d, %d]", r.TimeoutSeconds, TimeoutMinSeconds, TimeoutMaxSeconds))
	}
	if r.ContextLevel == "" {
		r.ContextLevel = ContextLevelStandard
	}
	if !contextLevels.Has(r.ContextLevel) {
		errs = multierr.Append(errs, fmt.Errorf("unknown contextLevel %q", r.ContextLevel))
	}
	if r.WorkspaceMode == "" {
		r.WorkspaceMode = WorkspaceModeNone
	}
	if !workspaceModes.Has(r.WorkspaceMode) {
		errs = multierr.Append(errs, fmt.Errorf("unknown workspaceMode %q", r.WorkspaceMode))
	}
	if r.WorkspaceMode != WorkspaceModeNone && r.Repo == "" {
		errs = multierr.Append(errs, fmt.Errorf("workspaceMode %q requires repo", r.WorkspaceMode))
	}
	errs = multierr.Append(errs, r.validateConstraints())
	errs = multierr.Append(errs, r.validateTags())
	errs = multierr.Append(errs, r.validateSecrets())
	return errs
}

func (r *DispatchRequest) validateConstraints() error {
	if r.Constraints == nil {
		return nil
	}
	var errs error
	c := r.Constraints
	if c.MaxMemoryMb < 0 || c.MaxMemoryMb > MaxMemoryMbCeiling {
		errs = multierr.Append(errs, fmt.Errorf("constraints.maxMemoryMb %d outside [0, %d]", c.MaxMemoryMb, MaxMemoryMbCeiling))
	}
	if c.MaxCpuUnits < 0 || c.MaxCpuUnits > MaxCpuUnitsCeiling {
		errs = multierr.Append(errs, fmt.Errorf("constraints.maxCpuUnits %d outside [0, %d]", c.MaxCpuUnits, MaxCpuUnitsCeiling))
	}
	if c.MaxDiskGb < 0 || c.MaxDiskGb > MaxDiskGbCeiling {
		errs = multierr.Append(errs, fmt.Errorf("constraints.maxDiskGb %d outside [0, %d]", c.MaxDiskGb, MaxDiskGbCeiling))
	}
	return errs
}

func (r *DispatchRequest) validateTags() error {
	var errs error
	if len(r.Tags) > MaxTagCount {
		errs = multierr.Append(errs, fmt.Errorf("tag count %d exceeds %d", len(r.Tags), MaxTagCount))
	}
	for k, v := range r.Tags {
		if k == "" || len(k) > MaxTagKeyChars {
			errs = multierr.Append(errs, fmt.Errorf("tag key %q length outside [1, %d]", k, MaxTagKeyChars))
		}
		if len(v) > MaxTagValueChars {
			errs = multierr.Append(errs, fmt.Errorf("tag %q value length %d exceeds %d", k, len(v), MaxTagValueChars))
		}
	}
	return errs
}

func (r *DispatchRequest) validateSecrets() error {
	var errs error
	if len(r.AdditionalSecrets) > MaxSecretCount {
		errs = multierr.Append(errs, fmt.Errorf("additionalSecrets count %d exceeds %d", len(r.AdditionalSecrets), MaxSecretCount))
	}
	for handle, alias := range r.AdditionalSecrets {
		if handle == "" || len(handle) > MaxSecretKeyChars {
			errs = multierr.Append(errs, fmt.Errorf("secret handle length outside [1, %d]", MaxSecretKeyChars))
			continue
		}
		if alias == "" {
			errs = multierr.Append(errs, fmt.Errorf("secret %q has an empty alias", handle))
			continue
		}
		if denied := DeniedEnvKey(alias); denied != "" {
			errs = multierr.Append(errs, fmt.Errorf("secret alias %q matches denied prefix %q", alias, denied))
		}
	}
	return errs
}

// DeniedEnvKey returns the matching deny-list prefix when the key may not be
// injected into a worker environment, or the empty string when it is allowed.
func DeniedEnvKey(key string) string {
	upper := strings.ToUpper(key)
	for _, prefix := range EnvDenyPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return prefix
		}
	}
	return ""
}
