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

package options

import (
	"fmt"

	"go.uber.org/multierr"
)

func (o Options) Validate() error {
	return multierr.Combine(
		o.validateRuntime(),
		o.validateRequiredFields(),
		o.validateIntervals(),
	)
}

func (o Options) validateRuntime() (err error) {
	switch o.RuntimeKind() {
	case RuntimeECS:
		if o.Cluster == "" {
			err = multierr.Append(err, fmt.Errorf("OUTPOST_CLUSTER is required for the ecs runtime"))
		}
		if len(o.SubnetIDs()) == 0 {
			err = multierr.Append(err, fmt.Errorf("OUTPOST_SUBNETS is required for the ecs runtime"))
		}
		if len(o.SecurityGroupIDs()) == 0 {
			err = multierr.Append(err, fmt.Errorf("OUTPOST_SECURITY_GROUPS is required for the ecs runtime"))
		}
	case RuntimeDocker:
	default:
		err = multierr.Append(err, fmt.Errorf("runtime may only be either ecs or docker"))
	}
	return err
}

func (o Options) validateRequiredFields() (err error) {
	if o.ArtifactBucket == "" {
		err = multierr.Append(err, fmt.Errorf("OUTPOST_ARTIFACT_BUCKET is required"))
	}
	if o.AgentRegistry == "" {
		err = multierr.Append(err, fmt.Errorf("OUTPOST_AGENT_REGISTRY is required"))
	}
	return err
}

func (o Options) validateIntervals() (err error) {
	if o.SweepInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("sweep-interval must be positive"))
	}
	if o.RequestTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("request-timeout must be positive"))
	}
	return err
}
