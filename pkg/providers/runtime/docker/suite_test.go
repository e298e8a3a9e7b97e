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

package docker_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/runtime"
	"github.com/outpost-run/outpost/pkg/providers/runtime/docker"
	"github.com/outpost-run/outpost/pkg/test"
)

var ctx context.Context
var api *dockerAPI
var provider *docker.Provider

func TestDocker(t *testing.T) {
	ctx = test.Context(t)
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Runtime/Docker")
}

var _ = BeforeEach(func() {
	api = newDockerAPI()
	provider = docker.NewProvider(api)
})

func launchSpec() *runtime.LaunchSpec {
	return &runtime.LaunchSpec{
		Agent:      "claude",
		Image:      "outpost/claude-worker:latest",
		DispatchID: "d-0190b543-6b1a-7000-8000-0123456789ab",
		TenantID:   "team-payments",
		Env:        map[string]string{"OUTPOST_BOOTSTRAP_URI": "s3://outpost-artifacts/bootstrap/d-1.toml"},
		CpuUnits:   1024,
		MemoryMb:   2048,
	}
}

var _ = Describe("Docker", func() {
	It("should create and start a labeled container", func() {
		handle, err := provider.Launch(ctx, launchSpec())
		Expect(err).ToNot(HaveOccurred())
		Expect(handle).To(HavePrefix("docker://"))

		created := api.onlyContainer()
		Expect(created.config.Image).To(Equal("outpost/claude-worker:latest"))
		Expect(created.config.Env).To(ContainElement("OUTPOST_BOOTSTRAP_URI=s3://outpost-artifacts/bootstrap/d-1.toml"))
		Expect(created.config.Labels).To(HaveKeyWithValue(runtime.AgentTagKey, "claude"))
		Expect(created.config.Labels).To(HaveKeyWithValue(runtime.DispatchTagKey, "d-0190b543-6b1a-7000-8000-0123456789ab"))
		Expect(created.host.Resources.Memory).To(Equal(int64(2048) * 1024 * 1024))
		Expect(created.state.Status).To(Equal("running"))
	})
	It("should describe lifecycle states", func() {
		handle, err := provider.Launch(ctx, launchSpec())
		Expect(err).ToNot(HaveOccurred())

		status, err := provider.Describe(ctx, handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.State).To(Equal(runtime.StateRunning))

		api.exit(handle, 0)
		status, err = provider.Describe(ctx, handle)
		Expect(err).ToNot(HaveOccurred())
		Expect(status.State).To(Equal(runtime.StateStopped))
		Expect(lo.FromPtr(status.ExitCode)).To(Equal(0))
		Expect(status.StopCode).To(Equal(v1.StopCodeEssentialContainerExited))
	})
	It("should report unknown for missing containers and tolerate stopping them", func() {
		status, err := provider.Describe(ctx, "docker://deadbeef")
		Expect(err).ToNot(HaveOccurred())
		Expect(status.State).To(Equal(runtime.StateUnknown))
		Expect(provider.Stop(ctx, "docker://deadbeef", "cleanup")).To(Succeed())
	})
	It("should reject handles that are not docker handles", func() {
		_, err := provider.Describe(ctx, "arn:aws:ecs:us-west-2:123456789012:task/c/abc")
		Expect(errors.IsValidation(err)).To(BeTrue())
	})
	It("should list running managed containers", func() {
		running, err := provider.Launch(ctx, launchSpec())
		Expect(err).ToNot(HaveOccurred())
		exited, err := provider.Launch(ctx, launchSpec())
		Expect(err).ToNot(HaveOccurred())
		api.exit(exited, 1)
		api.containers["bystander"] = &fakeContainer{
			config: &container.Config{},
			state:  &container.State{Status: "running", Running: true},
		}

		handles, err := provider.List(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(handles).To(ConsistOf(running))
	})
})

type fakeContainer struct {
	config *container.Config
	host   *container.HostConfig
	state  *container.State
}

// dockerAPI fakes the handful of engine calls the provider makes.
type dockerAPI struct {
	client.APIClient
	containers map[string]*fakeContainer
}

func newDockerAPI() *dockerAPI {
	return &dockerAPI{containers: map[string]*fakeContainer{}}
}

func (d *dockerAPI) onlyContainer() *fakeContainer {
	Expect(d.containers).To(HaveLen(1))
	for _, c := range d.containers {
		return c
	}
	return nil
}

func (d *dockerAPI) exit(handle string, code int) {
	state := d.containers[strings.TrimPrefix(handle, "docker://")].state
	state.Status = "exited"
	state.Running = false
	state.ExitCode = code
	state.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
}

func (d *dockerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	id := uuid.NewString()
	d.containers[id] = &fakeContainer{config: config, host: hostConfig, state: &container.State{Status: "created"}}
	return container.CreateResponse{ID: id}, nil
}

func (d *dockerAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	c, ok := d.containers[id]
	if !ok {
		return notFound(id)
	}
	c.state.Status = "running"
	c.state.Running = true
	c.state.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

func (d *dockerAPI) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	c, ok := d.containers[id]
	if !ok {
		return notFound(id)
	}
	c.state.Status = "exited"
	c.state.Running = false
	c.state.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

func (d *dockerAPI) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	var out []container.Summary
	for id, c := range d.containers {
		if !c.state.Running {
			continue
		}
		if !options.Filters.MatchKVList("label", c.config.Labels) {
			continue
		}
		out = append(out, container.Summary{ID: id, Labels: c.config.Labels, State: c.state.Status})
	}
	return out, nil
}

func (d *dockerAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	c, ok := d.containers[id]
	if !ok {
		return container.InspectResponse{}, notFound(id)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: id, State: c.state},
	}, nil
}

func notFound(id string) error {
	return fmt.Errorf("no such container: %s: %w", id, cerrdefs.ErrNotFound)
}
