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

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/dispatcher"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/fleet"
	"github.com/outpost-run/outpost/pkg/server"
	"github.com/outpost-run/outpost/pkg/test"
)

var stub *dispatcherStub
var srv *server.Server
var router http.Handler

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server")
}

var _ = BeforeEach(func() {
	stub = &dispatcherStub{}
	srv = server.New(stub, 0, 5*time.Second, logr.Discard())
	router = srv.Routes(5*time.Second, logr.Discard())
})

func do(method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doAsTenant(method, target string, body io.Reader) *httptest.ResponseRecorder {
	return do(method, target, body, map[string]string{"X-Tenant-Id": "team-payments"})
}

type errorResponse struct {
	Error struct {
		Kind    v1.ErrorKind `json:"kind"`
		Message string       `json:"message"`
	} `json:"error"`
}

func decodeError(rec *httptest.ResponseRecorder) errorResponse {
	resp := errorResponse{}
	ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
	return resp
}

var _ = Describe("Health", func() {
	It("should report healthy", func() {
		rec := do(http.MethodGet, "/healthz", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})
	It("should report ready until shutdown begins", func() {
		Expect(do(http.MethodGet, "/readyz", nil, nil).Code).To(Equal(http.StatusOK))
		Expect(srv.Shutdown(context.Background())).To(Succeed())
		Expect(do(http.MethodGet, "/readyz", nil, nil).Code).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("Create", func() {
	It("should create a dispatch for the header tenant", func() {
		stub.createResult = &dispatcher.CreateResult{Dispatch: test.Dispatch(v1.Dispatch{DispatchID: "d-7f3a", Status: v1.StatusProvisioning})}

		rec := doAsTenant(http.MethodPost, "/v1/dispatches", requestBody())
		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(rec.Header().Get("Location")).To(Equal("/v1/dispatches/d-7f3a"))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		Expect(stub.gotRequest.TenantID).To(Equal("team-payments"))
		Expect(stub.gotRequest.Agent).To(Equal("claude"))

		created := map[string]any{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &created)).To(Succeed())
		Expect(created["dispatchId"]).To(Equal("d-7f3a"))
	})
	It("should return the original record on an idempotent replay", func() {
		stub.createResult = &dispatcher.CreateResult{Dispatch: test.Dispatch(), Idempotent: true}

		rec := doAsTenant(http.MethodPost, "/v1/dispatches", requestBody())
		Expect(rec.Code).To(Equal(http.StatusOK))
	})
	It("should reject requests without a tenant header", func() {
		rec := do(http.MethodPost, "/v1/dispatches", requestBody(), nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeError(rec).Error.Kind).To(Equal(v1.ErrorKindValidation))
		Expect(stub.gotRequest).To(BeNil())
	})
	It("should reject malformed bodies", func() {
		rec := doAsTenant(http.MethodPost, "/v1/dispatches", bytes.NewBufferString("{not json"))
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeError(rec).Error.Kind).To(Equal(v1.ErrorKindValidation))
	})
	It("should reject bodies with unknown fields", func() {
		rec := doAsTenant(http.MethodPost, "/v1/dispatches", bytes.NewBufferString(`{"agent":"claude","task":"do it","tenantId":"team-spoofed"}`))
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
	It("should map quota rejections to 429", func() {
		stub.createErr = errors.New(v1.ErrorKindQuota, "tenant team-payments has 5 of 5 dispatches active")

		rec := doAsTenant(http.MethodPost, "/v1/dispatches", requestBody())
		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		resp := decodeError(rec)
		Expect(resp.Error.Kind).To(Equal(v1.ErrorKindQuota))
		Expect(resp.Error.Message).To(ContainSubstring("5 of 5"))
	})
	It("should advertise a retry hint when capacity is unavailable", func() {
		stub.createErr = errors.NewUnavailable(30*time.Second, "no capacity for agent claude")

		rec := doAsTenant(http.MethodPost, "/v1/dispatches", requestBody())
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(rec.Header().Get("Retry-After")).To(Equal("30"))
		Expect(decodeError(rec).Error.Kind).To(Equal(v1.ErrorKindUnavailable))
	})
	It("should not leak unclassified failures", func() {
		stub.createErr = fmt.Errorf("dynamodb endpoint 10.0.3.7 is unreachable")

		rec := doAsTenant(http.MethodPost, "/v1/dispatches", requestBody())
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		resp := decodeError(rec)
		Expect(resp.Error.Kind).To(Equal(v1.ErrorKindInternal))
		Expect(resp.Error.Message).To(ContainSubstring("internal error"))
		Expect(resp.Error.Message).ToNot(ContainSubstring("10.0.3.7"))
	})
})

var _ = Describe("Get", func() {
	It("should pass the log window through", func() {
		stub.detail = &dispatcher.Detail{Dispatch: test.Dispatch(v1.Dispatch{DispatchID: "d-1"})}

		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1?logOffset=100&logLimit=50", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotTenant).To(Equal("team-payments"))
		Expect(stub.gotID).To(Equal("d-1"))
		Expect(stub.gotLogs).To(Equal(v1.LogQuery{Offset: 100, Limit: 50}))
	})
	It("should skip log retrieval on request", func() {
		stub.detail = &dispatcher.Detail{Dispatch: test.Dispatch()}

		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1?skipLogs=true", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotLogs.SkipLogs).To(BeTrue())
	})
	It("should reject a malformed log offset", func() {
		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1?logOffset=abc", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeError(rec).Error.Message).To(ContainSubstring("logOffset"))
	})
	It("should return 404 for an unknown dispatch", func() {
		stub.getErr = errors.New(v1.ErrorKindNotFound, "dispatch d-1 not found")

		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1", nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		resp := decodeError(rec)
		Expect(resp.Error.Kind).To(Equal(v1.ErrorKindNotFound))
		Expect(resp.Error.Message).To(Equal("dispatch d-1 not found"))
	})
})

var _ = Describe("List", func() {
	It("should parse every filter", func() {
		stub.page = &v1.ListPage{Items: []*v1.Dispatch{test.Dispatch()}, NextCursor: "abc", HasMore: true}

		rec := doAsTenant(http.MethodGet, "/v1/dispatches?status=RUNNING&agent=claude&tag=team%3Dpayments&tag=env%3Dprod&since=2026-08-01T00:00:00Z&limit=10&cursor=xyz", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotList).To(Equal(v1.ListQuery{
			Status: v1.StatusRunning,
			Agent:  "claude",
			Tags:   map[string]string{"team": "payments", "env": "prod"},
			Since:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			Limit:  10,
			Cursor: "xyz",
		}))

		page := map[string]any{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &page)).To(Succeed())
		Expect(page["nextCursor"]).To(Equal("abc"))
		Expect(page["hasMore"]).To(Equal(true))
	})
	It("should reject an unknown status filter", func() {
		rec := doAsTenant(http.MethodGet, "/v1/dispatches?status=SLEEPING", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeError(rec).Error.Message).To(ContainSubstring("SLEEPING"))
	})
	It("should reject a tag filter without a key", func() {
		rec := doAsTenant(http.MethodGet, "/v1/dispatches?tag=nokey", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(decodeError(rec).Error.Message).To(ContainSubstring("key=value"))
	})
	It("should reject a malformed since timestamp", func() {
		rec := doAsTenant(http.MethodGet, "/v1/dispatches?since=yesterday", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})

var _ = Describe("Cancel", func() {
	It("should cancel with the caller's reason", func() {
		stub.cancelRecord = test.Dispatch(v1.Dispatch{Status: v1.StatusCancelled})

		rec := doAsTenant(http.MethodDelete, "/v1/dispatches/d-1", bytes.NewBufferString(`{"reason":"superseded by d-2"}`))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotReason).To(Equal("superseded by d-2"))
	})
	It("should cancel without a body", func() {
		stub.cancelRecord = test.Dispatch(v1.Dispatch{Status: v1.StatusCancelled})

		rec := doAsTenant(http.MethodDelete, "/v1/dispatches/d-1", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotReason).To(BeEmpty())
	})
	It("should return 409 when the dispatch is already terminal", func() {
		stub.cancelErr = errors.New(v1.ErrorKindConflict, "dispatch d-1 is already SUCCESS")

		rec := doAsTenant(http.MethodDelete, "/v1/dispatches/d-1", nil)
		Expect(rec.Code).To(Equal(http.StatusConflict))
		Expect(decodeError(rec).Error.Message).To(ContainSubstring("already SUCCESS"))
	})
	It("should surface version races as a retryable conflict", func() {
		stub.cancelErr = errors.New(v1.ErrorKindStaleVersion, "dispatch d-1 version 3 is stale")

		rec := doAsTenant(http.MethodDelete, "/v1/dispatches/d-1", nil)
		Expect(rec.Code).To(Equal(http.StatusConflict))
		resp := decodeError(rec)
		Expect(resp.Error.Kind).To(Equal(v1.ErrorKindConflict))
		Expect(resp.Error.Message).ToNot(ContainSubstring("stale"))
	})
})

var _ = Describe("Artifacts", func() {
	It("should pass the requested expiry through", func() {
		stub.artifacts = []v1.Artifact{{Type: "patch", Handle: "https://signed.example/patch"}}

		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1/artifacts?expiresIn=600", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotExpiresIn).To(Equal(10 * time.Minute))

		list := map[string][]v1.Artifact{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &list)).To(Succeed())
		Expect(list["artifacts"]).To(HaveLen(1))
	})
	It("should default the expiry when none is requested", func() {
		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1/artifacts", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(stub.gotExpiresIn).To(BeZero())
	})
	It("should reject a negative expiry", func() {
		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1/artifacts?expiresIn=-5", nil)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
	It("should return 409 while the dispatch is still running", func() {
		stub.artifactsErr = errors.New(v1.ErrorKindConflict, "dispatch d-1 is still RUNNING")

		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1/artifacts", nil)
		Expect(rec.Code).To(Equal(http.StatusConflict))
	})
	It("should map blob store failures to 502", func() {
		stub.artifactsErr = errors.Wrap(v1.ErrorKindArtifact, fmt.Errorf("presign failed"), "presigning artifacts for dispatch d-1")

		rec := doAsTenant(http.MethodGet, "/v1/dispatches/d-1/artifacts", nil)
		Expect(rec.Code).To(Equal(http.StatusBadGateway))
	})
})

var _ = Describe("Fleet", func() {
	It("should serve the snapshot without a tenant header", func() {
		stub.snapshot = &fleet.Snapshot{Agents: map[string]*fleet.AgentFleet{"claude": {Warm: 3}}}

		rec := do(http.MethodGet, "/v1/fleet", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("claude"))
	})
	It("should surface dependency hiccups as unavailable", func() {
		stub.fleetErr = errors.Wrap(v1.ErrorKindTransient, fmt.Errorf("throttled"), "describing cluster")

		rec := do(http.MethodGet, "/v1/fleet", nil, nil)
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		resp := decodeError(rec)
		Expect(resp.Error.Kind).To(Equal(v1.ErrorKindUnavailable))
		Expect(resp.Error.Message).ToNot(ContainSubstring("throttled"))
	})
})

var _ = Describe("Routing", func() {
	It("should return 404 for unknown paths", func() {
		Expect(do(http.MethodGet, "/v1/nope", nil, nil).Code).To(Equal(http.StatusNotFound))
	})
	It("should return 405 for unsupported methods", func() {
		Expect(doAsTenant(http.MethodPut, "/v1/dispatches", nil).Code).To(Equal(http.StatusMethodNotAllowed))
	})
})

func requestBody() io.Reader {
	return bytes.NewReader(lo.Must(json.Marshal(test.DispatchRequest())))
}

type dispatcherStub struct {
	mu sync.Mutex

	createResult *dispatcher.CreateResult
	createErr    error
	gotRequest   *v1.DispatchRequest

	detail    *dispatcher.Detail
	getErr    error
	gotTenant string
	gotID     string
	gotLogs   v1.LogQuery

	page    *v1.ListPage
	listErr error
	gotList v1.ListQuery

	cancelRecord *v1.Dispatch
	cancelErr    error
	gotReason    string

	artifacts    []v1.Artifact
	artifactsErr error
	gotExpiresIn time.Duration

	snapshot *fleet.Snapshot
	fleetErr error
}

func (d *dispatcherStub) Create(_ context.Context, request *v1.DispatchRequest) (*dispatcher.CreateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gotRequest = request
	return d.createResult, d.createErr
}

func (d *dispatcherStub) Get(_ context.Context, tenantID, dispatchID string, query v1.LogQuery) (*dispatcher.Detail, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gotTenant, d.gotID, d.gotLogs = tenantID, dispatchID, query
	return d.detail, d.getErr
}

func (d *dispatcherStub) List(_ context.Context, tenantID string, query v1.ListQuery) (*v1.ListPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gotTenant, d.gotList = tenantID, query
	if d.page == nil && d.listErr == nil {
		return &v1.ListPage{}, nil
	}
	return d.page, d.listErr
}

func (d *dispatcherStub) Cancel(_ context.Context, tenantID, dispatchID, reason string) (*v1.Dispatch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gotTenant, d.gotID, d.gotReason = tenantID, dispatchID, reason
	return d.cancelRecord, d.cancelErr
}

func (d *dispatcherStub) Artifacts(_ context.Context, tenantID, dispatchID string, expiresIn time.Duration) ([]v1.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gotTenant, d.gotID, d.gotExpiresIn = tenantID, dispatchID, expiresIn
	return d.artifacts, d.artifactsErr
}

func (d *dispatcherStub) Fleet(context.Context) (*fleet.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapshot == nil && d.fleetErr == nil {
		return &fleet.Snapshot{}, nil
	}
	return d.snapshot, d.fleetErr
}
