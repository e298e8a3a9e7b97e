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

package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/errors"
)

// maxBodyBytes bounds request bodies well above the largest valid task
// payload so a misbehaving client cannot buffer arbitrary input.
const maxBodyBytes = 1 << 20

func (s *Server) handleCreateDispatch(w http.ResponseWriter, r *http.Request) {
	request := &v1.DispatchRequest{}
	if err := decode(w, r, request); err != nil {
		writeError(w, r, err)
		return
	}
	request.TenantID = tenantFrom(r.Context())
	result, err := s.dispatcher.Create(r.Context(), request)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/dispatches/%s", result.DispatchID))
	// An idempotent replay returns the original record rather than a new one.
	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	query, err := parseLogQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail, err := s.dispatcher.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "dispatchID"), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	query, err := parseListQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.dispatcher.List(r.Context(), tenantFrom(r.Context()), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	body := cancelRequest{}
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	record, err := s.dispatcher.Cancel(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "dispatchID"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type artifactList struct {
	Artifacts []v1.Artifact `json:"artifacts"`
}

func (s *Server) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	var expiresIn time.Duration
	if raw := r.URL.Query().Get("expiresIn"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			writeError(w, r, errors.New(v1.ErrorKindValidation, "expiresIn must be a non-negative number of seconds"))
			return
		}
		expiresIn = time.Duration(seconds) * time.Second
	}
	artifacts, err := s.dispatcher.Artifacts(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "dispatchID"), expiresIn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifactList{Artifacts: artifacts})
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.dispatcher.Fleet(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func decode(w http.ResponseWriter, r *http.Request, into any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return errors.New(v1.ErrorKindValidation, "parsing the request body, %s", err)
	}
	return nil
}

func parseLogQuery(r *http.Request) (v1.LogQuery, error) {
	values := r.URL.Query()
	query := v1.LogQuery{}
	var err error
	if raw := values.Get("logOffset"); raw != "" {
		if query.Offset, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return query, errors.New(v1.ErrorKindValidation, "logOffset must be an integer")
		}
	}
	if raw := values.Get("logLimit"); raw != "" {
		if query.Limit, err = strconv.Atoi(raw); err != nil {
			return query, errors.New(v1.ErrorKindValidation, "logLimit must be an integer")
		}
	}
	if raw := values.Get("skipLogs"); raw != "" {
		if query.SkipLogs, err = strconv.ParseBool(raw); err != nil {
			return query, errors.New(v1.ErrorKindValidation, "skipLogs must be a boolean")
		}
	}
	return query, nil
}

func parseListQuery(r *http.Request) (v1.ListQuery, error) {
	values := r.URL.Query()
	query := v1.ListQuery{Agent: values.Get("agent"), Cursor: values.Get("cursor")}
	if raw := values.Get("status"); raw != "" {
		status := v1.DispatchStatus(raw)
		if !lo.Contains(append(v1.ActiveStatuses(), v1.TerminalStatuses()...), status) {
			return query, errors.New(v1.ErrorKindValidation, "status %q is not a dispatch status", raw)
		}
		query.Status = status
	}
	for _, raw := range values["tag"] {
		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			return query, errors.New(v1.ErrorKindValidation, "tag filters take the form key=value, got %q", raw)
		}
		if query.Tags == nil {
			query.Tags = map[string]string{}
		}
		query.Tags[key] = value
	}
	if raw := values.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query, errors.New(v1.ErrorKindValidation, "since must be an RFC3339 timestamp")
		}
		query.Since = since
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return query, errors.New(v1.ErrorKindValidation, "limit must be an integer")
		}
		query.Limit = limit
	}
	return query, nil
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    v1.ErrorKind `json:"kind"`
	Message string       `json:"message"`
}

// statusForKind maps surfaceable kinds to HTTP statuses. Kinds absent here
// collapse to an opaque 500.
var statusForKind = map[v1.ErrorKind]int{
	v1.ErrorKindValidation:  http.StatusBadRequest,
	v1.ErrorKindQuota:       http.StatusTooManyRequests,
	v1.ErrorKindUnavailable: http.StatusServiceUnavailable,
	v1.ErrorKindNotFound:    http.StatusNotFound,
	v1.ErrorKindConflict:    http.StatusConflict,
	v1.ErrorKindLaunch:      http.StatusBadGateway,
	v1.ErrorKindArtifact:    http.StatusBadGateway,
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errors.KindOf(err)
	message := errors.MessageOf(err)
	// Coordination kinds are internal vocabulary; callers only ever see the
	// retryable surface.
	switch kind {
	case v1.ErrorKindStaleVersion:
		kind, message = v1.ErrorKindConflict, "the dispatch was modified concurrently, retry the request"
	case v1.ErrorKindTransient:
		kind, message = v1.ErrorKindUnavailable, "a dependency failed transiently, retry the request"
	}
	status, surfaceable := statusForKind[kind]
	if !surfaceable {
		logr.FromContextOrDiscard(r.Context()).Error(err, "request failed")
		status = http.StatusInternalServerError
		kind = v1.ErrorKindInternal
		message = fmt.Sprintf("internal error, request id %s", middleware.GetReqID(r.Context()))
	}
	if kind == v1.ErrorKindUnavailable {
		if retryAfter := errors.RetryAfterOf(err); retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		}
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
