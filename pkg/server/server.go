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

// Package server exposes the dispatch plane over HTTP. Authentication
// terminates upstream; the facade trusts the X-Tenant-Id header the auth
// layer injects and scopes every dispatch operation to it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	"github.com/outpost-run/outpost/pkg/dispatcher"
	"github.com/outpost-run/outpost/pkg/errors"
	"github.com/outpost-run/outpost/pkg/providers/fleet"
)

// Dispatcher is the operation surface the facade serves. The concrete
// implementation lives in pkg/dispatcher.
type Dispatcher interface {
	Create(ctx context.Context, request *v1.DispatchRequest) (*dispatcher.CreateResult, error)
	Get(ctx context.Context, tenantID, dispatchID string, query v1.LogQuery) (*dispatcher.Detail, error)
	List(ctx context.Context, tenantID string, query v1.ListQuery) (*v1.ListPage, error)
	Cancel(ctx context.Context, tenantID, dispatchID, reason string) (*v1.Dispatch, error)
	Artifacts(ctx context.Context, tenantID, dispatchID string, expiresIn time.Duration) ([]v1.Artifact, error)
	Fleet(ctx context.Context) (*fleet.Snapshot, error)
}

type Server struct {
	dispatcher Dispatcher
	httpServer *http.Server
	ready      atomic.Bool
}

func New(d Dispatcher, port int, requestTimeout time.Duration, log logr.Logger) *Server {
	s := &Server{dispatcher: d}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(requestTimeout, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.ready.Store(true)
	return s
}

// Routes builds the router. It is exported so tests can serve the exact
// production handler chain without binding a port.
func (s *Server) Routes(requestTimeout time.Duration, log logr.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(instrument(log))
	r.Use(recoverer(log))
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/fleet", s.handleFleet)
		r.Group(func(r chi.Router) {
			r.Use(tenantHeader)
			r.Post("/dispatches", s.handleCreateDispatch)
			r.Get("/dispatches", s.handleListDispatches)
			r.Get("/dispatches/{dispatchID}", s.handleGetDispatch)
			r.Delete("/dispatches/{dispatchID}", s.handleCancelDispatch)
			r.Get("/dispatches/{dispatchID}/artifacts", s.handleGetArtifacts)
		})
	})
	return r
}

// Start serves until Shutdown; a closed listener is a clean exit.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown flips readiness so the load balancer drains this instance, then
// waits for in-flight requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type tenantKey struct{}

// tenantHeader requires X-Tenant-Id on every dispatch operation.
func tenantHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-Id")
		if tenant == "" {
			writeError(w, r, errors.New(v1.ErrorKindValidation, "the X-Tenant-Id header is required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}

// instrument logs each request and feeds the duration histogram. The logger
// lands on the request context so handler and provider logs share the
// request id.
func instrument(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			reqLog := log.WithValues("request-id", middleware.GetReqID(r.Context()))
			next.ServeHTTP(ww, r.WithContext(logr.NewContext(r.Context(), reqLog)))

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
			reqLog.V(1).Info("served request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start).String())
		})
	}
}

// recoverer converts handler panics into opaque 500s instead of tearing the
// connection down.
func recoverer(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error(fmt.Errorf("%v", rec), "panic serving request", "path", r.URL.Path, "stack", string(debug.Stack()))
					writeError(w, r, errors.New(v1.ErrorKindInternal, "panic"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
