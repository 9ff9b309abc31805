// Copyright 2025 Agentgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentgate/platform/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "method", "status"})
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type contextKey string

const projectKey contextKey = "project"

// projectFrom returns the authenticated project installed by withProject.
func projectFrom(ctx context.Context) *store.Project {
	p, _ := ctx.Value(projectKey).(*store.Project)
	return p
}

// projectCache memoizes API-key lookups so steady-state validation does not
// hit the database per request.
type projectCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]projectCacheEntry
}

type projectCacheEntry struct {
	project *store.Project
	expires time.Time
}

func newProjectCache(ttl time.Duration) *projectCache {
	return &projectCache{ttl: ttl, m: make(map[string]projectCacheEntry)}
}

func (c *projectCache) get(key string) (*store.Project, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.project, true
}

func (c *projectCache) set(key string, p *store.Project) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.m[key] = projectCacheEntry{project: p, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// apiKey pulls the key from X-API-Key or a Bearer authorization header.
func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// withProject authenticates the request by project API key. Routes with a
// {project_id} path variable additionally require it to match the
// authenticated project.
func (s *Server) withProject(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		project, ok := s.authCache.get(key)
		if !ok {
			var err error
			project, err = s.projects.GetByAPIKey(r.Context(), key)
			if err == store.ErrProjectNotFound {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if err != nil {
				s.log.Error("", "", "API key lookup failed", map[string]interface{}{
					"error": err.Error(),
				})
				writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			s.authCache.set(key, project)
		}

		if pathProject := mux.Vars(r)["project_id"]; pathProject != "" && pathProject != project.ID {
			writeError(w, http.StatusForbidden, "API key does not grant access to this project")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), projectKey, project)))
	})
}

// withAdmin authenticates administrative requests with an HS256 JWT signed
// by the admin secret. An unset secret disables the whole surface.
func (s *Server) withAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.adminSecret) == 0 {
			writeError(w, http.StatusServiceUnavailable, "administrative API is not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}
		tokenString := strings.TrimPrefix(auth, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.adminSecret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next(w, r)
	})
}
