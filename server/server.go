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

// Package server is the HTTP surface of the gateway: action validation,
// policy administration, audit queries, and project management.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentgate/platform/config"
	"agentgate/platform/gateway"
	"agentgate/platform/policy"
	"agentgate/platform/shared/logger"
	"agentgate/platform/store"
	"agentgate/platform/webhook"
)

// Decider is the decision pipeline surface the server uses. Implemented by
// *gateway.Gateway.
type Decider interface {
	Decide(ctx context.Context, action gateway.Action, opts gateway.Options) (gateway.Decision, error)
	UpsertPolicy(ctx context.Context, projectID string, raw []byte) (*policy.Policy, error)
	GetActivePolicy(ctx context.Context, projectID string) (*store.StoredPolicy, error)
	PolicyHistory(ctx context.Context, projectID string, limit int) ([]store.StoredPolicy, error)
}

// AuditReader serves audit queries. Implemented by *store.AuditStore.
type AuditReader interface {
	List(ctx context.Context, projectID string, filter store.ListFilter) ([]store.LogRecord, int64, error)
	GetStats(ctx context.Context, projectID string, since time.Time) (*store.Stats, error)
}

// ProjectDirectory manages projects. Implemented by *store.ProjectStore.
type ProjectDirectory interface {
	Create(ctx context.Context, name, webhookURL string) (*store.Project, error)
	Get(ctx context.Context, id string) (*store.Project, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*store.Project, error)
	List(ctx context.Context) ([]store.Project, error)
	Update(ctx context.Context, id string, req store.UpdateProjectRequest) (*store.Project, error)
	RotateAPIKey(ctx context.Context, id string) (string, error)
}

// Server wires the HTTP routes to the pipeline and stores.
type Server struct {
	router   *mux.Router
	decider  Decider
	logs     AuditReader
	projects ProjectDirectory
	notifier *webhook.Notifier
	log      *logger.Logger

	adminSecret []byte
	authCache   *projectCache
}

// New builds the server and its routes.
func New(cfg config.Config, decider Decider, logs AuditReader, projects ProjectDirectory, notifier *webhook.Notifier, log *logger.Logger) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		decider:     decider,
		logs:        logs,
		projects:    projects,
		notifier:    notifier,
		log:         log,
		adminSecret: []byte(cfg.AdminTokenSecret),
		authCache:   newProjectCache(cfg.ProjectCacheTTL),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/templates", s.handleListTemplates).Methods("GET")
	s.router.HandleFunc("/templates/{template_id}", s.handleGetTemplate).Methods("GET")

	// Project-scoped surface: API-key authenticated.
	s.router.Handle("/validate", s.withProject(s.handleValidate)).Methods("POST")
	s.router.Handle("/policies/{project_id}", s.withProject(s.handlePutPolicy)).Methods("PUT")
	s.router.Handle("/policies/{project_id}", s.withProject(s.handleGetPolicy)).Methods("GET")
	s.router.Handle("/policies/{project_id}/history", s.withProject(s.handlePolicyHistory)).Methods("GET")
	s.router.Handle("/logs/{project_id}", s.withProject(s.handleListLogs)).Methods("GET")
	s.router.Handle("/logs/{project_id}/stats", s.withProject(s.handleLogStats)).Methods("GET")

	// Administrative surface: JWT authenticated.
	s.router.Handle("/projects", s.withAdmin(s.handleCreateProject)).Methods("POST")
	s.router.Handle("/projects", s.withAdmin(s.handleListProjects)).Methods("GET")
	s.router.Handle("/projects/{project_id}", s.withAdmin(s.handleGetProject)).Methods("GET")
	s.router.Handle("/projects/{project_id}", s.withAdmin(s.handleUpdateProject)).Methods("PATCH")
	s.router.Handle("/projects/{project_id}/rotate-key", s.withAdmin(s.handleRotateKey)).Methods("POST")
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "gateway listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "agentgate",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
