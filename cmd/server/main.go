package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/automations/datasources"
	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
	"github.com/liamcoop/automations/rules/safety"
)

type Server struct {
	db       *sql.DB // nil when running in memory
	manager  *datasources.Manager
	registry *prometheus.Registry
	config   *config.Config
	log      *slog.Logger
	router   *chi.Mux
}

// NewServer connects to DATABASE_URL when set and builds the server
func NewServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}
	return NewServerWithDB(ctx, cfg, db, log)
}

// NewServerWithDB builds the server on an open database, or in memory when
// db is nil
func NewServerWithDB(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	registry := prometheus.NewRegistry()
	analyzer := safety.NewAnalyzer(nil, log)

	var metrics *rules.Metrics
	if cfg.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		logger.RegisterMetrics(registry)
		metrics = rules.NewMetrics(registry, analyzer)
	}

	runner, err := rules.NewRunner(cfg.RunnerConfig(), analyzer, rules.WithLogger(log), rules.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	manager, err := datasources.NewManager(db, runner, log)
	if err != nil {
		return nil, err
	}

	log.Info("loading data sources")
	if err := manager.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load data sources: %w", err)
	}

	s := &Server{
		db:       db,
		manager:  manager,
		registry: registry,
		config:   cfg,
		log:      log,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.Server.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/v1/health", s.handleHealth)
	if s.config.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Draft evaluation of an unsaved rule
	r.Post("/api/v1/rules/test", s.handleTestRule)

	r.Route("/api/v1/datasources", func(r chi.Router) {
		r.Get("/", s.handleListDataSources)
		r.Post("/", s.handleCreateDataSource)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteDataSource)

			r.Get("/schema", s.handleGetSchema)
			r.Put("/schema", s.handleUpdateSchema)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules/{ruleId}", s.handleGetRule)
			r.Put("/rules/{ruleId}", s.handleUpdateRule)
			r.Delete("/rules/{ruleId}", s.handleDeleteRule)

			r.Put("/rows", s.handlePutRows)
			r.Get("/groups/{group}", s.handleGroupMembers)
			r.Post("/run", s.handleRun)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the database connection
func (s *Server) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// requestLogger logs every request and counts error responses
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.RecordHTTPStatus(status)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Storage:     "memory",
		DataSources: len(s.manager.List()),
	}
	if s.db != nil {
		resp.Storage = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var req TestRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rows, err := toDataRows(req.Rows)
	if err != nil {
		s.respondEngineError(w, "invalid rows", err)
		return
	}

	report, err := s.manager.Runner().TestRule(r.Context(), req.Rule, rows)
	if err != nil {
		s.respondEngineError(w, "rule test failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListDataSources(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, DataSourcesListResponse{DataSources: s.manager.List()})
}

func (s *Server) handleCreateDataSource(w http.ResponseWriter, r *http.Request) {
	var req CreateDataSourceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ds, err := s.manager.Create(r.Context(), req.ID, req.Name, req.Schema)
	if err != nil {
		s.respondEngineError(w, "failed to create data source", err)
		return
	}
	respondJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleDeleteDataSource(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondEngineError(w, "failed to delete data source", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, SchemaResponse{DataSourceID: ds.ID, Schema: ds.Schema})
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	var req SchemaRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ds, err := s.manager.UpdateSchema(r.Context(), chi.URLParam(r, "id"), req.Schema)
	if err != nil {
		s.respondEngineError(w, "failed to update schema", err)
		return
	}
	respondJSON(w, http.StatusOK, SchemaResponse{DataSourceID: ds.ID, Schema: ds.Schema})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	list, err := ds.Engine.ListRules()
	if err != nil {
		s.respondEngineError(w, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	var rule rules.Rule
	if !decodeBody(w, r, &rule) {
		return
	}

	if err := ds.Engine.AddRule(&rule); err != nil {
		s.respondEngineError(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	rule, err := ds.Engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		s.respondEngineError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	var rule rules.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "ruleId")

	if err := ds.Engine.UpdateRule(&rule); err != nil {
		s.respondEngineError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	if err := ds.Engine.DeleteRule(chi.URLParam(r, "ruleId")); err != nil {
		s.respondEngineError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutRows(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	var req PutRowsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rows, err := toDataRows(req.Rows)
	if err != nil {
		s.respondEngineError(w, "invalid rows", err)
		return
	}

	if err := ds.Rows.Put(r.Context(), rows); err != nil {
		s.respondEngineError(w, "failed to store rows", err)
		return
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	respondJSON(w, http.StatusOK, PutRowsResponse{RowIDs: ids})
}

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	group := chi.URLParam(r, "group")
	members, err := ds.Rows.Members(r.Context(), group)
	if err != nil {
		s.respondEngineError(w, "failed to list group members", err)
		return
	}
	if members == nil {
		members = []string{}
	}
	respondJSON(w, http.StatusOK, MembersResponse{Group: group, RowIDs: members})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataSource(w, r)
	if !ok {
		return
	}
	var req RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = rules.ModeDraft
	}

	var rows []*rules.DataRow
	if req.Rows != nil {
		var err error
		if rows, err = toDataRows(req.Rows); err != nil {
			s.respondEngineError(w, "invalid rows", err)
			return
		}
	}

	report, err := ds.Run(r.Context(), rows, req.Mode)
	if err != nil {
		s.respondEngineError(w, "run failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// dataSource resolves the {id} URL parameter, writing a 404 when unknown
func (s *Server) dataSource(w http.ResponseWriter, r *http.Request) (*datasources.DataSource, bool) {
	ds, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, "data source not found", err)
		return nil, false
	}
	return ds, true
}

// respondEngineError maps engine and store errors to HTTP statuses. Malformed
// rules, including unsafe patterns, are client errors.
func (s *Server) respondEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, datasources.ErrDataSourceNotFound), errors.Is(err, rules.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, datasources.ErrDataSourceExists), errors.Is(err, rules.ErrRuleExists):
		status = http.StatusConflict
	case rules.IsStructural(err):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.log.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body",
			&rules.ValidationError{Problems: []string{err.Error()}})
		return false
	}
	return true
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		detail := rules.NewErrorDetail(err)
		response.Details = &detail
	}
	respondJSON(w, status, response)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log := logger.Setup(ctx, logger.OptionsFromEnv("automations-server"))

	server, err := NewServer(ctx, cfg, log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Info("server starting", "addr", httpServer.Addr, "storage", storageName(cfg))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}

	log.Info("server stopped")
}

func storageName(cfg *config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}
