package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	backend "github.com/redis/go-redis/v9"

	"github.com/liamcoop/coachrules/delivery"
	"github.com/liamcoop/coachrules/internal/config"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/internal/metrics"
	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/messages"
	"github.com/liamcoop/coachrules/resolver"
	"github.com/liamcoop/coachrules/rules"
	"github.com/liamcoop/coachrules/variables"
)

type Server struct {
	db         *sql.DB
	redis      backend.UniversalClient
	manager    *interventions.Manager
	vars       variables.Store
	dispatcher *delivery.Dispatcher
	recorder   *metrics.Recorder
	backend    string
	router     *chi.Mux
}

// stores are the backends a Server runs on
type stores struct {
	db       *sql.DB
	rules    rules.Repository
	vars     variables.Store
	selector func(interventionID string) messages.Selector
}

// NewServer connects to Postgres when a database URL is configured and
// falls back to a single in-memory intervention otherwise
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	if cfg.DatabaseURL == "" {
		return NewMemoryServer(ctx, cfg, messages.NewMemorySelector())
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewServerWithDB(ctx, db, cfg)
}

// NewServerWithDB serves every active intervention of db
func NewServerWithDB(ctx context.Context, db *sql.DB, cfg config.Config) (*Server, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone: %w", err)
	}
	selector := messages.NewPostgresSelector(db)
	s, err := newServer(ctx, cfg, "postgres", stores{
		db:       db,
		rules:    rules.NewPostgresRepository(db),
		vars:     variables.NewPostgresStore(db, variables.ClockIn(loc)),
		selector: func(string) messages.Selector { return selector },
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Loading interventions from database")
	if _, err := s.manager.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to load interventions: %w", err)
	}
	logger.Info("Interventions ready", "interventions", s.manager.List())
	return s, nil
}

// NewMemoryServer serves cfg.DefaultInterventionID from process memory.
// Rules are read from cfg.RulesFile when set.
func NewMemoryServer(ctx context.Context, cfg config.Config, selector *messages.MemorySelector) (*Server, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone: %w", err)
	}
	repo := rules.NewInMemoryRepository()
	if cfg.RulesFile != "" {
		f, err := os.Open(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open rules file: %w", err)
		}
		n, err := rules.LoadYAML(ctx, repo, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to load rules file: %w", err)
		}
		logger.Info("Rules loaded", "file", cfg.RulesFile, "count", n)
	}

	s, err := newServer(ctx, cfg, "memory", stores{
		rules:    repo,
		vars:     variables.NewMemoryStore(variables.ClockIn(loc)),
		selector: func(string) messages.Selector { return selector },
	})
	if err != nil {
		return nil, err
	}
	if err := s.manager.Register(cfg.DefaultIntervention(cfg.DefaultInterventionID)); err != nil {
		return nil, fmt.Errorf("failed to register intervention: %w", err)
	}
	return s, nil
}

func newServer(ctx context.Context, cfg config.Config, name string, st stores) (*Server, error) {
	s := &Server{
		db:       st.db,
		vars:     st.vars,
		recorder: metrics.New(),
		backend:  name,
	}

	s.dispatcher = delivery.NewDispatcher(logSender{},
		delivery.WithConcurrency(cfg.DeliveryConcurrency),
		delivery.WithRetries(cfg.DeliveryRetries),
		delivery.WithStatusCallback(func(d delivery.Delivery) {
			s.recorder.DeliveryTransition(string(d.Status))
		}),
	)

	opts := []interventions.ManagerOption{
		interventions.WithConfig(cfg.Engine()),
		interventions.WithDispatcher(s.dispatcher),
		interventions.WithRecorder(s.recorder),
	}
	if st.db != nil {
		opts = append(opts, interventions.WithDB(st.db))
	}
	if cfg.RedisAddr != "" {
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		opts = append(opts, interventions.WithLocker(variables.NewRedisLocker(client, cfg.RedisKeyPrefix, 0)))
	}

	s.manager = interventions.NewManager(st.rules, st.vars, st.selector, opts...)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.recorder.Handler())

	// Preview
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/participants/{participantId}", func(r chi.Router) {
		r.Post("/trigger", s.handleTrigger)
		r.Get("/variables", s.handleGetVariables)
		r.Put("/variables", s.handlePutVariables)
	})

	r.Route("/api/v1/interventions", func(r chi.Router) {
		r.Get("/", s.handleListInterventions)

		r.Route("/{interventionId}", func(r chi.Router) {
			r.Post("/participants", s.handleCreateParticipant)
			r.Put("/defaults", s.handlePutDefaults)
			r.Post("/rules/invalidate", s.handleInvalidateRules)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close waits for queued deliveries and releases the backends
func (s *Server) Close() {
	s.dispatcher.Wait()
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:              "healthy",
		Backend:             s.backend,
		InterventionsLoaded: len(s.manager.List()),
		PendingDeliveries:   s.dispatcher.Pending(),
	}
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	c, err := req.executionCase()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid case", err)
		return
	}

	startTime := time.Now()
	result, err := s.manager.Trigger(r.Context(), resolver.Run{
		ParticipantID:    participantID,
		InterventionID:   req.InterventionID,
		Case:             c,
		MonitoringRuleID: req.MonitoringRuleID,
		GotAnswer:        req.GotAnswer,
		RelatedMessageID: req.RelatedMessageID,
		DecisionPointID:  req.DecisionPointID,
	})
	if err != nil {
		respondError(w, statusFor(err), "trigger failed", err)
		return
	}

	respondJSON(w, http.StatusOK, newTriggerResponse(result, time.Since(startTime)))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.InterventionID == "" || req.ParticipantID == "" {
		respondError(w, http.StatusBadRequest, "interventionId and participantId are required", nil)
		return
	}
	if _, err := rules.ParseEquationSign(req.Rule.EquationSign); err != nil {
		respondError(w, http.StatusBadRequest, "invalid equation sign", err)
		return
	}

	startTime := time.Now()
	result, err := s.manager.Preview(r.Context(), req.InterventionID, req.ParticipantID, req.Rule.node())
	if err != nil {
		respondError(w, statusFor(err), "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, newEvaluateResponse(result, time.Since(startTime)))
}

func (s *Server) handleGetVariables(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")

	snapshot, err := s.vars.Snapshot(r.Context(), participantID)
	if err != nil {
		respondError(w, statusFor(err), "failed to load variables", err)
		return
	}

	respondJSON(w, http.StatusOK, VariablesResponse{ParticipantID: participantID, Variables: snapshot})
}

func (s *Server) handlePutVariables(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")

	var req VariablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Variables) == 0 {
		respondError(w, http.StatusBadRequest, "variables are required", nil)
		return
	}

	if err := s.manager.WriteVariables(r.Context(), participantID, req.Variables, req.Override); err != nil {
		respondError(w, statusFor(err), "failed to write variables", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	resp := InterventionsListResponse{Interventions: []InterventionResponse{}}
	for _, id := range s.manager.List() {
		engine, err := s.manager.Get(id)
		if err != nil {
			// removed since List
			continue
		}
		iv := engine.Intervention
		resp.Interventions = append(resp.Interventions, InterventionResponse{
			ID:       iv.ID,
			Name:     iv.Name,
			Locale:   iv.Locale,
			TimeZone: iv.TimeZone,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	interventionID := chi.URLParam(r, "interventionId")

	var req CreateParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	if _, err := s.manager.Get(interventionID); err != nil {
		respondError(w, http.StatusNotFound, "intervention not found", err)
		return
	}

	switch store := s.vars.(type) {
	case *variables.PostgresStore:
		if err := store.AddParticipant(r.Context(), req.ID, interventionID); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to create participant", err)
			return
		}
	case *variables.MemoryStore:
		store.AddParticipant(req.ID, interventionID)
	default:
		respondError(w, http.StatusNotImplemented, "variable store cannot register participants", nil)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{
		"id":             req.ID,
		"interventionId": interventionID,
	})
}

func (s *Server) handlePutDefaults(w http.ResponseWriter, r *http.Request) {
	interventionID := chi.URLParam(r, "interventionId")

	var req DefaultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.manager.SetDefaults(r.Context(), interventionID, req.Variables); err != nil {
		respondError(w, statusFor(err), "failed to set defaults", err)
		return
	}

	names := make([]string, 0, len(req.Variables))
	for name := range req.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	respondJSON(w, http.StatusOK, map[string]any{"updated": names})
}

func (s *Server) handleInvalidateRules(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.InvalidateRules(chi.URLParam(r, "interventionId")); err != nil {
		respondError(w, statusFor(err), "intervention not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, interventions.ErrUnknownIntervention),
		errors.Is(err, variables.ErrUnknownParticipant):
		return http.StatusNotFound
	case errors.Is(err, variables.ErrWriteProtected):
		return http.StatusForbidden
	case errors.Is(err, variables.ErrInvalidName),
		errors.Is(err, resolver.ErrInvalidRun):
		return http.StatusBadRequest
	case errors.Is(err, variables.ErrLockAcquire):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// logSender records deliveries in the process log; a messaging transport
// plugs in through delivery.Sender
type logSender struct{}

func (logSender) Send(_ context.Context, d delivery.Delivery) error {
	logger.Info("Message delivered",
		"delivery_id", d.ID,
		"run_id", d.RunID,
		"participant_id", d.ParticipantID,
		"message_id", d.Message.ID,
		"hour_to_send", d.HourToSend,
	)
	return nil
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx()
	}
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	ctx := context.Background()
	if err := logger.Setup(ctx, logger.Options{
		Level:       cfg.LogLevel,
		SampleRate:  cfg.LogSampleRate,
		OTELEnabled: cfg.OTELEnabled,
		ServiceName: cfg.ServiceName,
	}); err != nil {
		logger.Warn("Logger setup incomplete", "error", err)
	}
	defer logger.Shutdown(context.Background())

	server, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting", "port", cfg.Port, "backend", server.backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}
