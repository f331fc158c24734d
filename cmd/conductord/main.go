package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quarry-sh/quarry/pkg/auth"
	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/conductor"
	"github.com/quarry-sh/quarry/pkg/config"
	"github.com/quarry-sh/quarry/pkg/drivers"
	"github.com/quarry-sh/quarry/pkg/membership"
	"github.com/quarry-sh/quarry/pkg/telemetry"
)

type server struct {
	cfg       config.ConductorConfig
	repo      baremetal.Repository
	conductor *conductor.Service
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func main() {
	cfg, err := config.LoadConductor()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "quarry-conductord")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	logger := slogLogger{l: slog.Default()}

	var repo baremetal.Repository
	if cfg.PostgresDSN != "" {
		pg, err := baremetal.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres store: %v", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		store, err := baremetal.NewStore(cfg.StorePath)
		if err != nil {
			log.Fatalf("open node store: %v", err)
		}
		repo = store
	}

	registry := drivers.NewRegistry()
	registry.Register(drivers.NewFake())
	registry.Register(drivers.NewAgent(agentConfig(cfg)))

	members, err := membership.New(cfg.RedisURL, cfg.ConductorID, registry.Names(), cfg.LivenessTTL)
	if err != nil {
		log.Fatalf("connect membership: %v", err)
	}
	if err := members.Start(ctx, logger); err != nil {
		log.Fatalf("announce membership: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		members.Stop(stopCtx)
	}()

	svc := conductor.New(repo, registry, members, logger, conductor.Config{
		ConductorID:          cfg.ConductorID,
		StepCallbackDeadline: cfg.StepCallbackDeadline,
		TransientTimeout:     cfg.TransientTimeout,
		SweepInterval:        cfg.SweepInterval,
		AutomatedClean:       cfg.AutomatedClean,
	})
	svc.StartSweeper()
	defer svc.StopSweeper()

	s := &server{cfg: cfg, repo: repo, conductor: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "conductor": cfg.ConductorID})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireKey)
		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", s.handleCreateNode)
			r.Get("/", s.handleListNodes)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.Delete("/", s.handleDeleteNode)
				r.Get("/events", s.handleGetEvents)
				r.Put("/bindings", s.handleUpdateBindings)
				r.Put("/maintenance", s.handleMaintenance)
				r.Put("/states/provision", s.handleProvisionState)
			})
		})
	})

	r.Route("/v1/agent", func(r chi.Router) {
		r.Post("/lookup", s.handleLookup)
		r.Post("/heartbeat/{nodeID}", s.handleHeartbeat)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("conductor %s listening on %s", cfg.ConductorID, cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("conductor server failed: %v", err)
	}
}

func agentConfig(cfg config.ConductorConfig) drivers.AgentConfig {
	agentCfg := drivers.AgentConfig{CallbackURL: cfg.AgentCallbackURL}
	if cfg.AgentBundlePath != "" {
		bundle, err := os.ReadFile(cfg.AgentBundlePath)
		if err != nil {
			log.Printf("agent bundle unavailable: %v", err)
		} else {
			agentCfg.Bundle = bundle
		}
	}
	return agentCfg
}

func (s *server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key, err := auth.ExtractKey(r)
		if err != nil || key != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createNodeRequest struct {
	Name          string                         `json:"name"`
	Bindings      map[baremetal.IfaceKind]string `json:"bindings"`
	Properties    map[string]string              `json:"properties"`
	BMCAddress    string                         `json:"bmcAddress"`
	BMCUsername   string                         `json:"bmcUsername"`
	BMCPassword   string                         `json:"bmcPassword"`
	SSHUsername   string                         `json:"sshUsername"`
	SSHPort       int                            `json:"sshPort"`
	SSHPrivateKey string                         `json:"sshPrivateKey"`
}

func (s *server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	node := &baremetal.Node{
		Name:          req.Name,
		Bindings:      req.Bindings,
		Properties:    req.Properties,
		BMCAddress:    req.BMCAddress,
		BMCUsername:   req.BMCUsername,
		BMCPassword:   req.BMCPassword,
		SSHUsername:   req.SSHUsername,
		SSHPort:       req.SSHPort,
		SSHPrivateKey: req.SSHPrivateKey,
	}
	created, err := s.conductor.CreateNode(node)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created.View())
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.repo.ListNodes()})
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.repo.GetNode(chi.URLParam(r, "nodeID"))
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, node.View())
}

func (s *server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.conductor.DeleteNode(r.Context(), chi.URLParam(r, "nodeID")); err != nil {
		writeConductorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.repo.GetEvents(chi.URLParam(r, "nodeID"))})
}

func (s *server) handleUpdateBindings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bindings map[baremetal.IfaceKind]string `json:"bindings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := s.conductor.UpdateBindings(r.Context(), chi.URLParam(r, "nodeID"), req.Bindings); err != nil {
		writeConductorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Maintenance bool   `json:"maintenance"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := s.conductor.SetMaintenance(r.Context(), chi.URLParam(r, "nodeID"), req.Maintenance, req.Reason); err != nil {
		writeConductorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type provisionStateRequest struct {
	Verb         conductor.Verb    `json:"verb"`
	InstanceInfo map[string]string `json:"instanceInfo,omitempty"`
	CleanSteps   []drivers.Step    `json:"cleanSteps,omitempty"`
}

func (s *server) handleProvisionState(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req provisionStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	var err error
	switch {
	case len(req.CleanSteps) > 0:
		err = s.conductor.CleanSteps(r.Context(), nodeID, req.CleanSteps)
	case req.Verb == conductor.VerbDeploy && req.InstanceInfo != nil:
		err = s.conductor.Deploy(r.Context(), nodeID, req.InstanceInfo)
	default:
		err = s.conductor.RequestState(r.Context(), nodeID, req.Verb)
	}
	if err != nil {
		writeConductorError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HardwareID string `json:"hardwareId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	node, err := s.conductor.Lookup(r.Context(), req.HardwareID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var report conductor.AgentReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := s.conductor.Heartbeat(r.Context(), chi.URLParam(r, "nodeID"), report); err != nil {
		writeConductorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeConductorError(w http.ResponseWriter, err error) {
	var (
		invalid *baremetal.InvalidStateTransitionError
		missing *drivers.MissingConfigurationError
	)
	switch {
	case baremetal.IsNodeLocked(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &missing):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, baremetal.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
