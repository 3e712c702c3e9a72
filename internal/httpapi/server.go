package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"flexllama/internal/catalog"
	"flexllama/internal/config"
	"flexllama/pkg/types"
)

// maxBodyBytes caps JSON request bodies. Large enough for image payloads
// in vision chat requests.
const maxBodyBytes = 10 << 20

// Service is what the router needs from the supervisor.
type Service interface {
	Models() []types.Model
	ResolveAlias(requested string) (string, error)
	RequireKind(alias string, want catalog.Kind) error
	Prepare(ctx context.Context, alias string) error
	Forward(ctx context.Context, alias, path string, body []byte, hdr http.Header) (*http.Response, func(), error)
	Health() types.HealthResponse
	RunnersStatus() map[string]types.RunnerStatus
	StartRunner(ctx context.Context, id string) error
	StopRunner(ctx context.Context, id string) error
	RestartRunner(ctx context.Context, id string) error
}

type server struct {
	svc Service
	cfg config.Config
	log zerolog.Logger
}

// NewMux builds the gateway's HTTP handler.
func NewMux(svc Service, cfg config.Config, logger zerolog.Logger) http.Handler {
	s := &server{svc: svc, cfg: cfg, log: logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	r.Use(MetricsMiddleware)

	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.dispatch("/v1/chat/completions", nil, true))
	r.Post("/v1/completions", s.dispatch("/v1/completions", nil, true))
	r.Post("/v1/embeddings", s.dispatch("/v1/embeddings", kindPtr(catalog.KindEmbedding), false))
	r.Post("/v1/rerank", s.dispatch("/v1/rerank", kindPtr(catalog.KindReranking), false))

	r.Get(cfg.API.HealthEndpoint, s.handleHealth)
	r.Get("/v1/runners/status", s.handleRunnersStatus)
	r.Post("/v1/runners/{id}/start", s.runnerAction("start", s.svc.StartRunner))
	r.Post("/v1/runners/{id}/stop", s.runnerAction("stop", s.svc.StopRunner))
	r.Post("/v1/runners/{id}/restart", s.runnerAction("restart", s.svc.RestartRunner))

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func kindPtr(k catalog.Kind) *catalog.Kind { return &k }

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Object: "list", Data: s.svc.Models()})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *server) handleRunnersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.RunnersStatusResponse{
		Success:   true,
		Runners:   s.svc.RunnersStatus(),
		Timestamp: timestamp(),
	})
}

func (s *server) runnerAction(action string, fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.log.Error().Err(err).Str("runner", id).Str("action", action).Msg("runner control failed")
			status := actionErrorStatus(err)
			writeJSON(w, status, types.RunnerActionResponse{
				Success: false,
				Error:   &types.ErrorDetail{Message: err.Error(), Type: "runner_error"},
			})
			return
		}
		s.log.Info().Str("runner", id).Str("action", action).Msg("runner control succeeded")
		writeJSON(w, http.StatusOK, types.RunnerActionResponse{
			Success:    true,
			Message:    "runner " + id + ": " + action + " succeeded",
			RunnerName: id,
			Action:     action,
			Timestamp:  timestamp(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
