package registryserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/log"
)

// Server wires the registry's relational Store and blob Storage into the
// HTTP surface spec §4.I/§6 describe. TestMode additionally enables the
// "test" OAuth provider, which upserts a user directly from a caller-given
// email instead of exchanging a real provider code — dop's own e2e suite
// has no live GitHub/Google credentials to exchange.
type Server struct {
	Store    *Store
	Storage  Storage
	Config   *config.ServerConfig
	Logger   log.Logger
	TestMode bool

	JWTSecret []byte
}

// NewServer builds a Server ready to be wrapped in Handler().
func NewServer(store *Store, storage Storage, cfg *config.ServerConfig, logger log.Logger, testMode bool) *Server {
	return &Server{
		Store:     store,
		Storage:   storage,
		Config:    cfg,
		Logger:    logger,
		TestMode:  testMode,
		JWTSecret: []byte(cfg.JWTSecret),
	}
}

// Handler returns the registry's http.Handler, routed the way
// cmd/dop-registryd's main.go mounts it behind http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("POST /auth/token", s.handleTokenRefresh)
	mux.HandleFunc("POST /auth/cli-tokens", s.handleCreateCLIToken)
	mux.HandleFunc("GET /auth/cli-tokens", s.handleListCLITokens)
	mux.HandleFunc("DELETE /auth/cli-tokens/", func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimPrefix(r.URL.Path, "/auth/cli-tokens/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid token id")
			return
		}
		s.handleRevokeCLIToken(w, r, id)
	})

	mux.HandleFunc("POST /archive", s.handleCreateArchive)
	mux.HandleFunc("PUT /archive/{id}", s.handleUploadArchiveBlob)
	mux.HandleFunc("GET /archive/", s.handleGetArchive)
	mux.HandleFunc("HEAD /archive/", s.handleGetArchive)

	mux.HandleFunc("GET /v1/packages", s.handleSearchPackages)
	mux.HandleFunc("POST /v1/packages/{pack}/recipes/{version}", s.handlePublishRecipe)
	mux.HandleFunc("GET /v1/packages/{pack}/versions", s.handleVersions)
	mux.HandleFunc("GET /v1/packages/{pack}/recipes/{version}", s.handleRecipeArchive)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return withRequestLogging(s.Logger, mux)
}

func withRequestLogging(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("registry request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
