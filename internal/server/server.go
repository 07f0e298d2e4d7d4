// Package server exposes the coordinator's REST surface: session
// lifecycle, the package repository, proxied install/uninstall/execute
// operations against nodes and the server-sent-events stream.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/database"
	"github.com/dreamware/secchiware/internal/memstore"
	"github.com/dreamware/secchiware/internal/nodeclient"
	"github.com/dreamware/secchiware/internal/repository"
)

// Request body caps. JSON bodies stay small; multipart uploads carry whole
// package archives.
const (
	maxJSONBody      = 1 << 20
	maxMultipartBody = 64 << 20
)

// Server wires the coordinator's components behind the HTTP surface.
type Server struct {
	log   *zap.Logger
	db    *database.Store
	cache *memstore.Store
	repo  *repository.Repository
	nodes *nodeclient.Client

	clientSecret []byte
	nodeSecret   []byte
}

// New assembles a Server from its components and the two shared secrets.
func New(
	log *zap.Logger,
	db *database.Store,
	cache *memstore.Store,
	repo *repository.Repository,
	nodes *nodeclient.Client,
	clientSecret, nodeSecret []byte,
) *Server {
	return &Server{
		log:          log,
		db:           db,
		cache:        cache,
		repo:         repo,
		nodes:        nodes,
		clientSecret: clientSecret,
		nodeSecret:   nodeSecret,
	}
}

// Router builds the coordinator's route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(corsPolicy())

	r.Route("/environments", func(r chi.Router) {
		r.Get("/", s.listEnvironments)
		r.Post("/", s.registerEnvironment)
		r.Route("/{ip}/{port}", func(r chi.Router) {
			r.Delete("/", s.deregisterEnvironment)
			r.Get("/info", s.environmentInfo)
			r.Get("/installed", s.listInstalled)
			r.Patch("/installed", s.installPackages)
			r.Delete("/installed/{package}", s.uninstallPackage)
			r.Get("/reports", s.executeTests)
		})
	})

	r.Get("/events", s.streamEvents)

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", s.searchExecutions)
		r.Delete("/{id}", s.deleteExecution)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.searchSessions)
		r.Get("/{id}", s.sessionDetail)
		r.Delete("/{id}", s.deleteSession)
	})

	r.Route("/test_sets", func(r chi.Router) {
		r.Get("/", s.listAvailable)
		r.Patch("/", s.uploadPackages)
		r.Delete("/{package}", s.deletePackage)
	})

	return r
}

// corsPolicy scopes cross-origin access per resource: the environment
// listing is readable only, while sessions, executions, the repository and
// the per-environment operations accept the full method set. Registration
// and deregistration come from nodes, not browsers.
func corsPolicy() func(http.Handler) http.Handler {
	resources := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Digest"},
	})
	listing := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Digest"},
	})
	return func(next http.Handler) http.Handler {
		withResources := resources(next)
		withListing := listing(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSuffix(r.URL.Path, "/") == "/environments" {
				withListing.ServeHTTP(w, r)
				return
			}
			withResources.ServeHTTP(w, r)
		})
	}
}

// requestLogger records one line per request after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
