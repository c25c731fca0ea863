package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/auth"
	appmw "github.com/briangreenhill/propertydata/internal/http/middleware"
	"github.com/briangreenhill/propertydata/internal/jobs"
	"github.com/briangreenhill/propertydata/internal/providers"
)

type Server struct {
	Router  *chi.Mux
	Cache   *cache.Manager
	Sources *providers.Registry
	Authz   auth.Authorizer // nil disables the admin API
	Tasks   jobs.Enqueuer   // nil disables warm requests
	Log     zerolog.Logger
}

type ServerOptions struct {
	Cache   *cache.Manager
	Sources *providers.Registry
	Authz   auth.Authorizer
	Tasks   jobs.Enqueuer
	Log     zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:  r,
		Cache:   opts.Cache,
		Sources: opts.Sources,
		Authz:   opts.Authz,
		Tasks:   opts.Tasks,
		Log:     opts.Log,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Get("/v1/{provider}/{key}", s.handleLookup)

	if s.Authz != nil {
		r.Route("/admin/cache", func(ar chi.Router) {
			ar.Use(appmw.RequireAdmin(s.Authz))
			ar.Get("/stats", s.handleStats)
			ar.Post("/cleanup", s.handleCleanup)
			ar.Delete("/", s.handleClearAll)
			ar.Delete("/{provider}", s.handleClearProvider)
			ar.Post("/{provider}/warm", s.handleWarm)
			ar.Get("/{provider}/{key}", s.handleInfo)
			ar.Delete("/{provider}/{key}", s.handleInvalidate)
			ar.Post("/{provider}/{key}/stale", s.handleMarkStale)
		})
	}

	return s
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	provider := cache.Provider(chi.URLParam(r, "provider"))
	key, ok := keyParam(w, r)
	if !ok {
		return
	}

	body, hit, err := s.Sources.Lookup(r.Context(), s.Cache, provider, key)
	if err != nil {
		var se *providers.StatusError
		switch {
		case errors.Is(err, providers.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, providers.ErrEmptyKey):
			writeError(w, http.StatusBadRequest, "key required")
		case errors.Is(err, providers.ErrInvalidKey):
			writeError(w, http.StatusBadRequest, "invalid key")
		case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
			writeError(w, http.StatusNotFound, "not found upstream")
		default:
			hlog.FromRequest(r).Error().Err(err).
				Str("provider", string(provider)).
				Str("key", key).
				Msg("upstream lookup failed")
			writeError(w, http.StatusBadGateway, "upstream lookup failed")
		}
		return
	}

	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("write lookup response")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cache.Stats(r.Context()))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n := s.Cache.Cleanup(r.Context())
	hlog.FromRequest(r).Info().Str("admin", appmw.Subject(r.Context())).Int("deleted", n).Msg("manual cache cleanup")
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	s.writeOutcome(w, r, "clear_all", s.Cache.ClearAll(r.Context()))
}

func (s *Server) handleClearProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	s.writeOutcome(w, r, "clear_provider", s.Cache.ClearProvider(r.Context(), provider))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	info, found := s.Cache.GetInfo(r.Context(), provider, key)
	if !found {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	s.writeOutcome(w, r, "invalidate", s.Cache.Invalidate(r.Context(), provider, key))
}

func (s *Server) handleMarkStale(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	s.writeOutcome(w, r, "mark_stale", s.Cache.MarkStale(r.Context(), provider, key))
}

type warmRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}
	if s.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}

	var req warmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "body must be {\"keys\": [...]}")
		return
	}

	task, err := jobs.NewWarmTask(provider, req.Keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue warm job")
		return
	}
	info, err := s.Tasks.Enqueue(task)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("provider", string(provider)).Msg("enqueue warm task")
		writeError(w, http.StatusInternalServerError, "failed to queue warm job")
		return
	}

	hlog.FromRequest(r).Info().
		Str("admin", appmw.Subject(r.Context())).
		Str("provider", string(provider)).
		Int("keys", len(req.Keys)).
		Str("task_id", info.ID).
		Msg("warm job queued")
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID})
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, op string, ok bool) {
	hlog.FromRequest(r).Info().Str("admin", appmw.Subject(r.Context())).Str("op", op).Bool("ok", ok).Msg("cache admin operation")
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "cache store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// providerParam rejects names that are not known providers
func providerParam(w http.ResponseWriter, r *http.Request) (cache.Provider, bool) {
	p := cache.Provider(chi.URLParam(r, "provider"))
	if !p.Valid() {
		writeError(w, http.StatusNotFound, "unknown provider")
		return "", false
	}
	return p, true
}

// keyParam decodes the {key} segment; keys containing "/" arrive as %2F
func keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid key")
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
