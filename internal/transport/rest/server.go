// Package rest exposes the control plane over HTTP. Routing is thin:
// every handler normalizes the request into a dispatch record and projects
// the result (or error envelope) back onto HTTP.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/dispatch"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/envelope"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/middleware"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/pkg/version"
)

// apiVersion tags REST error envelopes.
const apiVersion = "v1"

// maxBodyBytes caps request bodies. Action parameters are small; anything
// bigger is abuse.
const maxBodyBytes = 1 << 20

// Server is the REST front-end.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	limiter    *middleware.RateLimiter
	router     chi.Router
}

// NewServer builds the router with the full middleware stack.
func NewServer(cfg *config.Config, d *dispatch.Dispatcher) *Server {
	s := &Server{cfg: cfg, dispatcher: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.CSRF)
		if cfg.RateLimitEnabled {
			s.limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
			api.Use(s.limiter.Middleware)
		}

		// Session creation is the login step; everything else requires a
		// principal.
		api.Post("/sessions", s.handleSessionCreate)

		api.Group(func(authed chi.Router) {
			authed.Use(middleware.Authenticate(d.Auth()))

			authed.Post("/sessions/refresh", s.handleSessionRefresh)
			authed.Post("/sessions/revoke", s.handleSessionRevoke)
			authed.Get("/sessions/{sessionID}", s.handleSessionGet)
			authed.Delete("/sessions/{sessionID}", s.handleSessionDelete)
			authed.Get("/admin/sessions", s.handleSessionList)

			authed.Route("/contexts", func(cr chi.Router) {
				cr.Post("/", s.handleContextCreate)
				cr.Get("/", s.handleContextList)
				cr.Get("/{contextID}", s.handleContextGet)
				cr.Patch("/{contextID}", s.handleContextUpdate)
				cr.Delete("/{contextID}", s.handleContextDelete)
				cr.Post("/{contextID}/execute", s.handleExecute)

				cr.Route("/{contextID}/pages", func(pr chi.Router) {
					pr.Post("/", s.handlePageCreate)
					pr.Get("/", s.handlePageList)
					pr.Get("/{pageID}", s.handlePageGet)
					pr.Delete("/{pageID}", s.handlePageClose)
					pr.Post("/{pageID}/navigate", s.handleShortcut("navigate"))
					pr.Post("/{pageID}/screenshot", s.handleShortcut("screenshot"))
					pr.Post("/{pageID}/evaluate", s.handleShortcut("evaluate"))
				})
			})

			// Top-level page routes. The owning context comes from the
			// request body on create and from the page itself elsewhere.
			authed.Route("/pages", func(pr chi.Router) {
				pr.Post("/", s.handlePageCreateFlat)
				pr.Get("/{pageID}", s.handlePageGet)
				pr.Delete("/{pageID}", s.handlePageClose)
				pr.Post("/{pageID}/navigate", s.handleShortcut("navigate"))
				pr.Post("/{pageID}/screenshot", s.handleShortcut("screenshot"))
				pr.Post("/{pageID}/evaluate", s.handleShortcut("evaluate"))
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the http handler for serving.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases middleware resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// record builds the dispatch record for an incoming request.
func (s *Server) record(r *http.Request, operation, resourceID, pageID string) (*dispatch.Record, error) {
	rec := &dispatch.Record{
		Protocol:   dispatch.ProtocolREST,
		Operation:  operation,
		ResourceID: resourceID,
		PageID:     pageID,
		RequestID:  middleware.RequestID(r.Context()),
	}
	if p, ok := middleware.Principal(r.Context()); ok {
		rec.Principal = p
	}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		rec.Body = body
	}
	return rec, nil
}

// run dispatches a record and writes the outcome.
func (s *Server) run(w http.ResponseWriter, r *http.Request, rec *dispatch.Record, status int) {
	out, err := s.dispatcher.Dispatch(r.Context(), rec)
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	writeJSON(w, status, out)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, rec *dispatch.Record, err error) {
	env := s.dispatcher.Fail(err, rec)
	if werr := env.WriteREST(w, envelope.RESTMeta{
		Version:  apiVersion,
		Endpoint: r.URL.Path,
		Method:   r.Method,
	}); werr != nil {
		log.Debug().Err(werr).Msg("Error writing REST envelope")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Error encoding REST response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.dispatcher.Health(version.Version)
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.dispatcher.Health(version.Version)
	if h.Status != "ok" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": h.Status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpSessionCreate, "", "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	s.run(w, r, rec, http.StatusCreated)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpSessionGet, chi.URLParam(r, "sessionID"), "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpSessionDelete, chi.URLParam(r, "sessionID"), "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpSessionRefresh, "", "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpSessionRevoke, "", "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpSessionList, "", "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleContextCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpContextCreate, "", "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	s.run(w, r, rec, http.StatusCreated)
}

func (s *Server) handleContextList(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpContextList, "", "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpContextGet, chi.URLParam(r, "contextID"), "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleContextUpdate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpContextUpdate, chi.URLParam(r, "contextID"), "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpContextDelete, chi.URLParam(r, "contextID"), "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpContextExecute, chi.URLParam(r, "contextID"), "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	rec.CorrelationID = rec.RequestID
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handlePageCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpPageCreate, chi.URLParam(r, "contextID"), "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	s.run(w, r, rec, http.StatusCreated)
}

// handlePageCreateFlat serves the top-level create route; the context id
// rides in the body instead of the path.
func (s *Server) handlePageCreateFlat(w http.ResponseWriter, r *http.Request) {
	rec, err := s.record(r, dispatch.OpPageCreate, "", "")
	if err != nil {
		s.writeError(w, r, rec, err)
		return
	}
	var body struct {
		ContextID string `json:"contextId"`
	}
	if len(rec.Body) > 0 {
		if err := json.Unmarshal(rec.Body, &body); err != nil {
			s.writeError(w, r, rec, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err))
			return
		}
	}
	rec.ResourceID = body.ContextID
	s.run(w, r, rec, http.StatusCreated)
}

func (s *Server) handlePageList(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpPageList, chi.URLParam(r, "contextID"), "")
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handlePageGet(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpPageGet, chi.URLParam(r, "contextID"), chi.URLParam(r, "pageID"))
	s.run(w, r, rec, http.StatusOK)
}

func (s *Server) handlePageClose(w http.ResponseWriter, r *http.Request) {
	rec, _ := s.record(r, dispatch.OpPageClose, chi.URLParam(r, "contextID"), chi.URLParam(r, "pageID"))
	s.run(w, r, rec, http.StatusOK)
}

// handleShortcut maps a per-page convenience endpoint onto an execute
// operation. The request body becomes the action parameters.
func (s *Server) handleShortcut(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.record(r, dispatch.OpContextExecute, chi.URLParam(r, "contextID"), "")
		if err != nil {
			s.writeError(w, r, rec, err)
			return
		}

		params := map[string]any{}
		if len(rec.Body) > 0 {
			if err := json.Unmarshal(rec.Body, &params); err != nil {
				s.writeError(w, r, rec, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err))
				return
			}
		}
		body, err := json.Marshal(dispatch.ExecuteParams{
			Action:     action,
			PageID:     chi.URLParam(r, "pageID"),
			Parameters: params,
		})
		if err != nil {
			s.writeError(w, r, rec, err)
			return
		}
		rec.Body = body
		rec.CorrelationID = rec.RequestID
		s.run(w, r, rec, http.StatusOK)
	}
}
