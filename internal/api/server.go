package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/observability"
	"github.com/example/volley-sync/internal/rules"
	syncstate "github.com/example/volley-sync/internal/sync"
	"github.com/example/volley-sync/internal/types"
)

// PinHeader carries the tournament capability secret on writes.
const PinHeader = "X-Tournament-Pin"

// History serves historic tournament states.
type History interface {
	StateAt(ctx context.Context, id types.TournamentID, version int64) (types.VersionedDocument, error)
}

// HealthFunc reports whether the server's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

type createRequest struct {
	Slug  string                    `json:"slug"`
	Pin   string                    `json:"pin"`
	State *types.TournamentDocument `json:"state,omitempty"`
}

type idResponse struct {
	ID types.TournamentID `json:"id"`
}

type stateResponse struct {
	ID      types.TournamentID       `json:"id,omitempty"`
	State   types.TournamentDocument `json:"state"`
	Version int64                    `json:"version"`
}

type groupsResponse struct {
	Groups []string `json:"groups"`
}

type standingsResponse struct {
	Group     string           `json:"group"`
	Standings []rules.Standing `json:"standings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the tournament store over HTTP.
type Server struct {
	store   syncstate.Store
	history History
	health  HealthFunc
	logger  zerolog.Logger
	now     func() time.Time
	mux     *http.ServeMux
}

// NewServer wires the routes. history and health may be nil.
func NewServer(store syncstate.Store, history History, health HealthFunc, logger zerolog.Logger) *Server {
	s := &Server{
		store:   store,
		history: history,
		health:  health,
		logger:  logger,
		now:     time.Now,
		mux:     http.NewServeMux(),
	}
	s.handle("POST /tournaments", s.createTournament)
	s.handle("GET /tournaments/{ref}", s.resolveTournament)
	s.handle("GET /tournaments/{ref}/state", s.getState)
	s.handle("PUT /tournaments/{ref}/state", s.putState)
	s.handle("GET /tournaments/{ref}/groups", s.getGroups)
	s.handle("GET /tournaments/{ref}/standings/{group}", s.getStandings)
	s.handle("GET /tournaments/{ref}/versions/{version}", s.getVersion)
	s.handle("GET /healthz", s.healthz)
	return s
}

// Handle mounts an extra handler, for example the WebSocket gateway.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	s.mux.Handle(pattern, instrument(pattern, http.HandlerFunc(fn)))
}

func (s *Server) createTournament(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Slug == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "slug is required"})
		return
	}
	id, err := s.store.EnsureTournament(r.Context(), req.Slug, req.Pin, req.State)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info().Str("slug", req.Slug).Str("tournament", string(id)).Msg("tournament ensured")
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

func (s *Server) resolveTournament(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolve(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	id, doc, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{ID: id, State: doc.State, Version: doc.Version})
}

func (s *Server) putState(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolve(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.CASRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.Secret = r.Header.Get(PinHeader)
	if req.Secret == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + PinHeader})
		return
	}
	req.State = rules.EnsureShape(req.State, s.now())

	res, err := s.store.CompareAndSet(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch res.Status {
	case types.CASAccepted:
		writeJSON(w, http.StatusOK, stateResponse{ID: id, State: res.Current.State, Version: res.Current.Version})
	case types.CASConflict:
		writeJSON(w, http.StatusConflict, stateResponse{ID: id, State: res.Current.State, Version: res.Current.Version})
	default:
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid pin"})
	}
}

func (s *Server) getGroups(w http.ResponseWriter, r *http.Request) {
	_, doc, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, groupsResponse{Groups: rules.DeriveGroups(doc.State.Teams)})
}

func (s *Server) getStandings(w http.ResponseWriter, r *http.Request) {
	_, doc, ok := s.load(w, r)
	if !ok {
		return
	}
	group := r.PathValue("group")
	writeJSON(w, http.StatusOK, standingsResponse{
		Group:     group,
		Standings: rules.ComputeStandings(group, doc.State.Teams, doc.State.Matches),
	})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "history not available"})
		return
	}
	version, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil || version < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version"})
		return
	}
	id, err := s.resolve(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.history.StateAt(r.Context(), id, version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{ID: id, State: rules.EnsureShape(doc.State, s.now()), Version: doc.Version})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (types.TournamentID, types.VersionedDocument, bool) {
	id, err := s.resolve(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return "", types.VersionedDocument{}, false
	}
	doc, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return "", types.VersionedDocument{}, false
	}
	doc.State = rules.EnsureShape(doc.State, s.now())
	return id, doc, true
}

// resolve accepts either a slug or a tournament identifier. Slugs win; a
// UUID-shaped ref is taken as an identifier only when that tournament exists.
func (s *Server) resolve(ctx context.Context, ref string) (types.TournamentID, error) {
	id, err := s.store.ResolveSlug(ctx, ref)
	if !errors.Is(err, types.ErrNotFound) {
		return id, err
	}
	if _, perr := uuid.Parse(ref); perr != nil {
		return "", err
	}
	if _, lerr := s.store.Load(ctx, types.TournamentID(ref)); lerr != nil {
		if errors.Is(lerr, types.ErrNotFound) {
			return "", err
		}
		return "", lerr
	}
	return types.TournamentID(ref), nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, types.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, types.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	default:
		logger := observability.LoggerWithTrace(r.Context(), s.logger)
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
