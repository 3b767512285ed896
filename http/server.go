// Package http exposes the player over a small JSON control API.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aposazhennikov/lancast/catalog"
	"github.com/aposazhennikov/lancast/logger"
	"github.com/aposazhennikov/lancast/player"
	"github.com/aposazhennikov/lancast/track"
)

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// Controller is the part of the player the API drives.
type Controller interface {
	State() player.Status
	Enqueue(ctx context.Context, quality catalog.Quality, ids ...string) ([]*track.Track, error)
	Skip() bool
	Previous() error
	PlayAt(rank int) error
	Start()
	Stop()
}

// Queue is the part of the play queue the API reads and reorders.
type Queue interface {
	Tracks() []*track.Track
	History() []*track.Track
	Shuffle()
	Clear() int
}

// Searcher looks tracks up in the catalog.
type Searcher interface {
	Search(ctx context.Context, query catalog.SearchQuery) ([]catalog.SearchResult, error)
}

// Server routes API requests to the player.
type Server struct {
	router   *mux.Router
	player   Controller
	queue    Queue
	search   Searcher
	gatherer prometheus.Gatherer
	token    string
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithToken requires "Authorization: Bearer <token>" on control requests.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithSearcher enables GET /search.
func WithSearcher(search Searcher) Option {
	return func(s *Server) { s.search = search }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates the API server.
func NewServer(p Controller, q Queue, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		player:   p,
		queue:    q,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.WithComponent(s.logger, "http")
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/now-playing", s.nowPlayingHandler).Methods("GET")
	s.router.HandleFunc("/queue", s.queueHandler).Methods("GET")
	if s.search != nil {
		s.router.HandleFunc("/search", s.searchHandler).Methods("GET")
	}

	control := s.router.NewRoute().Subrouter()
	control.Use(s.requireToken)
	control.HandleFunc("/queue", s.enqueueHandler).Methods("POST")
	control.HandleFunc("/queue/shuffle", s.shuffleHandler).Methods("POST")
	control.HandleFunc("/queue/clear", s.clearHandler).Methods("POST")
	control.HandleFunc("/next", s.nextHandler).Methods("POST")
	control.HandleFunc("/previous", s.previousHandler).Methods("POST")
	control.HandleFunc("/play", s.playHandler).Methods("POST")
	control.HandleFunc("/stop", s.stopHandler).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(s.token)) != 1 {
				s.logger.Warn("Rejected control request",
					slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) nowPlayingHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.player.State())
}

type queueResponse struct {
	Current *player.TrackView  `json:"current,omitempty"`
	Pending []player.TrackView `json:"pending"`
	History []player.TrackView `json:"history"`
}

func (s *Server) queueHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse{
		Current: s.player.State().Current,
		Pending: player.Views(s.queue.Tracks()),
		History: player.Views(s.queue.History()),
	})
}

type enqueueRequest struct {
	IDs     []string `json:"ids"`
	Quality string   `json:"quality,omitempty"`
}

type enqueueResponse struct {
	Added  []player.TrackView `json:"added"`
	Errors []string           `json:"errors,omitempty"`
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no track ids")
		return
	}

	var quality catalog.Quality
	if req.Quality != "" {
		q, err := catalog.ParseQuality(req.Quality)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		quality = q
	}

	added, err := s.player.Enqueue(r.Context(), quality, ids...)
	resp := enqueueResponse{Added: player.Views(added)}
	if err != nil {
		resp.Errors = splitJoined(err)
	}

	status := http.StatusOK
	if len(added) == 0 {
		status = http.StatusUnprocessableEntity
	}
	s.logger.Info("Enqueued tracks",
		slog.Int("added", len(added)), slog.Int("rejected", len(resp.Errors)))
	writeJSON(w, status, resp)
}

func (s *Server) shuffleHandler(w http.ResponseWriter, _ *http.Request) {
	s.queue.Shuffle()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": player.Views(s.queue.Tracks()),
	})
}

func (s *Server) clearHandler(w http.ResponseWriter, _ *http.Request) {
	dropped := s.queue.Clear()
	s.logger.Info("Queue cleared", slog.Int("dropped", dropped))
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

func (s *Server) nextHandler(w http.ResponseWriter, _ *http.Request) {
	skipped := s.player.Skip()
	s.logger.Info("Skip requested", slog.Bool("skipped", skipped))
	writeJSON(w, http.StatusOK, map[string]bool{"skipped": skipped})
}

func (s *Server) previousHandler(w http.ResponseWriter, _ *http.Request) {
	if err := s.player.Previous(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.player.Start()
	writeJSON(w, http.StatusOK, s.player.State())
}

// playHandler starts playback. With ?rank=N the pending track at rank N,
// counted from zero, is played first.
func (s *Server) playHandler(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("rank"); raw != "" {
		rank, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rank: "+raw)
			return
		}
		if err := s.player.PlayAt(rank); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	s.player.Start()
	writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) stopHandler(w http.ResponseWriter, _ *http.Request) {
	s.player.Stop()
	writeJSON(w, http.StatusOK, s.player.State())
}

func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	strict, _ := strconv.ParseBool(params.Get("strict"))
	query := catalog.SearchQuery{
		Artist: params.Get("artist"),
		Album:  params.Get("album"),
		Track:  params.Get("track"),
		Strict: strict,
	}

	results, err := s.search.Search(r.Context(), query)
	switch {
	case errors.Is(err, catalog.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("Search failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if results == nil {
		results = []catalog.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Route not found", slog.String("path", r.URL.Path))
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// splitJoined flattens an errors.Join result into its messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
