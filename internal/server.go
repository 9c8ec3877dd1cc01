package internal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"wispchat/internal/storage"
)

// Server holds the handler dependencies. One instance per process; tests
// build as many as they need.
type Server struct {
	store    *storage.Store
	blobs    BlobStore
	authz    Authorizer
	activity *RoomActivity
	metrics  *Metrics
	limiter  *LimiterPool
	log      *slog.Logger

	maxBlobBytes int64
}

// ServerOptions carries the optional knobs for NewServer. Zero values fall
// back to sane defaults.
type ServerOptions struct {
	Blobs        BlobStore
	Authz        Authorizer
	Logger       *slog.Logger
	MaxBlobBytes int64
	RateRPS      float64
	RateBurst    int
}

func NewServer(store *storage.Store, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Authz == nil {
		opts.Authz = NewKeyAuthorizer("")
	}
	if opts.MaxBlobBytes <= 0 {
		opts.MaxBlobBytes = 10 << 20
	}
	return &Server{
		store:        store,
		blobs:        opts.Blobs,
		authz:        opts.Authz,
		activity:     NewRoomActivity(),
		metrics:      NewMetrics(),
		limiter:      NewLimiterPool(opts.RateRPS, opts.RateBurst),
		log:          opts.Logger,
		maxBlobBytes: opts.MaxBlobBytes,
	}
}

// Activity exposes the room activity tracker so the reaper can exempt rooms
// with recent readers.
func (s *Server) Activity() *RoomActivity { return s.activity }

// Metrics exposes the counters for the reaper and for tests.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}", s.handleRoomExists).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{code}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{code}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{code}/messages/{id:[0-9]+}", s.handleEdit).Methods(http.MethodPatch)
	r.HandleFunc("/rooms/{code}/messages/{id:[0-9]+}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/rooms/{code}/messages/{id:[0-9]+}/reactions", s.handleAddReaction).Methods(http.MethodPut)
	r.HandleFunc("/rooms/{code}/messages/{id:[0-9]+}/reactions", s.handleRemoveReaction).Methods(http.MethodDelete)
	r.HandleFunc("/ttl", s.handleTTL).Methods(http.MethodGet)
	r.HandleFunc("/admin/prune", s.handleAdminPrune).Methods(http.MethodPost)
	if s.blobs != nil {
		r.HandleFunc("/blobs", s.handleBlobUpload).Methods(http.MethodPost)
		r.HandleFunc("/blobs/{ref}", s.handleBlobDownload).Methods(http.MethodGet)
	}
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		// room codes and ids are fine to log, message content is not
		s.log.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur", time.Since(started).Round(time.Millisecond).String(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// allowMutation applies the per-IP limiter to writing endpoints.
func (s *Server) allowMutation(w http.ResponseWriter, r *http.Request, handler string) bool {
	if s.limiter.Allow(s.clientIP(r)) {
		return true
	}
	s.metrics.ObserveRequest(handler, http.StatusTooManyRequests)
	writeErrorKind(w, http.StatusTooManyRequests, kindTransient, "rate limit exceeded")
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.RoomCount(r.Context()); err != nil {
		writeErrorKind(w, http.StatusServiceUnavailable, kindTransient, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}
