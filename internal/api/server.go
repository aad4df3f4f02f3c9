// Package api is the thin HTTP front end over the cache: it translates
// GET /get/{key} and POST /set/{key}/{value} into calls on a Cache and maps
// the error taxonomy onto status codes. No caching logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	fastbu "github.com/adelra/fastbu"
	"github.com/adelra/fastbu/cluster"
)

const maxBodySize = 4 << 20

// Cache is what the server fronts: the engine directly in standalone mode,
// the cluster coordinator in cluster mode.
type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Verifier is implemented by backends that can run a consistency pass.
type Verifier interface {
	Verify() (fastbu.ConsistencyReport, error)
}

// ClusterView exposes the membership table for the /cluster/nodes endpoint.
type ClusterView interface {
	Members() []cluster.NodeInfo
}

// Server serves the client API on the api_port.
type Server struct {
	cache    Cache
	verifier Verifier
	view     ClusterView
	srv      *http.Server
}

// Option configures optional server surfaces.
type Option func(*Server)

// WithVerifier enables GET /admin/verify.
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithClusterView enables GET /cluster/nodes.
func WithClusterView(v ClusterView) Option {
	return func(s *Server) { s.view = v }
}

func New(cache Cache, opts ...Option) *Server {
	s := &Server{cache: cache}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get/{key}", s.handleGet)
	mux.HandleFunc("POST /set/{key}/{value}", s.handleSetPath)
	mux.HandleFunc("POST /set/{key}", s.handleSetBody)
	mux.HandleFunc("DELETE /delete/{key}", s.handleDelete)
	if s.view != nil {
		mux.HandleFunc("GET /cluster/nodes", s.handleNodes)
	}
	if s.verifier != nil {
		mux.HandleFunc("GET /admin/verify", s.handleVerify)
	}
	return mux
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, err := s.cache.Get(key)
	if err != nil {
		writeError(w, key, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v)
}

func (s *Server) handleSetPath(w http.ResponseWriter, r *http.Request) {
	s.set(w, r.PathValue("key"), []byte(r.PathValue("value")))
}

func (s *Server) handleSetBody(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	s.set(w, r.PathValue("key"), body)
}

func (s *Server) set(w http.ResponseWriter, key string, value []byte) {
	if err := s.cache.Set(key, value); err != nil {
		writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "stored\n")
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.cache.Delete(key); err != nil {
		writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "deleted\n")
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.view.Members())
}

func (s *Server) handleVerify(w http.ResponseWriter, _ *http.Request) {
	rep, err := s.verifier.Verify()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rep)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// writeError maps the error taxonomy to status codes: absent keys (including
// index/disk mismatches already degraded to NotFound) are 404, forward
// timeouts are 504, everything else is a 500 the client must not mistake for
// an acknowledged write.
func writeError(w http.ResponseWriter, key string, err error) {
	switch {
	case errors.Is(err, fastbu.ErrNotFound):
		http.Error(w, "key not found", http.StatusNotFound)
	case errors.Is(err, cluster.ErrTimeout), errors.Is(err, cluster.ErrPeerClosed):
		log.Printf("[api] forward for %q failed: %v", key, err)
		http.Error(w, "owner unreachable", http.StatusGatewayTimeout)
	case errors.Is(err, cluster.ErrNoOwner):
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
	default:
		log.Printf("[api] %q: %v", key, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
