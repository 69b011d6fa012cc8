/*Package status is the introspection HTTP surface: a read-only window
onto the multiplexor's stream table, bound only when an address is
configured. It never touches the multiplexor directly — it only reads
from the latest-value-wins snapshot channel mux publishes to — so a slow
or wedged HTTP client can never slow the dispatch loop.
*/
package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi"

	"github.com/usb-gadget/adbd/mux"
)

// Server serves the introspection routes over the given address.
type Server struct {
	addr   string
	router *chi.Mux

	mu     sync.RWMutex
	latest mux.Snapshot
}

// New creates a Server bound to addr (never listens until Serve is
// called) and starts draining snapshots in the background.
func New(addr string, snapshots <-chan mux.Snapshot) *Server {
	s := &Server{addr: addr}
	s.router = s.buildRouter()
	go func() {
		for snap := range snapshots {
			s.mu.Lock()
			s.latest = snap
			s.mu.Unlock()
		}
	}()
	return s
}

// ServeHTTP makes Server itself usable as an http.Handler, for tests
// and for embedding under another mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/streams", s.handleStreams)
	r.Get("/route-graph", s.handleRouteGraph)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snap := s.latest
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// routeGraph is a depth-1 map of URL stems to the endpoints mounted
// under them. This daemon mounts a single stem, so the graph always
// has one entry.
func (s *Server) routeGraph() map[string][]string {
	return map[string][]string{
		"/": {"/healthz", "/streams", "/route-graph"},
	}
}

func (s *Server) handleRouteGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.routeGraph()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Serve blocks, listening on addr. If addr is empty, Serve is a no-op
// that returns nil immediately — the introspection surface is entirely
// optional and opens no socket when unconfigured.
func (s *Server) Serve() error {
	if s.addr == "" {
		return nil
	}
	return http.ListenAndServe(s.addr, s.router)
}
