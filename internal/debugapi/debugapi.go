// Package debugapi exposes a small read-only debug HTTP surface (flow
// snapshot, Prometheus metrics, health), grounded on this module's own
// gorilla/mux-based HTTP handler pattern.
package debugapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/metrics"
)

// Server is CensorLab's debug HTTP server.
type Server struct {
	table     *flow.Table
	collector *metrics.Collector
	log       *logging.Logger
	startedAt time.Time

	httpServer *http.Server
}

// Options configures a debug Server.
type Options struct {
	Listen    string
	Table     *flow.Table
	Collector *metrics.Collector
	Log       *logging.Logger
}

// NewServer builds the mux router and wraps it in an http.Server bound to
// opts.Listen. Call Serve to start accepting connections.
func NewServer(opts Options) *Server {
	s := &Server{
		table:     opts.Table,
		collector: opts.Collector,
		log:       opts.Log,
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/flows", s.handleFlows).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/flows/{key}", s.handleFlow).Methods(http.MethodGet)
	if opts.Collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Collector.Registry(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              opts.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Serve blocks until the server is closed or fails to start.
func (s *Server) Serve() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

type flowView struct {
	Key        string `json:"key"`
	Client     string `json:"client_endpoint"`
	State      string `json:"state"`
	NumPackets uint64 `json:"num_packets"`
	CreatedAt  string `json:"created_at"`
	LastSeen   string `json:"last_seen"`
}

func toFlowView(st *flow.State) flowView {
	return flowView{
		Key:        st.Key.String(),
		Client:     st.ClientEndpoint.Addr.String(),
		State:      st.VerdictStateNow().String(),
		NumPackets: st.NumPackets(),
		CreatedAt:  st.CreatedAt().Format(time.RFC3339Nano),
		LastSeen:   st.LastSeen().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if s.table == nil {
		writeJSON(w, http.StatusOK, []flowView{})
		return
	}
	snapshot := s.table.Snapshot()
	views := make([]flowView, 0, len(snapshot))
	for _, st := range snapshot {
		views = append(views, toFlowView(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	keyStr := mux.Vars(r)["key"]
	if s.table == nil {
		writeError(w, http.StatusNotFound, "no flow table configured")
		return
	}
	for _, st := range s.table.Snapshot() {
		if st.Key.String() == keyStr {
			writeJSON(w, http.StatusOK, toFlowView(st))
			return
		}
	}
	writeError(w, http.StatusNotFound, "flow not found")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).String(),
		"flows":   s.flowCount(),
	})
}

func (s *Server) flowCount() int {
	if s.table == nil {
		return 0
	}
	return s.table.Len()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "status": status})
}
