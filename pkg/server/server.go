// Package server exposes the aggregator over HTTP. The presentation layer
// talks only to this surface; raw store access never leaves the process.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vllry/berlin-transit/pkg/aggregate"
	"github.com/vllry/berlin-transit/pkg/store"
	"github.com/vllry/berlin-transit/pkg/transit"
)

// defaultWindow is how far back /v1/aggregates looks when the caller does
// not pass an explicit range.
const defaultWindow = time.Hour

type Server struct {
	agg    *aggregate.Aggregator
	store  store.Store
	log    *zap.Logger
	router *mux.Router
}

func New(agg *aggregate.Aggregator, st store.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{agg: agg, store: st, log: log}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/v1/aggregates", s.handleAggregates).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router = r
	return s
}

// Handler returns the routed handler, for mounting and for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer wraps the handler in an http.Server with sane timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type windowPayload struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type aggregatesResponse struct {
	Window  windowPayload             `json:"window"`
	GroupBy string                    `json:"group_by"`
	Groups  map[string]aggregate.View `json:"groups"`
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	now := time.Now().UTC()
	window := transit.TimeRange{Start: now.Add(-defaultWindow), End: now}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid from: want RFC3339", http.StatusBadRequest)
			return
		}
		window.Start = t.UTC()
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid to: want RFC3339", http.StatusBadRequest)
			return
		}
		window.End = t.UTC()
	}
	if !window.Valid() {
		http.Error(w, "from must be before to", http.StatusBadRequest)
		return
	}

	groupBy := aggregate.GroupByStop
	if v := q.Get("group_by"); v != "" {
		g, err := aggregate.ParseGroupBy(v)
		if err != nil {
			http.Error(w, "group_by must be stop or line", http.StatusBadRequest)
			return
		}
		groupBy = g
	}

	views, err := s.agg.Aggregate(r.Context(), window, groupBy)
	if err != nil {
		s.log.Error("aggregation failed", zap.Error(err))
		http.Error(w, "aggregation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := aggregatesResponse{
		Window:  windowPayload{From: window.Start, To: window.End},
		GroupBy: string(groupBy),
		Groups:  views,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encoding aggregates response", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
