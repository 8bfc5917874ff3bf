// Package api serves a small read-only HTTP status endpoint over the
// proxy's session and job state, built on gorilla/mux.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Stats is the minimal surface the API needs from the proxy, kept narrow
// so this package never imports proxy directly (the dependency points the
// other way: main wires proxy into api).
type Stats interface {
	SessionCounts() (total, authorized int)
	CurrentJobSummary() (jobID, headerHash string, ok bool)
}

// Server exposes Stats over HTTP.
type Server struct {
	stats Stats
}

// NewServer builds an API server backed by stats.
func NewServer(stats Stats) *Server {
	return &Server{stats: stats}
}

// ListenAndServe blocks serving the stats API on addr.
func (s *Server) ListenAndServe(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/stats", s.handleStats).Methods("GET")

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	log.Printf("api: stats listening on %s", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, authorized := s.stats.SessionCounts()
	jobID, headerHash, ok := s.stats.CurrentJobSummary()

	body := map[string]interface{}{
		"sessions": map[string]int{
			"total":      total,
			"authorized": authorized,
		},
	}
	if ok {
		body["currentJob"] = map[string]string{
			"jobId":      jobID,
			"headerHash": headerHash,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
