// Package control exposes the cross-context signal channel over a small
// local HTTP surface: external browser parts or tooling can start the
// escalation channel and inject messages that merge exactly like a local
// send. The same server exports the poller metrics.
package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Signals is the slice of the session the control surface drives.
type Signals interface {
	StartEscalation()
	Inject(ctx context.Context, text, username, target string)
}

// Server routes the two external directive shapes onto a session.
type Server struct {
	session Signals
	router  *mux.Router
}

type injectRequest struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	Target   string `json:"target,omitempty"`
}

func NewServer(session Signals) *Server {
	s := &Server{session: session, router: mux.NewRouter()}
	s.router.HandleFunc("/signal/start", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/signal/message", s.handleMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.session.StartEscalation()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	s.session.Inject(context.Background(), req.Text, req.Username, req.Target)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
