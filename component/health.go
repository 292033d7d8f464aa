package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/peripheral"
)

// statusSource is the Component state the health server reports
type statusSource interface {
	Status() peripheral.Status
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port    int
	server  *http.Server
	src     statusSource
	serving atomic.Bool
}

// HealthStatus represents the current health status
type HealthStatus struct {
	peripheral.Status
	Healthy bool   `json:"healthy"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

var startTime = time.Now()

// NewHealthServer creates a new health server
func NewHealthServer(port int, src statusSource) *HealthServer {
	return &HealthServer{
		port: port,
		src:  src,
	}
}

// Handler returns the endpoint mux
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)
	return mux
}

// Start starts the health server
func (h *HealthServer) Start() {
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// MarkServing records whether the bus listener is answering requests
func (h *HealthServer) MarkServing(ok bool) {
	h.serving.Store(ok)
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
}

func (h *HealthServer) status() HealthStatus {
	return HealthStatus{
		Status:  h.src.Status(),
		Healthy: h.serving.Load(),
		Uptime:  time.Since(startTime).String(),
		Version: Version,
	}
}

// handleHealth handles the /health endpoint; 503 while the bus is down
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}

// handleReady reports ready once the Component is booted with a secure session
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	st := h.src.Status()
	if st.State == peripheral.PostBoot.String() && st.Session {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := h.src.Status()

	booted := 0
	if st.State == peripheral.PostBoot.String() {
		booted = 1
	}
	session := 0
	if st.Session {
		session = 1
	}

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP bootguard_component_booted Whether the component has been booted\n")
	fmt.Fprintf(w, "# TYPE bootguard_component_booted gauge\n")
	fmt.Fprintf(w, "bootguard_component_booted{id=\"0x%08x\"} %d\n", st.ID, booted)
	fmt.Fprintf(w, "# HELP bootguard_component_session Whether a secure session is established\n")
	fmt.Fprintf(w, "# TYPE bootguard_component_session gauge\n")
	fmt.Fprintf(w, "bootguard_component_session{id=\"0x%08x\"} %d\n", st.ID, session)
	fmt.Fprintf(w, "# HELP bootguard_component_nonce Secure records exchanged in the current session\n")
	fmt.Fprintf(w, "# TYPE bootguard_component_nonce counter\n")
	fmt.Fprintf(w, "bootguard_component_nonce{id=\"0x%08x\"} %d\n", st.ID, st.Nonce)
	fmt.Fprintf(w, "# HELP bootguard_component_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE bootguard_component_uptime_seconds counter\n")
	fmt.Fprintf(w, "bootguard_component_uptime_seconds %.0f\n", time.Since(startTime).Seconds())
}
