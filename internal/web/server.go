package web

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Server holds the HTTP server and its dependencies.
type Server struct {
	mux          *http.ServeMux
	agentHandler *AgentHandler
}

// NewServer creates a new web server around the agent handler.
func NewServer(agentHandler *AgentHandler) *Server {
	s := &Server{
		mux:          http.NewServeMux(),
		agentHandler: agentHandler,
	}
	s.registerRoutes()
	return s
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/agent", s.agentHandler.HandleAgent)
	s.mux.HandleFunc("/api/stop", s.agentHandler.HandleStop)
	s.mux.HandleFunc("/api/sessions", s.agentHandler.HandleSessions)
	s.mux.HandleFunc("/api/messages", s.agentHandler.HandleMessages)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Start begins listening on addr with graceful shutdown.
// On SIGINT/SIGTERM, it waits up to 10s for in-flight requests to
// complete so deferred cleanup (driver.Shutdown) runs reliably.
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("[Web] Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Web] Graceful shutdown error: %v", err)
		}
	}()

	log.Printf("[Web] Quarry server running at http://localhost%s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Println("[Web] Server stopped gracefully")
		return nil
	}
	return err
}
