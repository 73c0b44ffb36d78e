// Package main provides a standalone signaling hub server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jvastola/theta/pkg/signaling"
)

const version = "1.0.0"

var (
	addr      = flag.String("addr", ":8080", "HTTP server address")
	logLevel  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	rateLimit = flag.Int("rate-limit", 60, "Rate limit per IP (requests per minute)")
)

// HubServer wraps the signaling hub with health reporting and per-IP rate
// limiting on the upgrade endpoint.
type HubServer struct {
	hub        *signaling.Hub
	startTime  time.Time
	rateLimits map[string]*rate.Limiter
	httpServer *http.Server
	mu         sync.Mutex
}

// HealthResponse contains health check information.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// NewHubServer creates a new hub server.
func NewHubServer() *HubServer {
	return &HubServer{
		hub:        signaling.NewHub(),
		startTime:  time.Now(),
		rateLimits: make(map[string]*rate.Limiter),
	}
}

// Start begins serving on addr.
func (s *HubServer) Start(listenAddr string) error {
	mux := http.NewServeMux()
	mux.Handle("/signal", s.withRateLimit(s.hub.Handler()))
	mux.HandleFunc("/health", s.handleHealth)

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"addr":    listener.Addr().String(),
		"version": version,
	}).Info("signaling hub started")
	return nil
}

// withRateLimit applies a per-IP token bucket before the wrapped handler.
func (s *HubServer) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		s.mu.Lock()
		limiter, ok := s.rateLimits[ip]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(float64(*rateLimit)/60.0), *rateLimit)
			s.rateLimits[ip] = limiter
		}
		s.mu.Unlock()

		if !limiter.Allow() {
			logrus.WithField("ip", ip).Warn("rate limit exceeded")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports hub liveness.
func (s *HubServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Stop shuts the server down.
func (s *HubServer) Stop() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.hub.Stop()
}

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	server := NewHubServer()
	if err := server.Start(*addr); err != nil {
		logrus.WithError(err).Fatal("Failed to start signaling hub")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logrus.Info("Shutdown signal received, stopping hub")
	server.Stop()
	logrus.Info("Hub stopped")
}
