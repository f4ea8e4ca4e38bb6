package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duetapp/duet-rtc/internal/metrics"
)

// ServerConfig wires together the runtime dependencies for the signaling
// relay.
type ServerConfig struct {
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Connection liveness. PingInterval must be shorter than IdleTimeout or
	// healthy idle connections get reaped.
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /rtc/signal : WebSocket signaling with trickle ICE
type Server struct {
	// Hub routes all envelopes. This field is intentionally exported so tests
	// can use a simple struct literal (e.g. &Server{Hub: h}).
	Hub *Hub

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		Hub:     cfg.Hub,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,

		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		IdleTimeout:          cfg.IdleTimeout,
		PingInterval:         cfg.PingInterval,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rtc/signal", s.HandleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// HandleSignal upgrades the request to the signaling WebSocket. Exported so
// deployments can wrap it with their origin policy before mounting.
func (s *Server) HandleSignal(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "hub not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver origin
		// middleware. For unit tests that dial the relay directly, accept
		// all origins here.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(s, conn)
	select {
	case s.Hub.register <- c:
	case <-s.Hub.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return 20 * time.Second
	}
	return s.PingInterval
}
