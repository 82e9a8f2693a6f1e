// Package gateway serves a read-only, websocket-based operational view of
// pipeline state — the live counterpart to `queued status`'s one-shot
// snapshot. It is adapted from the teacher's internal/gateway HTTP server,
// trimmed to the one endpoint this domain needs: the excluded HTML
// dashboard, session auth, and Prometheus exporter that filled the rest of
// that package have no home in a merge-queue engine (see DESIGN.md).
package gateway

import (
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/queued/queued/internal/logging"
)

// Config configures the status-stream HTTP server.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Server serves the /status/ws endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	source   SnapshotSource

	httpSrv *http.Server
}

// NewServer constructs a Server reading pipeline snapshots from source.
func NewServer(cfg Config, source SnapshotSource) *Server {
	return &Server{
		cfg:    cfg,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving in the background. Call Stop to shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status/ws", s.handleStatusWebSocket)

	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway: status server stopped", "error", err)
		}
	}()
	logging.Info("gateway: status stream listening", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}
