package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/queued/queued/internal/logging"
	"github.com/queued/queued/internal/pipeline"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
	// snapshotInterval is how often the server polls engines for a fresh
	// snapshot to push, absent any push-based subscription mechanism.
	snapshotInterval = 2 * time.Second
)

// SnapshotSource returns the current Status() of every pipeline engine the
// daemon owns. Satisfied by a thin wrapper over a []*pipeline.Engine, kept
// out of this package so gateway never imports pipeline's engine-mutation
// surface, only the read-only Snapshot type.
type SnapshotSource interface {
	Snapshots() []pipeline.Snapshot
}

type snapshotResponse struct {
	PipelineID string `json:"pipeline_id"`
	SubState   string `json:"sub_state"`
	PRID       string `json:"pr_id,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	QueueLen   int    `json:"queue_len"`
	Halted     bool   `json:"halted"`
}

func toResponses(snaps []pipeline.Snapshot) []snapshotResponse {
	out := make([]snapshotResponse, len(snaps))
	for i, s := range snaps {
		r := snapshotResponse{
			PipelineID: s.PipelineID,
			SubState:   string(s.SubState),
			QueueLen:   len(s.Queue),
			Halted:     s.Halted,
		}
		if s.Running != nil {
			r.PRID = s.Running.Entry.PRID
			r.Attempts = s.Running.Attempts
		}
		out[i] = r
	}
	return out
}

// handleStatusWebSocket upgrades the connection and streams pipeline
// snapshots every snapshotInterval until the client disconnects (adapted
// from the teacher's dashboard log-streaming handler: same
// upgrade/ping/read-pump/write-pump shape, polling a snapshot source instead
// of draining a log subscription channel).
func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	if source == nil {
		http.Error(w, "snapshot source not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway: status WS upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	logging.Info("gateway: status WS connected", "remote", r.RemoteAddr)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	if err := s.pushSnapshot(conn, source); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			if err := s.pushSnapshot(conn, source); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) pushSnapshot(conn *websocket.Conn, source SnapshotSource) error {
	payload, err := json.Marshal(toResponses(source.Snapshots()))
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
