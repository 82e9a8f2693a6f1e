package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/queued/queued/internal/pipeline"
)

type fakeSnapshotSource struct {
	snaps []pipeline.Snapshot
}

func (f fakeSnapshotSource) Snapshots() []pipeline.Snapshot { return f.snaps }

func TestHandleStatusWebSocketStreamsSnapshots(t *testing.T) {
	source := fakeSnapshotSource{snaps: []pipeline.Snapshot{
		{PipelineID: "p1", SubState: pipeline.WaitingOnCI, Halted: false,
			Running: &pipeline.RunningSlot{Entry: pipeline.Entry{PRID: "pr-1"}, Attempts: 2}},
	}}
	srv := &Server{source: source, upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}}

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStatusWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got []snapshotResponse
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].PipelineID != "p1" || got[0].PRID != "pr-1" || got[0].Attempts != 2 {
		t.Fatalf("unexpected snapshot payload: %+v", got)
	}
}

func TestHandleStatusWebSocketRejectsWithoutSource(t *testing.T) {
	srv := &Server{upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}}
	ts := httptest.NewServer(http.HandlerFunc(srv.handleStatusWebSocket))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status/ws")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a configured source, got %d", resp.StatusCode)
	}
}

func TestToResponsesOmitsRunningFieldsWhenIdle(t *testing.T) {
	snaps := []pipeline.Snapshot{{PipelineID: "p2", SubState: pipeline.Idle}}
	out := toResponses(snaps)
	if len(out) != 1 || out[0].PRID != "" || out[0].Attempts != 0 {
		t.Fatalf("expected zero-value running fields for an idle pipeline, got %+v", out)
	}
}
