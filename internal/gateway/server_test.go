package gateway

import (
	"net/http"
	"testing"
	"time"
)

func TestServerStartAndStopServesStatusEndpoint(t *testing.T) {
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0}, fakeSnapshotSource{})
	// With port 0, net.Listen in Start would pick an ephemeral port the test
	// has no way to learn, so exercise a fixed high port it can dial.
	srv.cfg.Port = 19091
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	deadline := time.Now().Add(time.Second)
	var resp *http.Response
	var err error
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://127.0.0.1:19091/status/ws")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /status/ws: %v", err)
	}
	defer resp.Body.Close()
	// A plain HTTP GET can't complete the websocket upgrade handshake, but
	// the listener accepting the connection is enough to confirm Start wired
	// the mux and bound the port.
	if resp.StatusCode == 0 {
		t.Fatal("expected a response from the status server")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
