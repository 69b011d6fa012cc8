package status_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/usb-gadget/adbd/mux"
	"github.com/usb-gadget/adbd/status"
)

func newTestServer(t *testing.T) (*status.Server, chan mux.Snapshot) {
	t.Helper()
	snaps := make(chan mux.Snapshot, 1)
	return status.New("", snaps), snaps
}

func TestHealthzReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestStreamsReflectsLatestSnapshot(t *testing.T) {
	s, snaps := newTestServer(t)
	snaps <- mux.Snapshot{
		Connected: true,
		Streams: []mux.StreamInfo{
			{ID: 3, RemoteID: 7, Service: "shell:", OkToWrite: true},
		},
	}

	// The background drain goroutine races the HTTP request; poll until
	// the cache reflects what was sent.
	deadline := time.After(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/streams", nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		var got mux.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Connected && len(got.Streams) == 1 && got.Streams[0].Service == "shell:" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot to propagate, last body: %s", rec.Body.String())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRouteGraphListsMountedRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/route-graph", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var graph map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &graph); err != nil {
		t.Fatalf("decode: %v", err)
	}
	routes, ok := graph["/"]
	if !ok {
		t.Fatal(`expected "/" key in route graph`)
	}
	want := map[string]bool{"/healthz": true, "/streams": true, "/route-graph": true}
	if len(routes) != len(want) {
		t.Fatalf("got %d routes, want %d", len(routes), len(want))
	}
	for _, r := range routes {
		if !want[r] {
			t.Errorf("unexpected route %q", r)
		}
	}
}
