package debugapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/metrics"
	"censorlab.dev/censorlab/internal/packetmodel"
)

type fakeInterp struct{}

func (fakeInterp) Invoke(pkt *packetmodel.Packet) (flow.Verdict, error) { return flow.VerdictAllow, nil }
func (fakeInterp) Close()                                               {}

func newTestTable(t *testing.T) *flow.Table {
	t.Helper()
	return flow.NewTable(1, func() (flow.Interpreter, error) {
		return fakeInterp{}, nil
	}, time.Minute, nil)
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(Options{Collector: metrics.NewCollector()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestFlowsEndpointEmpty(t *testing.T) {
	s := NewServer(Options{Collector: metrics.NewCollector()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body []flowView
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty flow list, got %d", len(body))
	}
}

func TestFlowNotFound(t *testing.T) {
	table := newTestTable(t)
	s := NewServer(Options{Table: table, Collector: metrics.NewCollector()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/nonexistent", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestFlowFound(t *testing.T) {
	table := newTestTable(t)
	key := flow.Key{
		Proto:  6,
		AddrLo: netip.MustParseAddr("10.0.0.1"),
		PortLo: 1,
		AddrHi: netip.MustParseAddr("10.0.0.2"),
		PortHi: 2,
	}
	table.Intern(key, flow.Endpoint{}, time.Now())

	s := NewServer(Options{Table: table, Collector: metrics.NewCollector()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows/"+key.String(), nil)
	s.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
