package gateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/painlessmesh/mesh/pkg/mesh/core"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

type nullLogger struct{}

func (nullLogger) Info(v ...interface{})                  {}
func (nullLogger) Infof(format string, v ...interface{})  {}
func (nullLogger) Warn(v ...interface{})                  {}
func (nullLogger) Warnf(format string, v ...interface{})  {}
func (nullLogger) Error(v ...interface{})                 {}
func (nullLogger) Errorf(format string, v ...interface{}) {}
func (nullLogger) Debug(v ...interface{})                 {}
func (nullLogger) Debugf(format string, v ...interface{}) {}
func (nullLogger) Fatal(v ...interface{})                 {}
func (nullLogger) Fatalf(format string, v ...interface{}) {}
func (nullLogger) ToggleDebug(v bool) bool                 { return v }

type syncInvoker struct{ wg sync.WaitGroup }

func (s *syncInvoker) Spawn(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}
func (s *syncInvoker) Stop() { s.wg.Wait() }

func newTestRouter(id types.NodeID, isRoot bool) (*core.Router, *types.Config) {
	cfg := types.DefaultConfig(id)
	cfg.IsRoot = isRoot
	cfg.NodeSyncInterval = time.Hour
	cfg.TimeSyncInterval = time.Hour
	cfg.GatewayHeartbeatInterval = time.Hour
	cfg.GatewayInternetCheckInterval = time.Hour
	cfg.GatewayFailureTimeout = 300 * time.Millisecond
	r := core.NewRouter(cfg, &syncInvoker{}, nullLogger{}, core.RouterCallbacks{})
	return r, cfg
}

func linkRouters(child, parent *core.Router) {
	a, b := net.Pipe()
	child.AddConnection(a, true)
	parent.AddConnection(b, false)
}

func pollUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestDedupTable_DropsRepeatsWithinTTL exercises spec.md §4.8's gateway
// forwarding dedup: a (messageId, originNode) pair seen twice within the
// window is dropped the second time, but a new pair always passes.
func TestDedupTable_DropsRepeatsWithinTTL(t *testing.T) {
	d := newDedupTable(10, 100*time.Millisecond)
	k := dedupKey{messageID: "abc", originNode: 1}

	if d.SeenBefore(k) {
		t.Fatal("first sighting should not be reported as a repeat")
	}
	if !d.SeenBefore(k) {
		t.Fatal("second sighting within TTL should be reported as a repeat")
	}

	other := dedupKey{messageID: "xyz", originNode: 1}
	if d.SeenBefore(other) {
		t.Fatal("a distinct key should never be a repeat on first sight")
	}

	time.Sleep(150 * time.Millisecond)
	if d.SeenBefore(k) {
		t.Fatal("expired entry should not be reported as a repeat")
	}
}

// TestDedupTable_EvictsOldestBeyondCapacity exercises the LRU's bound: once
// maxLen distinct keys have been recorded, the oldest is evicted even
// though its TTL has not expired.
func TestDedupTable_EvictsOldestBeyondCapacity(t *testing.T) {
	d := newDedupTable(2, time.Hour)
	k1 := dedupKey{messageID: "1", originNode: 1}
	k2 := dedupKey{messageID: "2", originNode: 1}
	k3 := dedupKey{messageID: "3", originNode: 1}

	d.SeenBefore(k1)
	d.SeenBefore(k2)
	d.SeenBefore(k3)

	if d.SeenBefore(k1) {
		t.Fatal("k1 should have been evicted to make room for k3")
	}
}

// TestGateway_ElectionPrefersHighestRSSIThenNodeID exercises spec.md §4.8's
// election rule among two reachable peers.
func TestGateway_ElectionPrefersHighestRSSIThenNodeID(t *testing.T) {
	low, lowCfg := newTestRouter(1, true)
	high, highCfg := newTestRouter(2, false)
	defer low.Stop()
	defer high.Stop()
	linkRouters(high, low)

	if !pollUntil(5*time.Second, func() bool { return low.AllNodes().Equal(types.NewNodeSet(1, 2)) }) {
		t.Fatal("handshake never completed")
	}

	lowCfg.GatewayParticipateInElection = false
	highCfg.GatewayParticipateInElection = false

	lowHealth := NewHealth("127.0.0.1", 1, nil)
	highHealth := NewHealth("127.0.0.1", 1, nil)

	lowRSSI, highRSSI := -80, -40
	gLow := NewGateway(low, lowCfg, lowHealth, func() int { return lowRSSI }, nullLogger{})
	NewGateway(high, highCfg, highHealth, func() int { return highRSSI }, nullLogger{})

	// Simulate heartbeats directly: low believes high (rssi -40, node 2) is
	// reachable and stronger than itself (rssi -80, node 1).
	highHealth.mu.Lock()
	highHealth.available = true
	highHealth.mu.Unlock()
	lowHealth.mu.Lock()
	lowHealth.available = false
	lowHealth.mu.Unlock()

	gLow.mu.Lock()
	gLow.peers[2] = heartbeatRecord{payload: heartbeatPayload{HasInternet: true, RouterRSSI: highRSSI}, received: time.Now()}
	gLow.mu.Unlock()

	gLow.electPrimary()

	if gLow.IsPrimary() {
		t.Fatal("node 1 should not elect itself primary when node 2 has stronger RSSI and Internet")
	}
	primary := gLow.CurrentPrimary()
	if primary == nil || *primary != 2 {
		t.Fatalf("expected node 2 as primary, got %v", primary)
	}
}

// TestGateway_SendToInternetDirectWhenAvailable exercises spec.md §4.8: a
// node with its own Internet reachability performs the HTTP request
// directly instead of forwarding.
func TestGateway_SendToInternetDirectWhenAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router, cfg := newTestRouter(1, true)
	defer router.Stop()
	cfg.GatewayParticipateInElection = false
	health := NewHealth("127.0.0.1", 1, nil)
	health.mu.Lock()
	health.available = true
	health.mu.Unlock()

	g := NewGateway(router, cfg, health, func() int { return 0 }, nullLogger{})

	var mu sync.Mutex
	var gotSuccess bool
	var gotStatus int
	done := make(chan struct{})
	g.SendToInternet(srv.URL, "text/plain", []byte("hi"), 0, func(success bool, status int, errMsg string) {
		mu.Lock()
		gotSuccess, gotStatus = success, status
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if !gotSuccess || gotStatus != http.StatusOK {
		t.Fatalf("expected success with status 200, got success=%v status=%d", gotSuccess, gotStatus)
	}
}

// TestGateway_ForwardsThroughPrimaryAndAcks exercises the forwarded path:
// a non-Internet node sends through its primary peer, which performs the
// HTTP request and acks back.
func TestGateway_ForwardsThroughPrimaryAndAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	edge, edgeCfg := newTestRouter(1, true)
	primary, primaryCfg := newTestRouter(2, false)
	defer edge.Stop()
	defer primary.Stop()
	linkRouters(primary, edge)

	if !pollUntil(5*time.Second, func() bool { return edge.AllNodes().Equal(types.NewNodeSet(1, 2)) }) {
		t.Fatal("handshake never completed")
	}

	edgeCfg.GatewayParticipateInElection = false
	primaryCfg.GatewayParticipateInElection = true

	edgeHealth := NewHealth("127.0.0.1", 1, nil)
	primaryHealth := NewHealth("127.0.0.1", 1, nil)
	primaryHealth.mu.Lock()
	primaryHealth.available = true
	primaryHealth.mu.Unlock()

	edgeGW := NewGateway(edge, edgeCfg, edgeHealth, func() int { return 0 }, nullLogger{})
	primaryGW := NewGateway(primary, primaryCfg, primaryHealth, func() int { return 0 }, nullLogger{})

	// Node 2 is the only Internet-capable participant; mark it primary now
	// instead of waiting for its first scheduled election.
	primaryGW.mu.Lock()
	primaryGW.isPrimary = true
	primaryGW.mu.Unlock()

	edgeGW.mu.Lock()
	edgeGW.peers[2] = heartbeatRecord{payload: heartbeatPayload{HasInternet: true, IsPrimary: true, RouterRSSI: 0}, received: time.Now()}
	edgeGW.mu.Unlock()

	if p := edgeGW.CurrentPrimary(); p == nil || *p != 2 {
		t.Fatalf("expected edge to see node 2 as primary, got %v", p)
	}

	var mu sync.Mutex
	var gotSuccess bool
	var gotStatus int
	done := make(chan struct{})
	edgeGW.SendToInternet(srv.URL, "text/plain", []byte("hi"), 0, func(success bool, status int, errMsg string) {
		mu.Lock()
		gotSuccess, gotStatus = success, status
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ack never arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	if !gotSuccess || gotStatus != http.StatusCreated {
		t.Fatalf("expected forwarded success with status 201, got success=%v status=%d", gotSuccess, gotStatus)
	}
}

// TestGateway_AckTimeoutFiresWhenNoPrimaryResponds exercises the
// ack-timeout fallback: if nothing ever acks, the caller's callback fires
// with a failure after ackTimeout.
func TestGateway_AckTimeoutFiresWhenNoPrimaryResponds(t *testing.T) {
	router, cfg := newTestRouter(1, true)
	defer router.Stop()
	cfg.GatewayParticipateInElection = false
	health := NewHealth("127.0.0.1", 1, nil)

	g := NewGateway(router, cfg, health, func() int { return 0 }, nullLogger{})
	g.ackTimeout = 50 * time.Millisecond

	g.mu.Lock()
	g.peers[2] = heartbeatRecord{payload: heartbeatPayload{HasInternet: true, IsPrimary: true, RouterRSSI: 0}, received: time.Now()}
	g.mu.Unlock()

	var mu sync.Mutex
	var called bool
	var msg string
	done := make(chan struct{})
	g.SendToInternet("http://example.invalid", "text/plain", nil, 0, func(success bool, status int, errMsg string) {
		mu.Lock()
		called = true
		msg = errMsg
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ack-timeout callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if !called || msg != "ack-timeout" {
		t.Fatalf("expected ack-timeout callback, got called=%v msg=%q", called, msg)
	}
}
