package core

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// syncInvoker is a minimal goroutine-tracked scheduler.Invoker for these
// tests, the same shape as the teacher's test.TestInvoker.
type syncInvoker struct {
	wg sync.WaitGroup
}

func (s *syncInvoker) Spawn(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *syncInvoker) Stop() { s.wg.Wait() }

type testLogger struct{ t *testing.T }

func (l testLogger) Info(v ...interface{})                  {}
func (l testLogger) Infof(format string, v ...interface{})  {}
func (l testLogger) Warn(v ...interface{})                  { l.t.Log(v...) }
func (l testLogger) Warnf(format string, v ...interface{})  { l.t.Logf(format, v...) }
func (l testLogger) Error(v ...interface{})                 { l.t.Log(v...) }
func (l testLogger) Errorf(format string, v ...interface{}) { l.t.Logf(format, v...) }
func (l testLogger) Debug(v ...interface{})                 {}
func (l testLogger) Debugf(format string, v ...interface{}) {}
func (l testLogger) Fatal(v ...interface{})                 { l.t.Fatal(v...) }
func (l testLogger) Fatalf(format string, v ...interface{}) { l.t.Fatalf(format, v...) }
func (l testLogger) ToggleDebug(v bool) bool                 { return v }

func newTestRouter(t *testing.T, id types.NodeID, isRoot bool) (*Router, *syncInvoker) {
	t.Helper()
	cfg := types.DefaultConfig(id)
	cfg.IsRoot = isRoot
	cfg.NodeSyncInterval = time.Hour
	cfg.TimeSyncInterval = time.Hour
	invoker := &syncInvoker{}
	r := NewRouter(cfg, invoker, testLogger{t}, RouterCallbacks{})
	NewTimeSync(r, cfg, testLogger{t}, nil)
	return r, invoker
}

func linkRouters(child, parent *Router) {
	a, b := net.Pipe()
	child.AddConnection(a, true)
	parent.AddConnection(b, false)
}

// TestHandshake_EstablishesBothSides exercises spec.md §4.2: after the
// initial NODE_SYNC_REQUEST/REPLY exchange both sides agree on peer
// identity and subtree.
func TestHandshake_EstablishesBothSides(t *testing.T) {
	child, _ := newTestRouter(t, 2, false)
	parent, _ := newTestRouter(t, 1, true)
	defer child.Stop()
	defer parent.Stop()

	linkRouters(child, parent)

	ok := pollUntil(5*time.Second, func() bool {
		cc := child.Connections()
		pc := parent.Connections()
		return len(cc) == 1 && cc[0].Established() && len(pc) == 1 && pc[0].Established()
	})
	if !ok {
		t.Fatal("handshake did not establish within timeout")
	}

	cc := child.Connections()[0]
	if cc.PeerNodeID() != 1 {
		t.Fatalf("child's peer should be 1, got %d", cc.PeerNodeID())
	}
	pc := parent.Connections()[0]
	if pc.PeerNodeID() != 2 {
		t.Fatalf("parent's peer should be 2, got %d", pc.PeerNodeID())
	}
}

// TestTopology_SubtreeDisjointAndUnion exercises spec.md P3: a 3-node star
// (root + 2 children) ends up with each child subtree containing exactly
// that child, disjoint from the other, and the union plus self equal to
// the full node set.
func TestTopology_SubtreeDisjointAndUnion(t *testing.T) {
	root, _ := newTestRouter(t, 1, true)
	c1, _ := newTestRouter(t, 2, false)
	c2, _ := newTestRouter(t, 3, false)
	defer root.Stop()
	defer c1.Stop()
	defer c2.Stop()

	linkRouters(c1, root)
	linkRouters(c2, root)

	ok := pollUntil(5*time.Second, func() bool {
		return root.AllNodes().Equal(types.NewNodeSet(1, 2, 3))
	})
	if !ok {
		t.Fatalf("root never converged, allNodes=%v", root.AllNodes())
	}

	conns := root.Connections()
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections at root, got %d", len(conns))
	}
	a, b := conns[0].SubtreeNodes(), conns[1].SubtreeNodes()
	if !a.Minus(b).Equal(a) {
		t.Fatalf("expected disjoint subtrees, got %v and %v", a, b)
	}
	union := a.Union(b)
	union.Add(1)
	if !union.Equal(types.NewNodeSet(1, 2, 3)) {
		t.Fatalf("expected union+self to equal {1,2,3}, got %v", union)
	}
}

// TestTopology_RootConflictLowestWins exercises spec.md P4/invariant 3:
// when two isRoot nodes discover each other, the lower NodeId remains root.
func TestTopology_RootConflictLowestWins(t *testing.T) {
	lower, _ := newTestRouter(t, 1, true)
	higher, _ := newTestRouter(t, 5, true)
	defer lower.Stop()
	defer higher.Stop()

	linkRouters(higher, lower)

	ok := pollUntil(5*time.Second, func() bool {
		return lower.Topology().IsRoot() && !higher.Topology().IsRoot()
	})
	if !ok {
		t.Fatalf("expected node 1 to remain root and node 5 to yield; got lower.IsRoot=%v higher.IsRoot=%v",
			lower.Topology().IsRoot(), higher.Topology().IsRoot())
	}
}

// TestRouter_SingleRoutedToDest exercises spec.md §4.3 routing: a message
// addressed to a grandchild is forwarded hop by hop.
func TestRouter_SingleRoutedToDest(t *testing.T) {
	root, _ := newTestRouter(t, 1, true)
	mid, _ := newTestRouter(t, 2, false)
	leaf, _ := newTestRouter(t, 3, false)
	defer root.Stop()
	defer mid.Stop()
	defer leaf.Stop()

	linkRouters(mid, root)
	linkRouters(leaf, mid)

	if !pollUntil(5*time.Second, func() bool { return root.AllNodes().Equal(types.NewNodeSet(1, 2, 3)) }) {
		t.Fatalf("tree never converged: root=%v mid=%v leaf=%v", root.AllNodes(), mid.AllNodes(), leaf.AllNodes())
	}

	var mu sync.Mutex
	var received types.Message
	got := false
	leaf.Dispatch().OnSingle(200, func(msg types.Message) {
		mu.Lock()
		received = msg
		got = true
		mu.Unlock()
	})

	dest := types.NodeID(3)
	msg := types.Message{Type: 200, Dest: &dest}
	_ = msg.SetField("payload", "hello")
	root.Send(msg)

	if !pollUntil(5*time.Second, func() bool { mu.Lock(); defer mu.Unlock(); return got }) {
		t.Fatal("message never arrived at leaf")
	}
	var payload string
	mu.Lock()
	err := received.Field("payload", &payload)
	mu.Unlock()
	if err != nil || payload != "hello" {
		t.Fatalf("unexpected payload: %q err=%v", payload, err)
	}
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

// TestRouter_LocalBroadcastDeliversWithoutNetwork exercises spec.md §4.3: a
// locally originated broadcast is delivered to the local Dispatch even
// with zero connections.
func TestRouter_LocalBroadcastDeliversWithoutNetwork(t *testing.T) {
	r, _ := newTestRouter(t, 1, true)
	defer r.Stop()

	var mu sync.Mutex
	got := false
	r.Dispatch().OnBroadcast(201, func(msg types.Message) {
		mu.Lock()
		got = true
		mu.Unlock()
	})

	r.Broadcast(types.Message{Type: 201})

	if !pollUntil(2*time.Second, func() bool { mu.Lock(); defer mu.Unlock(); return got }) {
		t.Fatal("local broadcast was never delivered")
	}
}

// TestRouter_NodeSyncLoopClosesConnection exercises spec.md P2/S2: a
// NODE_SYNC whose subtree reflects the receiver's own NodeId back at it (the
// shape a physical wiring loop would produce) closes that connection with
// CloseLoop instead of accepting the bogus topology.
func TestRouter_NodeSyncLoopClosesConnection(t *testing.T) {
	a, _ := newTestRouter(t, 1, true)
	b, _ := newTestRouter(t, 2, false)
	defer a.Stop()
	defer b.Stop()

	linkRouters(b, a)

	if !pollUntil(5*time.Second, func() bool {
		ac, bc := a.Connections(), b.Connections()
		return len(ac) == 1 && ac[0].Established() && len(bc) == 1 && bc[0].Established()
	}) {
		t.Fatal("handshake never established")
	}

	aConn := a.Connections()[0] // a's connection to b
	bConn := b.Connections()[0]

	loop := buildNodeSync(types.NodeSync, a.nodeID, types.NewNodeSet(b.nodeID), nil)
	if err := aConn.Send(loop); err != nil {
		t.Fatalf("send: %v", err)
	}

	ok := pollUntil(5*time.Second, func() bool {
		return bConn.IsClosed() && bConn.CloseReason() == types.CloseLoop
	})
	if !ok {
		t.Fatalf("expected connection to close with CloseLoop, got closed=%v reason=%v",
			bConn.IsClosed(), bConn.CloseReason())
	}
}
