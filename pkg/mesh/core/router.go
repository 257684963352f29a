package core

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/painlessmesh/mesh/internal/scheduler"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Router is the packet-dispatch hub of spec.md §4.3, and also plays the
// role spec.md §4.4 assigns Topology's caller: it owns every Connection,
// runs the handshake state machine of §4.2, and keeps Topology's view
// current after every NODE_SYNC-family message. This single-owner design
// follows DESIGN NOTES §9 — Connections never reach back into Router, they
// only report through the shared inbox channel and the onClose callback.
type Router struct {
	nodeID  types.NodeID
	log     types.Logger
	sched   *scheduler.Scheduler
	invoker scheduler.Invoker

	topology *Topology
	dispatch *Dispatch
	timesync *TimeSync

	inbox chan Inbound

	mu         sync.Mutex
	conns      map[types.ConnID]*Connection
	stationID  types.ConnID // 0 if none
	allNodes   types.NodeSet
	rootCand   *types.NodeID
	nextConnID uint64

	onNewConnection     func(peer types.NodeID)
	onDroppedConnection func(peer types.NodeID)
	onChangedConns      func()
}

// RouterCallbacks lets the façade wire external user callbacks (spec.md
// §4.9) without Router importing the façade package.
type RouterCallbacks struct {
	OnNewConnection     func(peer types.NodeID)
	OnDroppedConnection func(peer types.NodeID)
	OnChangedConnections func()
}

func NewRouter(cfg *types.Config, invoker scheduler.Invoker, log types.Logger, cb RouterCallbacks) *Router {
	r := &Router{
		nodeID:   cfg.NodeID,
		log:      log,
		sched:    scheduler.New(invoker),
		invoker:  invoker,
		topology: NewTopology(cfg.NodeID, cfg.IsRoot, log),
		dispatch: NewDispatch(log),
		inbox:    make(chan Inbound, 256),
		conns:    map[types.ConnID]*Connection{},
		allNodes: types.NewNodeSet(cfg.NodeID),

		onNewConnection:      cb.OnNewConnection,
		onDroppedConnection:  cb.OnDroppedConnection,
		onChangedConns:       cb.OnChangedConnections,
	}
	if cfg.IsRoot {
		self := cfg.NodeID
		r.rootCand = &self
	}
	go r.pump()
	return r
}

func (r *Router) Dispatch() *Dispatch   { return r.dispatch }
func (r *Router) Topology() *Topology   { return r.topology }
func (r *Router) Scheduler() *scheduler.Scheduler { return r.sched }
func (r *Router) NodeID() types.NodeID  { return r.nodeID }

// AttachTimeSync wires the time-sync component in after construction (it
// needs a *Router to send TIME_SYNC messages, so it cannot be built before
// one exists — mirroring the teacher's two-phase NewPeer/NewDeliver wiring
// in core.NewPeer).
func (r *Router) AttachTimeSync(ts *TimeSync) {
	r.mu.Lock()
	r.timesync = ts
	r.mu.Unlock()
}

// pump is Router's single consumer goroutine, the analogue of the teacher's
// Peer.poll(): every inbound message from every connection funnels through
// here, so handshake/topology/routing mutation never races. It runs on its
// own goroutine rather than on the invoker, because Stop waits on the
// invoker before closing the inbox that ends this loop.
func (r *Router) pump() {
	for in := range r.inbox {
		r.handleInbound(in)
	}
}

// Stop closes every connection, stops the scheduler (which waits for the
// connections' IO loops and any running task), and then closes the inbox,
// which ends pump.
func (r *Router) Stop() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(types.CloseShutdown)
	}
	r.sched.Stop()
	close(r.inbox)
}

// AddConnection registers a freshly accepted/dialed transport as a new
// Connection, starts its IO loops, and — if isStation — sends the initial
// NODE_SYNC_REQUEST (spec.md §4.2 handshake, station side).
func (r *Router) AddConnection(transport io.ReadWriteCloser, isStation bool) *Connection {
	id := types.ConnID(atomic.AddUint64(&r.nextConnID, 1))
	conn := NewConnection(id, r.nodeID, transport, isStation, r.inbox, r.log, r.handleClose)

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	conn.Start(r.invoker)

	if isStation {
		req := buildNodeSync(types.NodeSyncRequest, r.nodeID, types.NewNodeSet(r.nodeID), r.topology.SelfRootCandidate())
		_ = conn.Send(req)
	}
	return conn
}

func (r *Router) handleClose(conn *Connection, reason types.CloseReason) {
	r.mu.Lock()
	delete(r.conns, conn.ID())
	if r.stationID == conn.ID() {
		r.stationID = 0
	}
	r.mu.Unlock()

	r.log.Infof("connection %d to peer %d closed: %s", conn.ID(), conn.PeerNodeID(), reason)
	if conn.Established() && r.onDroppedConnection != nil {
		r.onDroppedConnection(conn.PeerNodeID())
	}
	// Destruction propagates a fresh NODE_SYNC to all remaining peers
	// (spec.md §4.2 "Destruction").
	r.recomputeAndPropagate(nil)
	if r.onChangedConns != nil {
		r.onChangedConns()
	}
}

func (r *Router) handleInbound(in Inbound) {
	conn, msg := in.Conn, in.Message
	if conn.IsClosed() {
		return
	}

	switch msg.Type {
	case types.NodeSyncRequest:
		r.handleNodeSyncRequest(conn, msg)
	case types.NodeSyncReply:
		r.handleNodeSyncReply(conn, msg)
	case types.NodeSync:
		r.handleNodeSync(conn, msg)
	case types.TimeSync, types.TimeDelay:
		r.mu.Lock()
		ts := r.timesync
		r.mu.Unlock()
		if ts != nil {
			ts.Handle(conn, msg)
		}
	default:
		if !conn.Established() {
			// Invariant 5: handshake precedes routing.
			r.log.Warnf("connection %d: dropping type %d before handshake", conn.ID(), msg.Type)
			return
		}
		r.route(conn, msg)
	}
}

func (r *Router) route(origin *Connection, msg types.Message) {
	if msg.Dest != nil && *msg.Dest == r.nodeID {
		r.dispatch.DeliverSingle(msg)
		return
	}

	if msg.IsBroadcast() {
		r.dispatch.DeliverBroadcast(msg)
		r.forwardBroadcast(origin, msg)
		return
	}

	if msg.Dest == nil {
		r.log.Warnf("router: message type %d has neither dest nor broadcast shape, dropping", msg.Type)
		return
	}

	target := r.findRoute(*msg.Dest)
	if target == nil || target == origin {
		r.log.Warnf("router: %v", types.ErrUnreachable)
		return
	}
	_ = target.Send(msg)
}

// findRoute returns the Connection whose subtree contains dest, the station
// connection if no subtree matches (send up the tree), or nil if neither
// exists (spec.md §4.3).
func (r *Router) findRoute(dest types.NodeID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		if c.SubtreeNodes().Contains(dest) {
			return c
		}
	}
	if r.stationID != 0 {
		return r.conns[r.stationID]
	}
	return nil
}

// forwardBroadcast fans a broadcast message out to every connection except
// origin (nil origin means "locally originated": every connection gets it).
func (r *Router) forwardBroadcast(origin *Connection, msg types.Message) {
	r.mu.Lock()
	targets := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		if origin != nil && id == origin.ID() {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		_ = c.Send(msg)
	}
}

// Send originates a message with From = self (spec.md §4.3). If Dest ==
// self it is delivered locally without touching the network.
func (r *Router) Send(msg types.Message) {
	msg.From = r.nodeID
	if msg.Dest != nil && *msg.Dest == r.nodeID {
		r.dispatch.DeliverSingle(msg)
		return
	}
	if msg.IsBroadcast() {
		r.dispatch.DeliverBroadcast(msg)
		r.forwardBroadcast(nil, msg)
		return
	}
	if msg.Dest == nil {
		r.log.Warnf("router: Send called with neither dest nor broadcast shape")
		return
	}
	target := r.findRoute(*msg.Dest)
	if target == nil {
		r.log.Warnf("router: Send: %v", types.ErrUnreachable)
		return
	}
	_ = target.Send(msg)
}

// Broadcast originates a flood message (spec.md §4.3): self is delivered
// once by the local Dispatch, not by the fan-out loop. msg.Type is left as
// the caller set it — BROADCAST (8) for a generic untyped flood, or any
// other kind (NODE_SYNC, OTA Announce, a gateway Heartbeat) that also
// floods. Only Dest is forced to nil, since a broadcast has none.
func (r *Router) Broadcast(msg types.Message) {
	msg.From = r.nodeID
	msg.Dest = nil
	r.dispatch.DeliverBroadcast(msg)
	r.forwardBroadcast(nil, msg)
}

// SendVia unicasts msg directly on a specific connection, bypassing
// findRoute. Used for single-neighbor package kinds (NODE_SYNC_*, TIME_*).
func (r *Router) SendVia(conn *Connection, msg types.Message) {
	_ = conn.Send(msg)
}

// Connections returns a snapshot of every active connection, used by
// callers (time sync, gateway heartbeat) that need to iterate peers.
func (r *Router) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// StationConnection returns the current parent connection, or nil if this
// node has none (it is the root, or has not yet associated).
func (r *Router) StationConnection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stationID == 0 {
		return nil
	}
	return r.conns[r.stationID]
}

func (r *Router) AllNodes() types.NodeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allNodes.Clone()
}

func (r *Router) Snapshot() types.TopologySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := types.TopologySnapshot{
		NodeID:       r.nodeID,
		IsRoot:       r.topology.IsRoot(),
		ContainsRoot: r.topology.ContainsRoot(),
		Subtrees:     map[types.NodeID][]types.NodeID{},
	}
	if station := r.conns[r.stationID]; station != nil {
		peer := station.PeerNodeID()
		snap.StationOf = &peer
	}
	for _, c := range r.conns {
		if !c.IsStation() {
			snap.Children = append(snap.Children, c.PeerNodeID())
		}
		snap.Subtrees[c.PeerNodeID()] = c.SubtreeNodes().Slice()
	}
	return snap
}
