package core

import (
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// handleNodeSyncRequest is the acceptor side of spec.md §4.2's handshake:
// the peer dialed us (conn.IsStation() == false on our side) and sent its
// initial subtree ({peer} at this point). We reply with our own subtree and
// attempt to finalize.
func (r *Router) handleNodeSyncRequest(conn *Connection, msg types.Message) {
	subtree, root, err := parseNodeSync(msg)
	if err != nil {
		r.log.Warnf("connection %d: malformed NODE_SYNC_REQUEST: %v", conn.ID(), err)
		return
	}
	conn.setHandshakeIdentity(msg.From, subtree)
	conn.UpdateRootCandidate(root)

	ownSubtree := r.ownSubtreeView()
	reply := buildNodeSync(types.NodeSyncReply, r.nodeID, ownSubtree, r.currentRootCandidate())
	_ = conn.Send(reply)

	r.finalizeHandshake(conn)
}

// handleNodeSyncReply is the station side: we dialed out, sent the initial
// request, and this is the parent's answer.
func (r *Router) handleNodeSyncReply(conn *Connection, msg types.Message) {
	subtree, root, err := parseNodeSync(msg)
	if err != nil {
		r.log.Warnf("connection %d: malformed NODE_SYNC_REPLY: %v", conn.ID(), err)
		return
	}
	conn.setHandshakeIdentity(msg.From, subtree)
	conn.UpdateRootCandidate(root)

	r.finalizeHandshake(conn)
}

// handleNodeSync processes an incremental NODE_SYNC on an already
// established connection (spec.md §4.4 "Node set propagation").
func (r *Router) handleNodeSync(conn *Connection, msg types.Message) {
	if !conn.Established() {
		r.log.Warnf("connection %d: NODE_SYNC before handshake complete", conn.ID())
		return
	}
	subtree, root, err := parseNodeSync(msg)
	if err != nil {
		r.log.Warnf("connection %d: malformed NODE_SYNC: %v", conn.ID(), err)
		return
	}
	if subtree.Contains(r.nodeID) {
		// Loop detection, spec.md §4.4: a routine NODE_SYNC now contains
		// our own NodeId.
		r.log.Warnf("connection %d: loop detected in NODE_SYNC, closing", conn.ID())
		conn.Close(types.CloseLoop)
		return
	}
	conn.UpdateSubtree(subtree)
	conn.UpdateRootCandidate(root)
	r.recomputeAndPropagate(nil)
	if r.onChangedConns != nil {
		r.onChangedConns()
	}
}

// finalizeHandshake applies spec.md §4.2 steps (c)-(e): self-loop check,
// duplicate-peer check, mark established, propagate NODE_SYNC.
func (r *Router) finalizeHandshake(conn *Connection) {
	if conn.SubtreeNodes().Contains(r.nodeID) {
		r.log.Warnf("connection %d: peer subtree contains self, closing loop", conn.ID())
		conn.Close(types.CloseLoop)
		return
	}

	r.mu.Lock()
	for id, other := range r.conns {
		if id == conn.ID() {
			continue
		}
		if other.Established() && other.PeerNodeID() == conn.PeerNodeID() {
			r.mu.Unlock()
			r.log.Warnf("connection %d: duplicate of established connection %d for peer %d, closing newer", conn.ID(), id, conn.PeerNodeID())
			conn.Close(types.CloseDuplicate)
			return
		}
	}
	if conn.IsStation() {
		if r.stationID != 0 && r.stationID != conn.ID() {
			r.mu.Unlock()
			r.log.Warnf("connection %d: already have a station connection, closing", conn.ID())
			conn.Close(types.CloseDuplicate)
			return
		}
		r.stationID = conn.ID()
	}
	r.mu.Unlock()

	conn.markEstablished()
	r.recomputeAndPropagate(nil)

	if r.onNewConnection != nil {
		r.onNewConnection(conn.PeerNodeID())
	}
	if r.onChangedConns != nil {
		r.onChangedConns()
	}
	r.mu.Lock()
	ts := r.timesync
	r.mu.Unlock()
	if ts != nil {
		ts.OnConnectionEstablished(conn)
	}
}

// ownSubtreeView returns {self} union every established connection's
// subtree — "our view" used when seeding a brand-new handshake reply.
func (r *Router) ownSubtreeView() types.NodeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allNodes.Clone()
}

func (r *Router) currentRootCandidate() *types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootCand
}

// recomputeAndPropagate re-derives allNodes/rootCandidate from the current
// connection set and, if anything changed, sends each peer an incremental
// NODE_SYNC restricted to what is reachable without them (spec.md §4.4
// steps 2-4).
func (r *Router) recomputeAndPropagate(exclude *types.ConnID) {
	r.recompute(exclude, false)
}

// RefreshNodeSync forces a NODE_SYNC resend to every established peer
// regardless of whether anything changed, each still restricted to that
// peer's own subtree. This is the periodic "NODE_SYNC broadcast" spec.md
// §6's configuration table names (nodeSyncInterval) — a per-neighbor
// message despite the table's "broadcast" wording, since a verbatim flood
// of the same payload to every connection would make every peer see its
// own NodeId reflected back and misfire loop detection.
func (r *Router) RefreshNodeSync() {
	r.recompute(nil, true)
}

func (r *Router) recompute(exclude *types.ConnID, forced bool) {
	r.mu.Lock()
	prevAllNodes := r.allNodes
	list := make([]connSubtree, 0, len(r.conns))
	established := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		if exclude != nil && id == *exclude {
			continue
		}
		if !c.Established() {
			continue
		}
		list = append(list, connSubtree{id: id, subtree: c.SubtreeNodes(), rootCand: c.RootCandidate()})
		established = append(established, c)
	}
	r.mu.Unlock()

	allNodes, rootCand, rootChanged, containsRootChanged := r.topology.Recompute(list)

	r.mu.Lock()
	r.allNodes = allNodes
	r.rootCand = rootCand
	r.mu.Unlock()

	if !forced && allNodes.Equal(prevAllNodes) && !rootChanged && !containsRootChanged {
		return
	}

	selfRoot := r.topology.SelfRootCandidate()
	for _, c := range established {
		restricted := allNodes.Minus(c.SubtreeNodes())
		// Each peer is told the lowest root claimant on our side of the
		// edge only: ourselves, or one reported by another connection.
		peerRoot := selfRoot
		for _, other := range list {
			if other.id != c.ID() && other.rootCand != nil && (peerRoot == nil || *other.rootCand < *peerRoot) {
				peerRoot = other.rootCand
			}
		}
		sync := buildNodeSync(types.NodeSync, r.nodeID, restricted, peerRoot)
		_ = c.Send(sync)
	}
}
