package core

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Inbound pairs a received Message with the Connection it arrived on, the
// unit Router consumes from every Connection's shared inbox (fan-in of the
// teacher's per-peer `transport.Listen() <-chan types.Message`, generalized
// to many simultaneous peers).
type Inbound struct {
	Conn    *Connection
	Message types.Message
}

// Connection owns one peer session end-to-end (spec.md §4.2): framing,
// handshake, liveness, and the per-peer subtree view. Per DESIGN NOTES §9 it
// never holds a pointer back to Router/Topology; handshake and routing
// decisions that need cross-connection state are made by Router, which owns
// every Connection and hears from it only through the shared inbox and the
// onClose callback.
type Connection struct {
	id     types.ConnID
	log    types.Logger
	conn   io.ReadWriteCloser
	buffer *Buffer

	selfID    types.NodeID
	isStation bool // true: we dialed out to peer as its child (peer is our station side... see IsStation doc)

	mu            sync.Mutex
	peerNodeID    types.NodeID
	established   bool
	newConnection bool
	subtreeNodes  types.NodeSet
	rootCandidate *types.NodeID
	lastReceived  time.Time
	timeDelay     time.Duration
	closed        bool
	closeReason   types.CloseReason

	inbox chan<- Inbound

	sendMu    sync.Mutex
	sendQueue [][]byte
	wake      chan struct{}
	done      chan struct{}

	onClose func(c *Connection, reason types.CloseReason)
}

// NewConnection wraps transport (an accepted or dialed stream) as a
// Connection. isStation is true when this side initiated the TCP connection
// (we are the child associating to peer as our parent); false when peer
// connected inbound to us. Received messages are pushed to inbox, tagged
// with this Connection, exactly like the teacher's
// ReliableTransport.consume pushing onto `r.producer`.
func NewConnection(id types.ConnID, selfID types.NodeID, transport io.ReadWriteCloser, isStation bool, inbox chan<- Inbound, log types.Logger, onClose func(*Connection, types.CloseReason)) *Connection {
	c := &Connection{
		id:            id,
		log:           log,
		conn:          transport,
		buffer:        NewBuffer(types.MaxMessageSize),
		selfID:        selfID,
		isStation:     isStation,
		newConnection: true,
		subtreeNodes:  types.NewNodeSet(),
		lastReceived:  time.Now(),
		inbox:         inbox,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		onClose:       onClose,
	}
	return c
}

// ID returns the stable handle other packages use to refer to this
// Connection without holding a pointer to it.
func (c *Connection) ID() types.ConnID { return c.id }

// IsStation reports whether we initiated this connection outbound to the
// peer (we are the child, the peer is our parent/station-side neighbor).
func (c *Connection) IsStation() bool { return c.isStation }

func (c *Connection) PeerNodeID() types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerNodeID
}

func (c *Connection) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

func (c *Connection) NewConnectionFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newConnection
}

func (c *Connection) SubtreeNodes() types.NodeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subtreeNodes.Clone()
}

func (c *Connection) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

func (c *Connection) TimeDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeDelay
}

func (c *Connection) SetTimeDelay(d time.Duration) {
	c.mu.Lock()
	c.timeDelay = d
	c.mu.Unlock()
}

// setHandshakeIdentity records the peer's NodeID and subtree, as learned
// from the first NODE_SYNC_REQUEST/REPLY (spec.md §4.2 steps a-b).
func (c *Connection) setHandshakeIdentity(peer types.NodeID, subtree types.NodeSet) {
	c.mu.Lock()
	c.peerNodeID = peer
	c.subtreeNodes = subtree
	c.mu.Unlock()
}

// markEstablished flips the connection to established and clears
// newConnection, step (e) of spec.md §4.2.
func (c *Connection) markEstablished() {
	c.mu.Lock()
	c.established = true
	c.newConnection = false
	c.mu.Unlock()
}

// UpdateSubtree replaces the subtree view for this connection, used by
// Topology on NODE_SYNC/NODE_SYNC_REPLY processing.
func (c *Connection) UpdateSubtree(s types.NodeSet) {
	c.mu.Lock()
	c.subtreeNodes = s
	c.mu.Unlock()
}

// RootCandidate returns the lowest NodeID claiming isRoot anywhere in this
// connection's subtree, as last reported by the peer, or nil if none.
func (c *Connection) RootCandidate() *types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootCandidate
}

func (c *Connection) UpdateRootCandidate(root *types.NodeID) {
	c.mu.Lock()
	c.rootCandidate = root
	c.mu.Unlock()
}

// Receive feeds newly arrived transport bytes into the framing buffer and
// publishes every complete message to the shared inbox. It is called by the
// Connection's own read loop (Start) but is exposed standalone so tests can
// drive it directly against canned byte chunks (spec.md P1).
func (c *Connection) Receive(data []byte) {
	c.mu.Lock()
	c.lastReceived = time.Now()
	c.mu.Unlock()

	frames, err := c.buffer.Feed(data)
	if err != nil {
		c.log.Warnf("connection %d: framing error: %v", c.id, err)
	}
	for _, frame := range frames {
		var msg types.Message
		if jsonErr := json.Unmarshal(frame, &msg); jsonErr != nil {
			c.log.Warnf("connection %d: parse error: %v", c.id, jsonErr)
			continue
		}
		if c.inbox != nil {
			select {
			case c.inbox <- Inbound{Conn: c, Message: msg}:
			case <-c.done:
			}
		}
	}
}

// Start launches the read and write goroutines for this connection. Callers
// (Router) are expected to invoke Start once, right after NewConnection and
// after registering the connection so inbound handshake messages have
// somewhere to land.
func (c *Connection) Start(invoker interface{ Spawn(func()) }) {
	invoker.Spawn(c.readLoop)
	invoker.Spawn(c.writeLoop)
}

func (c *Connection) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Receive(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debugf("connection %d: read error: %v", c.id, err)
			}
			c.Close(types.CloseTransport)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.sendMu.Lock()
			if len(c.sendQueue) == 0 {
				c.sendMu.Unlock()
				break
			}
			next := c.sendQueue[0]
			c.sendQueue = c.sendQueue[1:]
			c.sendMu.Unlock()

			if _, err := c.conn.Write(next); err != nil {
				c.log.Debugf("connection %d: write error: %v", c.id, err)
				c.Close(types.CloseTransport)
				return
			}
		}
	}
}

// Send enqueues msg for delivery on this connection, preserving per-
// connection FIFO order (spec.md §4.3 "Ordering"). It never blocks: a
// partial or pending write simply grows the in-memory send queue, matching
// the non-blocking transport contract of spec.md §5.
func (c *Connection) Send(msg types.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(payload) > types.MaxMessageSize {
		return types.ErrMessageTooLarge
	}
	framed := Frame(payload)

	c.sendMu.Lock()
	c.sendQueue = append(c.sendQueue, framed)
	c.sendMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close tears down the connection exactly once, recording reason and
// invoking onClose so Router can remove it from the active set and
// propagate a fresh NODE_SYNC (spec.md §4.2 "Destruction").
func (c *Connection) Close(reason types.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
	if c.onClose != nil {
		c.onClose(c, reason)
	}
}

func (c *Connection) CloseReason() types.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
