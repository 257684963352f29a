// Package mesh is the façade spec.md §4.9 describes: it owns startup and
// shutdown, registers the scheduler's recurring tasks, and aggregates the
// callbacks external code hooks into (onReceive, onNewConnection,
// onChangedConnections, onNodeTimeAdjusted, onDroppedConnection). It plays
// the same role the teacher's mcast.Unity plays for its protocol: one
// constructor that wires every subsystem together, one Shutdown that tears
// them down in order.
package mesh

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/painlessmesh/mesh/internal/logging"
	"github.com/painlessmesh/mesh/internal/scheduler"
	"github.com/painlessmesh/mesh/pkg/mesh/core"
	"github.com/painlessmesh/mesh/pkg/mesh/gateway"
	"github.com/painlessmesh/mesh/pkg/mesh/ota"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Callbacks holds every external hook spec.md §4.9 names, except onReceive:
// that one is per-type (spec.md §4.6 plugin dispatch), so it is registered
// with OnSingle/OnBroadcast instead of fixed at construction. All fields
// here are optional.
type Callbacks struct {
	OnNewConnection      func(peer types.NodeID)
	OnDroppedConnection  func(peer types.NodeID)
	OnChangedConnections func()
	OnNodeTimeAdjusted   func(offset time.Duration)
}

// Mesh is one node's entry point: it runs the AP+STA-equivalent TCP
// listener/dialer pair, the Router/Topology/TimeSync core, and whichever
// optional layers (OTA, gateway) the caller asks for.
type Mesh struct {
	cfg *types.Config
	log types.Logger

	router   *core.Router
	timesync *core.TimeSync
	invoker  scheduler.Invoker

	otaSender   *ota.Sender
	otaReceiver *ota.Receiver
	gatewayLink *gateway.Gateway

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// New runs startup step (2)-(4) of spec.md §4.9: build Router/Topology,
// attach time sync, and register callback dispatch. Step (1), "initialize
// WiFi in AP+STA", has no Go-native analogue; callers instead call Listen
// and/or Connect once New returns, which is this implementation's
// equivalent AP-accept / STA-associate pair (spec.md §6 "Raw TCP").
func New(cfg *types.Config, cb Callbacks) *Mesh {
	log := cfg.Logger
	if log == nil {
		log = logging.New(cfg.NodeID, "mesh")
	}

	invoker := scheduler.NewInvoker(func(recovered interface{}) {
		log.Errorf("mesh: recovered panic in spawned task: %v", recovered)
	})

	m := &Mesh{cfg: cfg, log: log, invoker: invoker}

	m.router = core.NewRouter(cfg, invoker, log, core.RouterCallbacks{
		OnNewConnection:      cb.OnNewConnection,
		OnDroppedConnection:  cb.OnDroppedConnection,
		OnChangedConnections: cb.OnChangedConnections,
	})
	m.timesync = core.NewTimeSync(m.router, cfg, log, cb.OnNodeTimeAdjusted)

	m.router.Scheduler().Every(cfg.NodeSyncInterval, 0.1, m.broadcastNodeSync)
	m.router.Scheduler().Every(cfg.LivenessTimeout/3, 0, m.sweepLiveness)

	return m
}

// OnSingle registers the handler for a plugin payload type addressed to
// this node (spec.md §4.6). Type ids below types.FirstUserType are reserved
// by core and ota, and gateway.TypeHeartbeat through gateway.TypeGatewayAck
// (types.FirstUserType to types.FirstUserType+2) by the gateway layer; none
// of these should be re-registered here.
func (m *Mesh) OnSingle(t types.PackageType, h func(msg types.Message)) {
	m.router.Dispatch().OnSingle(t, h)
}

// OnBroadcast registers the handler for a flooded plugin payload type
// (spec.md §4.6).
func (m *Mesh) OnBroadcast(t types.PackageType, h func(msg types.Message)) {
	m.router.Dispatch().OnBroadcast(t, h)
}

// EnableOTASender lets this node offer firmware images (spec.md §4.7).
func (m *Mesh) EnableOTASender() *ota.Sender {
	m.otaSender = ota.NewSender(m.router, m.log)
	return m.otaSender
}

// EnableOTAReceiver lets this node accept firmware images matching id.
func (m *Mesh) EnableOTAReceiver(id ota.Identity, currentMD5 func() string, store ota.Store, flash ota.Flash, onInstall func([]byte) error) *ota.Receiver {
	m.otaReceiver = ota.NewReceiver(m.router, id, currentMD5, store, flash, onInstall, m.log)
	return m.otaReceiver
}

// EnableGateway lets this node participate in the optional Internet
// bridging layer (spec.md §4.8).
func (m *Mesh) EnableGateway(health *gateway.Health, rssi func() int) *gateway.Gateway {
	m.gatewayLink = gateway.NewGateway(m.router, m.cfg, health, rssi, m.log)
	return m.gatewayLink
}

// Listen opens the AP-equivalent accept loop on cfg.Port: every inbound
// TCP connection becomes a non-station Connection (spec.md §3 "isStation —
// ... false if peer connects inbound to us").
func (m *Mesh) Listen() error {
	port := m.cfg.Port
	if port <= 0 {
		port = 5555
	}
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.invoker.Spawn(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.router.AddConnection(conn, false)
		}
	})
	return nil
}

// Connect dials out to a peer AP as this node's station (child) side
// (spec.md §3 "isStation — true if we connect outbound to peer as its
// child").
func (m *Mesh) Connect(address string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return err
	}
	m.router.AddConnection(conn, true)
	return nil
}

// AddPipe registers an already-established transport (e.g. an in-process
// net.Pipe half, used by internal/meshtest) as a new Connection, bypassing
// Listen/Connect's TCP dial/accept. isStation carries the same meaning as
// in Connect/Listen.
func (m *Mesh) AddPipe(conn io.ReadWriteCloser, isStation bool) *core.Connection {
	return m.router.AddConnection(conn, isStation)
}

// Send routes a payload message toward dest (spec.md §4.3).
func (m *Mesh) Send(msgType types.PackageType, dest types.NodeID, payload map[string]interface{}) error {
	msg := types.Message{Type: msgType, Dest: &dest}
	for k, v := range payload {
		if err := msg.SetField(k, v); err != nil {
			return err
		}
	}
	m.router.Send(msg)
	return nil
}

// Broadcast floods a payload message to the whole mesh (spec.md §4.3).
func (m *Mesh) Broadcast(msgType types.PackageType, payload map[string]interface{}) error {
	msg := types.Message{Type: msgType}
	for k, v := range payload {
		if err := msg.SetField(k, v); err != nil {
			return err
		}
	}
	m.router.Broadcast(msg)
	return nil
}

// NodeID returns this node's identity.
func (m *Mesh) NodeID() types.NodeID { return m.router.NodeID() }

// NodeTime returns this node's current mesh-time estimate (spec.md §4.5).
func (m *Mesh) NodeTime() types.MeshTime { return m.timesync.NodeTime() }

// Snapshot returns a diagnostic view of this node's place in the tree.
func (m *Mesh) Snapshot() types.TopologySnapshot { return m.router.Snapshot() }

func (m *Mesh) broadcastNodeSync() {
	m.router.RefreshNodeSync()
}

// sweepLiveness drops any Connection silent for longer than
// cfg.LivenessTimeout (spec.md §3 "lastReceived ... used for liveness").
func (m *Mesh) sweepLiveness() {
	now := time.Now()
	for _, c := range m.router.Connections() {
		if now.Sub(c.LastReceived()) > m.cfg.LivenessTimeout {
			c.Close(types.CloseTimeout)
		}
	}
}

// Stop implements spec.md §4.9's shutdown sequence: close every Connection,
// cancel scheduled tasks, and allow in-flight sends a bounded grace period
// to flush before the underlying transports are torn down.
func (m *Mesh) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ln := m.listener
	m.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	time.Sleep(50 * time.Millisecond)
	m.router.Stop()
}
