package core

import (
	"sync"
	"time"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// TimeSync implements spec.md §4.5's three-phase, child-initiated delay
// measurement: a non-root node periodically measures its one-way delay to
// its station (parent) and adjusts a local offset so that nodeTime() tracks
// the tree's root within "tens of milliseconds". Offsets are signed
// microsecond deltas; MeshTime's 32-bit wraparound is not unwound across the
// handful-of-microseconds-wide subtraction this protocol does, matching the
// spec's own "not guaranteed monotonic across an offset adjustment" note.
type TimeSync struct {
	router *Router
	nodeID types.NodeID
	log    types.Logger

	mu           sync.Mutex
	offsetMicros int64
	pending      map[types.ConnID]int64

	onAdjust func(offset time.Duration)
}

// NewTimeSync builds the time-sync component and schedules its periodic
// task. cfg.TimeSyncInterval is jittered +/-10% per spec.md §4.5 "to avoid
// beat patterns".
func NewTimeSync(router *Router, cfg *types.Config, log types.Logger, onAdjust func(time.Duration)) *TimeSync {
	ts := &TimeSync{
		router:   router,
		nodeID:   cfg.NodeID,
		log:      log,
		pending:  map[types.ConnID]int64{},
		onAdjust: onAdjust,
	}
	router.AttachTimeSync(ts)
	router.Scheduler().Every(cfg.TimeSyncInterval, 0.1, ts.runSyncToStation)
	return ts
}

func localMicros() int64 {
	return int64(uint32(time.Now().UnixMicro()))
}

// NodeTime returns this node's current mesh-time estimate, its local clock
// plus the accumulated offset.
func (t *TimeSync) NodeTime() types.MeshTime {
	t.mu.Lock()
	off := t.offsetMicros
	t.mu.Unlock()
	return types.MeshTime(uint32(localMicros() + off))
}

// Offset returns the current applied clock offset.
func (t *TimeSync) Offset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.offsetMicros) * time.Microsecond
}

func (t *TimeSync) runSyncToStation() {
	if t.router.Topology().IsRoot() {
		return
	}
	station := t.router.StationConnection()
	if station == nil {
		return
	}
	t.sendPhase0(station)
}

// OnConnectionEstablished triggers an immediate phase-0 run on a freshly
// established station connection, bypassing the period (spec.md §4.5
// "Newly established Connections trigger an immediate run").
func (t *TimeSync) OnConnectionEstablished(conn *Connection) {
	if conn.IsStation() {
		t.sendPhase0(conn)
	}
}

func (t *TimeSync) sendPhase0(conn *Connection) {
	t0 := localMicros()
	t.mu.Lock()
	t.pending[conn.ID()] = t0
	t.mu.Unlock()
	t.router.SendVia(conn, buildTimeSyncPhase0(t.nodeID, types.MeshTime(uint32(t0))))
}

// Handle processes an inbound TIME_SYNC (phase 0 on the parent side, phase 1
// on the child side). It is wired into Router via AttachTimeSync.
func (t *TimeSync) Handle(conn *Connection, msg types.Message) {
	if msg.Type != types.TimeSync {
		return
	}
	p, err := parseTimeSync(msg)
	if err != nil {
		t.log.Warnf("timesync: connection %d: malformed TIME_SYNC: %v", conn.ID(), err)
		return
	}

	switch p.Phase {
	case 0:
		t1 := t.NodeTime()
		t2 := t.NodeTime()
		t.router.SendVia(conn, buildTimeSyncPhase1(t.nodeID, p.T0, t1, t2))
	case 1:
		t.mu.Lock()
		sentT0, ok := t.pending[conn.ID()]
		delete(t.pending, conn.ID())
		t.mu.Unlock()
		if !ok {
			t.log.Debugf("timesync: connection %d: unexpected TIME_SYNC phase 1", conn.ID())
			return
		}
		t3 := localMicros()
		t0 := sentT0
		t1 := int64(p.T1)
		t2 := int64(p.T2)

		delay := ((t1 - t0) + (t3 - t2)) / 2
		offset := ((t1 - t0) + (t2 - t3)) / 2

		// t0/t3 are raw localMicros(), not NodeTime(), so offset is already
		// the absolute correction against the parent, not a residual to
		// layer on top of whatever offsetMicros currently holds.
		// Accumulating here would double the same skew correction on every
		// subsequent sync to an unchanged parent.
		t.mu.Lock()
		t.offsetMicros = offset
		t.mu.Unlock()

		conn.SetTimeDelay(time.Duration(delay) * time.Microsecond)
		if t.onAdjust != nil {
			t.onAdjust(time.Duration(offset) * time.Microsecond)
		}
	default:
		t.log.Warnf("timesync: connection %d: unknown TIME_SYNC phase %d", conn.ID(), p.Phase)
	}
}
