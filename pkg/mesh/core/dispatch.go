package core

import (
	"sync"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// SingleHandler is invoked for a message addressed to this node
// (Dest == self). BroadcastHandler is invoked for a message with no
// destination (flooded). Spec.md §4.6: "A single integer may carry only one
// handler of each shape."
type SingleHandler func(msg types.Message)
type BroadcastHandler func(msg types.Message)

// Dispatch is the typed plugin registry of spec.md §4.6: a mapping from
// package Type to at most one single-shape and one broadcast-shape handler.
// An unknown Type is silently dropped at dispatch (still forwarded by
// Router if it was a broadcast).
type Dispatch struct {
	log types.Logger

	mu         sync.RWMutex
	singles    map[types.PackageType]SingleHandler
	broadcasts map[types.PackageType]BroadcastHandler
}

func NewDispatch(log types.Logger) *Dispatch {
	return &Dispatch{
		log:        log,
		singles:    map[types.PackageType]SingleHandler{},
		broadcasts: map[types.PackageType]BroadcastHandler{},
	}
}

// OnSingle registers the handler invoked when a message of type t arrives
// addressed to this node.
func (d *Dispatch) OnSingle(t types.PackageType, h SingleHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.singles[t] = h
}

// OnBroadcast registers the handler invoked when a broadcast message of
// type t is seen, whether it originated here or was flooded in.
func (d *Dispatch) OnBroadcast(t types.PackageType, h BroadcastHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcasts[t] = h
}

// DeliverSingle invokes the registered single handler for msg.Type, if any.
// A message that is both locally addressed and broadcast is delivered to
// the broadcast handler exactly once (spec.md §4.6 "Delivery ordering");
// Router is responsible for calling DeliverBroadcast instead of
// DeliverSingle in that case.
func (d *Dispatch) DeliverSingle(msg types.Message) {
	d.mu.RLock()
	h, ok := d.singles[msg.Type]
	d.mu.RUnlock()
	if !ok {
		d.log.Debugf("dispatch: no single handler for type %d", msg.Type)
		return
	}
	d.safeInvoke(msg, func() { h(msg) })
}

// DeliverBroadcast invokes the registered broadcast handler for msg.Type,
// if any.
func (d *Dispatch) DeliverBroadcast(msg types.Message) {
	d.mu.RLock()
	h, ok := d.broadcasts[msg.Type]
	d.mu.RUnlock()
	if !ok {
		d.log.Debugf("dispatch: no broadcast handler for type %d", msg.Type)
		return
	}
	d.safeInvoke(msg, func() { h(msg) })
}

// safeInvoke recovers a panicking handler, logs it, and still considers the
// message delivered (spec.md §4.6 "Errors").
func (d *Dispatch) safeInvoke(msg types.Message, call func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatch: handler for type %d panicked: %v", msg.Type, r)
		}
	}()
	call()
}
