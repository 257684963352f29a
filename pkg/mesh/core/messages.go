package core

import (
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// nodeSyncPayload is the shared field shape of NODE_SYNC_REQUEST,
// NODE_SYNC_REPLY, and NODE_SYNC (spec.md §3): the sender's subtree node
// set, plus the lowest NodeID currently claiming isRoot anywhere in that
// subtree (nil if none is known; Router.recompute leaves out whatever the
// receiving peer itself reported) — the information Topology needs to
// resolve root conflicts (spec.md §4.4) without a second message kind.
type nodeSyncPayload struct {
	Nodes []types.NodeID `json:"nodes"`
	Root  *types.NodeID  `json:"root,omitempty"`
}

func buildNodeSync(t types.PackageType, from types.NodeID, nodes types.NodeSet, root *types.NodeID) types.Message {
	msg := types.Message{Type: t, From: from}
	_ = msg.SetField("nodes", nodes.Slice())
	if root != nil {
		_ = msg.SetField("root", *root)
	}
	return msg
}

func parseNodeSync(msg types.Message) (types.NodeSet, *types.NodeID, error) {
	var ids []types.NodeID
	if err := msg.Field("nodes", &ids); err != nil {
		return nil, nil, err
	}
	set := types.NewNodeSet(ids...)

	var root *types.NodeID
	if _, ok := msg.Extra["root"]; ok {
		var r types.NodeID
		if err := msg.Field("root", &r); err != nil {
			return nil, nil, err
		}
		root = &r
	}
	return set, root, nil
}

// timeSyncPayload carries the three timestamps of spec.md §4.5's phased
// exchange. Phase 0 (child -> parent) only sets T0; phase 1 (parent's
// reply) sets all three.
type timeSyncPayload struct {
	Phase int          `json:"phase"`
	T0    types.MeshTime `json:"t0"`
	T1    types.MeshTime `json:"t1,omitempty"`
	T2    types.MeshTime `json:"t2,omitempty"`
}

func buildTimeSyncPhase0(from types.NodeID, t0 types.MeshTime) types.Message {
	msg := types.Message{Type: types.TimeSync, From: from}
	_ = msg.SetField("phase", 0)
	_ = msg.SetField("t0", t0)
	return msg
}

func buildTimeSyncPhase1(from types.NodeID, t0, t1, t2 types.MeshTime) types.Message {
	msg := types.Message{Type: types.TimeSync, From: from}
	_ = msg.SetField("phase", 1)
	_ = msg.SetField("t0", t0)
	_ = msg.SetField("t1", t1)
	_ = msg.SetField("t2", t2)
	return msg
}

func parseTimeSync(msg types.Message) (timeSyncPayload, error) {
	var p timeSyncPayload
	if err := msg.Field("phase", &p.Phase); err != nil {
		return p, err
	}
	if err := msg.Field("t0", &p.T0); err != nil {
		return p, err
	}
	if p.Phase == 1 {
		if err := msg.Field("t1", &p.T1); err != nil {
			return p, err
		}
		if err := msg.Field("t2", &p.T2); err != nil {
			return p, err
		}
	}
	return p, nil
}
