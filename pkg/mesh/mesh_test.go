package mesh_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/painlessmesh/mesh/internal/meshtest"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

func addAll(s types.NodeSet, ids []types.NodeID) {
	for _, id := range ids {
		s.Add(id)
	}
}

// TestMesh_LineConverges exercises spec.md S1/P3: a line of 4 nodes
// converges so the root sees every node, and shutdown leaves no goroutines
// behind.
func TestMesh_LineConverges(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	nodes := meshtest.BuildLine(t, 4)
	defer meshtest.StopAll(nodes)

	root := nodes[0]
	if !meshtest.EventuallyTrue(t, 5*time.Second, func() bool {
		return root.Snapshot().IsRoot
	}) {
		t.Fatal("root never recognized itself as root")
	}

	want := types.NewNodeSet(1, 2, 3, 4)
	if !meshtest.EventuallyTrue(t, 5*time.Second, func() bool {
		snap := root.Snapshot()
		all := types.NewNodeSet(root.NodeID())
		for _, ids := range snap.Subtrees {
			addAll(all, ids)
		}
		return all.Equal(want)
	}) {
		t.Fatal("line of 4 never converged at the root")
	}
}

// TestMesh_StarSingleDeliversToDestination exercises spec.md §4.3: a
// message addressed to one leaf of a star reaches only that leaf.
func TestMesh_StarSingleDeliversToDestination(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	nodes := meshtest.BuildStar(t, 3)
	defer meshtest.StopAll(nodes)

	root, leafA, leafB := nodes[0], nodes[1], nodes[2]

	if !meshtest.EventuallyTrue(t, 5*time.Second, func() bool {
		snap := root.Snapshot()
		all := types.NewNodeSet(root.NodeID())
		for _, ids := range snap.Subtrees {
			addAll(all, ids)
		}
		return all.Equal(types.NewNodeSet(1, 2, 3))
	}) {
		t.Fatal("star never converged")
	}

	var gotA, gotB bool
	leafA.OnSingle(150, func(msg types.Message) { gotA = true })
	leafB.OnSingle(150, func(msg types.Message) { gotB = true })

	if err := root.Send(150, leafA.NodeID(), map[string]interface{}{"hello": "world"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !meshtest.EventuallyTrue(t, 5*time.Second, func() bool { return gotA }) {
		t.Fatal("leafA never received the message")
	}
	time.Sleep(100 * time.Millisecond)
	if gotB {
		t.Fatal("leafB should not have received a message addressed to leafA")
	}
}

// TestMesh_BroadcastReachesEveryNode exercises spec.md §4.3's flood
// semantics across a 4-node line.
func TestMesh_BroadcastReachesEveryNode(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	nodes := meshtest.BuildLine(t, 4)
	defer meshtest.StopAll(nodes)

	if !meshtest.EventuallyTrue(t, 5*time.Second, func() bool {
		snap := nodes[0].Snapshot()
		all := types.NewNodeSet(nodes[0].NodeID())
		for _, ids := range snap.Subtrees {
			addAll(all, ids)
		}
		return all.Equal(types.NewNodeSet(1, 2, 3, 4))
	}) {
		t.Fatal("line never converged")
	}

	received := make([]bool, len(nodes))
	for i, n := range nodes {
		idx := i
		n.OnBroadcast(160, func(msg types.Message) { received[idx] = true })
	}

	if err := nodes[0].Broadcast(160, map[string]interface{}{"ping": true}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if !meshtest.EventuallyTrue(t, 5*time.Second, func() bool {
		for _, got := range received {
			if !got {
				return false
			}
		}
		return true
	}) {
		t.Fatalf("not every node received the broadcast: %v", received)
	}
}

// TestMesh_NodeTimeConverges exercises spec.md §4.5/P5: after time sync
// settles, every node's NodeTime is within a small tolerance of the root's.
func TestMesh_NodeTimeConverges(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	nodes := meshtest.BuildStar(t, 3)
	defer meshtest.StopAll(nodes)

	root := nodes[0]
	if !meshtest.EventuallyTrue(t, 10*time.Second, func() bool {
		rt := int64(root.NodeTime())
		for _, n := range nodes[1:] {
			diff := int64(n.NodeTime()) - rt
			if diff < 0 {
				diff = -diff
			}
			if diff > int64(200*time.Millisecond/time.Microsecond) {
				return false
			}
		}
		return true
	}) {
		t.Fatal("node times never converged within tolerance")
	}
}
