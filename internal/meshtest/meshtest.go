// Package meshtest provides test-only scaffolding mirrored from the
// teacher's test.UnityCluster: an in-process transport built on net.Pipe
// instead of real TCP, and small cluster builders (line, star) so tests can
// assert the tree-shape properties of spec.md §8 without a real network.
package meshtest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/painlessmesh/mesh/internal/logging"
	"github.com/painlessmesh/mesh/pkg/mesh"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Pipe connects two Mesh instances directly via net.Pipe, the in-process
// substitute for the TCP Listen/Connect pair Mesh uses in production. from
// is the dialer (isStation=true on its side); to is the acceptor.
func Pipe(t *testing.T, from, to *mesh.Mesh) {
	t.Helper()
	a, b := net.Pipe()
	from.AddPipe(a, true)
	to.AddPipe(b, false)
}

// Node builds one Mesh instance with a per-node logger and hour-long sync
// and liveness intervals, for tests that want to assemble a cluster without
// touching a real port.
func Node(id types.NodeID, isRoot bool) *mesh.Mesh {
	cfg := types.DefaultConfig(id)
	cfg.IsRoot = isRoot
	cfg.Logger = logging.New(id, fmt.Sprintf("node-%d", id))
	cfg.NodeSyncInterval = time.Hour
	cfg.TimeSyncInterval = time.Hour
	cfg.LivenessTimeout = time.Hour
	return mesh.New(cfg, mesh.Callbacks{})
}

// BuildLine creates n nodes chained node[0] -- node[1] -- ... -- node[n-1],
// node[0] as root, dialer always the higher-indexed (child) side.
func BuildLine(t *testing.T, n int) []*mesh.Mesh {
	t.Helper()
	nodes := make([]*mesh.Mesh, n)
	for i := 0; i < n; i++ {
		nodes[i] = Node(types.NodeID(i+1), i == 0)
	}
	for i := 1; i < n; i++ {
		Pipe(t, nodes[i], nodes[i-1])
	}
	return nodes
}

// BuildStar creates one root with n-1 direct children.
func BuildStar(t *testing.T, n int) []*mesh.Mesh {
	t.Helper()
	nodes := make([]*mesh.Mesh, n)
	nodes[0] = Node(1, true)
	for i := 1; i < n; i++ {
		nodes[i] = Node(types.NodeID(i+1), false)
		Pipe(t, nodes[i], nodes[0])
	}
	return nodes
}

// StopAll shuts every node down, the cluster-teardown analogue of the
// teacher's UnityCluster.Off.
func StopAll(nodes []*mesh.Mesh) {
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *mesh.Mesh) {
			defer wg.Done()
			n.Stop()
		}(n)
	}
	wg.Wait()
}

// EventuallyTrue polls cond until it is true or timeout elapses, the
// standard pattern for asserting eventual-consistency properties (tree
// convergence, time-sync convergence) on an asynchronous system.
func EventuallyTrue(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
