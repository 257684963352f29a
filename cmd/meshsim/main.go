// Command meshsim assembles a cluster of in-process painlessMesh nodes over
// net.Pipe transports and prints the resulting tree as it converges. It is a
// manual exercise harness for the library, the same role
// kprusa-olsr-simulation/main.go plays for its own OLSR simulator, driven
// through a cobra CLI instead of flag parsing.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/painlessmesh/mesh/internal/logging"
	"github.com/painlessmesh/mesh/pkg/mesh"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

func buildNode(id types.NodeID, isRoot bool) *mesh.Mesh {
	cfg := types.DefaultConfig(id)
	cfg.IsRoot = isRoot
	cfg.Logger = logging.New(id, "meshsim")
	return mesh.New(cfg, mesh.Callbacks{
		OnNewConnection:     func(peer types.NodeID) { fmt.Printf("node %d: connected to %d\n", id, peer) },
		OnDroppedConnection: func(peer types.NodeID) { fmt.Printf("node %d: lost %d\n", id, peer) },
	})
}

func pipe(a, b *mesh.Mesh) {
	x, y := net.Pipe()
	a.AddPipe(x, true)
	b.AddPipe(y, false)
}

func buildLine(n int) []*mesh.Mesh {
	nodes := make([]*mesh.Mesh, n)
	for i := range nodes {
		nodes[i] = buildNode(types.NodeID(i+1), i == 0)
	}
	for i := 1; i < n; i++ {
		pipe(nodes[i], nodes[i-1])
	}
	return nodes
}

func buildStar(n int) []*mesh.Mesh {
	nodes := make([]*mesh.Mesh, n)
	nodes[0] = buildNode(1, true)
	for i := 1; i < n; i++ {
		nodes[i] = buildNode(types.NodeID(i+1), false)
		pipe(nodes[i], nodes[0])
	}
	return nodes
}

func printSnapshots(nodes []*mesh.Mesh) {
	for _, n := range nodes {
		snap := n.Snapshot()
		fmt.Printf("node %d: root=%v containsRoot=%v children=%v\n", snap.NodeID, snap.IsRoot, snap.ContainsRoot, snap.Children)
	}
}

func runFor(nodes []*mesh.Mesh, duration time.Duration) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.After(duration)
	for {
		select {
		case <-ticker.C:
			printSnapshots(nodes)
		case <-deadline:
			return
		}
	}
}

func newRootCmd() *cobra.Command {
	var nodeCount int
	var duration time.Duration

	root := &cobra.Command{
		Use:   "meshsim",
		Short: "Run an in-process painlessMesh cluster simulation",
	}

	lineCmd := &cobra.Command{
		Use:   "line",
		Short: "Simulate a line topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes := buildLine(nodeCount)
			defer stopAll(nodes)
			runFor(nodes, duration)
			return nil
		},
	}
	starCmd := &cobra.Command{
		Use:   "star",
		Short: "Simulate a star topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes := buildStar(nodeCount)
			defer stopAll(nodes)
			runFor(nodes, duration)
			return nil
		},
	}

	for _, c := range []*cobra.Command{lineCmd, starCmd} {
		c.Flags().IntVarP(&nodeCount, "nodes", "n", 4, "number of nodes")
		c.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to run")
	}
	root.AddCommand(lineCmd, starCmd)
	return root
}

func stopAll(nodes []*mesh.Mesh) {
	for _, n := range nodes {
		n.Stop()
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
