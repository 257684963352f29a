package core

import (
	"sync"

	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Topology tracks the single-node invariants of spec.md §3/§4.4: isRoot,
// containsRoot, and the union of every connection's subtree. It holds no
// reference to Connection objects — Router passes in whatever connection
// snapshot is relevant to each call — keeping Topology a pure function of
// "current connection state in, new root/containsRoot state out".
type Topology struct {
	nodeID types.NodeID
	log    types.Logger

	mu           sync.Mutex
	isRoot       bool
	containsRoot bool
}

func NewTopology(nodeID types.NodeID, isRoot bool, log types.Logger) *Topology {
	return &Topology{nodeID: nodeID, isRoot: isRoot, containsRoot: isRoot, log: log}
}

func (t *Topology) IsRoot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRoot
}

func (t *Topology) ContainsRoot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.containsRoot
}

// connSubtree is the minimal view of a Connection Topology needs: its
// current subtree and root candidate. Router supplies these from its live
// Connection map so Topology never has to import or hold *Connection.
type connSubtree struct {
	id       types.ConnID
	subtree  types.NodeSet
	rootCand *types.NodeID
}

// Recompute folds every connection's view into a new allNodes set and a new
// root candidate, applying the root-yield rule of spec.md §4.4 ("Tie-break:
// lowest NodeId wins"). It returns the new allNodes set, whether isRoot
// changed, and whether containsRoot changed, so Router knows whether to
// propagate NODE_SYNC (spec.md §4.4 steps 3-4).
func (t *Topology) Recompute(conns []connSubtree) (allNodes types.NodeSet, rootCandidate *types.NodeID, rootChanged, containsRootChanged bool) {
	allNodes = types.NewNodeSet(t.nodeID)
	var best *types.NodeID

	t.mu.Lock()
	if t.isRoot {
		self := t.nodeID
		best = &self
	}
	t.mu.Unlock()

	for _, c := range conns {
		allNodes = allNodes.Union(c.subtree)
		if c.rootCand != nil && (best == nil || *c.rootCand < *best) {
			best = c.rootCand
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	newContainsRoot := best != nil
	containsRootChanged = newContainsRoot != t.containsRoot
	t.containsRoot = newContainsRoot

	newIsRoot := t.isRoot
	if t.isRoot && best != nil && *best < t.nodeID {
		// Spec.md §4.4 root conflict: a smaller NodeID claims root
		// somewhere in our view, so we yield.
		newIsRoot = false
		t.log.Infof("topology: yielding root to node %d", *best)
	}
	rootChanged = newIsRoot != t.isRoot
	t.isRoot = newIsRoot

	return allNodes, best, rootChanged, containsRootChanged
}

// SelfRootCandidate returns this node's own NodeID if it currently claims
// isRoot, and nil otherwise.
//
// Router tracks the actual candidate value separately (it is learned from
// peers, not derivable from isRoot/containsRoot alone after a yield); this
// helper only covers the common "I am root" case used when seeding the
// very first NODE_SYNC_REQUEST before any peer has been heard from.
func (t *Topology) SelfRootCandidate() *types.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isRoot {
		id := t.nodeID
		return &id
	}
	return nil
}
