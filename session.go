package cyphal

import (
	"time"
	"unsafe"
)

// sessionNode is one entry of a transport's session registry: the binding
// of a port id to the receive state of one session direction. At most one
// node exists per (direction, port id) pair at any time; attempting to bind
// a bound port is reported as ErrAlreadyExists, never silently merged.
type sessionNode struct {
	base TreeNode // Must be first field due to use of unsafe.
	port PortID
	// onReceive is the registered delegate of the owning session wrapper.
	onReceive  func(*Transfer)
	tidTimeout time.Duration
	extent     int
	// remote constrains response sessions to one server node.
	// Unset for message and request sessions.
	remote NodeID
	// state holds direction- and transport-specific receive bookkeeping
	// (e.g. per-remote-node reassembly for CAN, deduplication for UDP).
	state any
}

var sessionNodeSize = int(unsafe.Sizeof(sessionNode{}))

//go:inline
func sessionFromTree(n *TreeNode) *sessionNode {
	return (*sessionNode)(unsafe.Pointer(n))
}

func predicateSessionPort(userRef any, n *TreeNode) int8 {
	sought := userRef.(PortID)
	other := sessionFromTree(n).port
	if sought == other {
		return 0
	}
	return bsign(sought > other)
}

// sessionTree maps port ids to session nodes for one transfer direction.
// All mutation happens on the transport's single control thread.
type sessionTree struct {
	root *TreeNode
	mem  MemoryResource
}

// ensureNewNodeFor has exactly one of three outcomes: a new node is
// constructed and returned; a node for the port already exists and is
// returned alongside ErrAlreadyExists (the caller must treat this as a
// failure); or allocation fails with ErrMemory and no node is created.
func (t *sessionTree) ensureNewNodeFor(port PortID) (*sessionNode, error) {
	got, existed, err := search(&t.root, port, predicateSessionPort, func(any) *TreeNode {
		if !t.mem.Acquire(sessionNodeSize) {
			return nil
		}
		n := &sessionNode{port: port}
		return &n.base
	})
	if err != nil {
		return nil, err
	}
	node := sessionFromTree(got)
	if existed {
		return node, ErrAlreadyExists
	}
	return node, nil
}

// findNodeFor returns the node bound to port, or nil.
func (t *sessionTree) findNodeFor(port PortID) *sessionNode {
	got, _, err := search(&t.root, port, predicateSessionPort, nil)
	if err != nil {
		return nil
	}
	return sessionFromTree(got)
}

// removeNodeFor detaches and destroys the node bound to port if present;
// no-op otherwise.
func (t *sessionTree) removeNodeFor(port PortID) {
	node := t.findNodeFor(port)
	if node == nil {
		return
	}
	remove(&t.root, &node.base)
	t.destroyNode(node)
}

// forEachNode visits every node in key order, short-circuiting on the
// first non-nil error from action.
func (t *sessionTree) forEachNode(action func(*sessionNode) error) error {
	return traverseInOrder(t.root, func(n *TreeNode) error {
		return action(sessionFromTree(n))
	})
}

func (t *sessionTree) len() int { return t.root.len() }

// release tears the whole registry down in post-order so every node is
// destroyed exactly once and never dereferenced through the tree afterward.
func (t *sessionTree) release() {
	traversePostOrder(t.root, func(n *TreeNode) {
		t.destroyNode(sessionFromTree(n))
	})
	t.root = nil
}

func (t *sessionTree) destroyNode(node *sessionNode) {
	node.onReceive = nil
	node.state = nil
	t.mem.Release(sessionNodeSize)
}
