package cyphal

import (
	"math/rand"
	"testing"
	"unsafe"
)

type kvNode struct {
	base TreeNode // Must be first field due to use of unsafe.
	key  int
}

func kvFromTree(n *TreeNode) *kvNode { return (*kvNode)(unsafe.Pointer(n)) }

func predicateKV(userRef any, n *TreeNode) int8 {
	sought := userRef.(int)
	other := kvFromTree(n).key
	if sought == other {
		return 0
	}
	return bsign(sought > other)
}

func kvInsert(t *testing.T, root **TreeNode, key int) *kvNode {
	t.Helper()
	got, existed, err := search(root, key, predicateKV, func(any) *TreeNode {
		n := &kvNode{key: key}
		return &n.base
	})
	if err != nil {
		t.Fatalf("insert %d: %v", key, err)
	}
	if existed {
		t.Fatalf("insert %d: unexpected existing node", key)
	}
	return kvFromTree(got)
}

func kvKeys(root *TreeNode) (keys []int) {
	traverseInOrder(root, func(n *TreeNode) error {
		keys = append(keys, kvFromTree(n).key)
		return nil
	})
	return keys
}

func TestAVLInsertOrdered(t *testing.T) {
	var root *TreeNode
	rng := rand.New(rand.NewSource(1))
	const N = 512
	inserted := make(map[int]bool)
	for len(inserted) < N {
		k := rng.Intn(10 * N)
		if inserted[k] {
			continue
		}
		inserted[k] = true
		kvInsert(t, &root, k)
	}
	keys := kvKeys(root)
	if len(keys) != N {
		t.Fatalf("got %d keys, want %d", len(keys), N)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys out of order at %d: %d >= %d", i, keys[i-1], keys[i])
		}
	}
	// AVL height bound: 1.44*log2(N+2).
	if h := root.Height(); h > 14 {
		t.Fatalf("tree height %d exceeds AVL bound for %d nodes", h, N)
	}
}

func TestAVLSearchExisting(t *testing.T) {
	var root *TreeNode
	for _, k := range []int{5, 1, 9, 3, 7} {
		kvInsert(t, &root, k)
	}
	got, existed, err := search(&root, 3, predicateKV, nil)
	if err != nil || !existed {
		t.Fatalf("search existing: existed=%v err=%v", existed, err)
	}
	if kvFromTree(got).key != 3 {
		t.Fatalf("found wrong node: key=%d", kvFromTree(got).key)
	}
	_, _, err = search(&root, 4, predicateKV, nil)
	if err == nil {
		t.Fatal("search of absent key with nil factory must fail")
	}
}

func TestAVLFactoryNilMeansMemoryError(t *testing.T) {
	var root *TreeNode
	kvInsert(t, &root, 1)
	_, _, err := search(&root, 2, predicateKV, func(any) *TreeNode { return nil })
	if err != ErrMemory {
		t.Fatalf("got %v, want ErrMemory", err)
	}
	if root.len() != 1 {
		t.Fatalf("failed insert must not alter the tree, len=%d", root.len())
	}
}

func TestAVLRemove(t *testing.T) {
	var root *TreeNode
	nodes := make(map[int]*kvNode)
	const N = 256
	for k := 0; k < N; k++ {
		nodes[k] = kvInsert(t, &root, k)
	}
	rng := rand.New(rand.NewSource(2))
	alive := make(map[int]bool, N)
	for k := range nodes {
		alive[k] = true
	}
	for k, node := range nodes {
		if rng.Intn(2) == 0 {
			continue
		}
		remove(&root, &node.base)
		delete(alive, k)
		if root.len() != len(alive) {
			t.Fatalf("len=%d after removing %d, want %d", root.len(), k, len(alive))
		}
	}
	for _, k := range kvKeys(root) {
		if !alive[k] {
			t.Fatalf("removed key %d still present", k)
		}
	}
	if got := root.len(); got != len(alive) {
		t.Fatalf("final len=%d, want %d", got, len(alive))
	}
}

func TestAVLExtremum(t *testing.T) {
	var root *TreeNode
	if findExtremum(root, false) != nil || findExtremum(root, true) != nil {
		t.Fatal("extremum of empty tree must be nil")
	}
	for _, k := range []int{42, 13, 77, 1, 99} {
		kvInsert(t, &root, k)
	}
	if k := kvFromTree(findExtremum(root, false)).key; k != 1 {
		t.Fatalf("min=%d, want 1", k)
	}
	if k := kvFromTree(findExtremum(root, true)).key; k != 99 {
		t.Fatalf("max=%d, want 99", k)
	}
}

func TestAVLTraverseInOrderShortCircuits(t *testing.T) {
	var root *TreeNode
	for k := 0; k < 10; k++ {
		kvInsert(t, &root, k)
	}
	visited := 0
	err := traverseInOrder(root, func(n *TreeNode) error {
		visited++
		if kvFromTree(n).key == 4 {
			return ErrCapacity
		}
		return nil
	})
	if err != ErrCapacity {
		t.Fatalf("got %v, want short-circuit error", err)
	}
	if visited != 5 {
		t.Fatalf("visited %d nodes, want 5", visited)
	}
}

func TestAVLTraversePostOrderVisitsAllOnce(t *testing.T) {
	var root *TreeNode
	const N = 100
	for k := 0; k < N; k++ {
		kvInsert(t, &root, k)
	}
	seen := make(map[int]int)
	traversePostOrder(root, func(n *TreeNode) {
		seen[kvFromTree(n).key]++
	})
	if len(seen) != N {
		t.Fatalf("visited %d distinct nodes, want %d", len(seen), N)
	}
	for k, c := range seen {
		if c != 1 {
			t.Fatalf("key %d visited %d times", k, c)
		}
	}
}
