package rib

// trieNode is one node of a persistent (copy-on-write) binary trie over
// 32-bit IPv4 keys, one level per prefix bit with no path compression.
// Nodes are never mutated after being published; every insert/remove returns a new root that shares all untouched subtrees
// with the old one. This gives the RIB's readers (forwarding lookups) a
// lock-free, longest-prefix-match view in O(32) time per spec §4.2 and
// §5 ("read-optimised snapshot... copy-on-write or epoch-based").
//
// This is a deliberately small take on the persistent-node idiom of
// gaissmai/bart (whose InsertPersist/clone-on-write methods are the same
// idiom, see bart's retracted v0.20.5 changelog entry) trimmed to the single
// uint32-keyed, single-value-per-prefix case this RIB needs; bart's full
// generic multi-family Table[V] with popcount-compressed sparse arrays has
// no narrow single-prefix entry point that could be imported without
// vendoring the whole module, so the persistent-node shape is hand-written
// here rather than imported.
type trieNode struct {
	children [2]*trieNode
	has      bool
	value    *Route
}

func bitAt(key uint32, pos int) int {
	// pos is 0-indexed from the most significant bit.
	return int((key >> uint(31-pos)) & 1)
}

// insertPersist returns a new root with value stored at (key, length),
// sharing every subtree untouched by the insertion path with root.
func insertPersist(root *trieNode, key uint32, length int, value *Route) *trieNode {
	if root == nil {
		root = &trieNode{}
	}
	if length == 0 {
		return &trieNode{children: root.children, has: true, value: value}
	}
	b := bitAt(key, 0)
	nn := &trieNode{children: root.children, has: root.has, value: root.value}
	nn.children[b] = insertPersist(root.children[b], key<<1, length-1, value)
	return nn
}

// removePersist returns a new root with the value at (key, length) cleared,
// sharing every untouched subtree with root. Removing a prefix that is not
// present is a no-op (returns an equivalent tree).
func removePersist(root *trieNode, key uint32, length int) *trieNode {
	if root == nil {
		return nil
	}
	if length == 0 {
		if !root.has {
			return root
		}
		return &trieNode{children: root.children, has: false, value: nil}
	}
	b := bitAt(key, 0)
	if root.children[b] == nil {
		return root
	}
	nn := &trieNode{children: root.children, has: root.has, value: root.value}
	nn.children[b] = removePersist(root.children[b], key<<1, length-1)
	return nn
}

// longestMatch walks root along the bits of addr, remembering the deepest
// has=true node. Prefix length 0 matches every address; length 32 matches
// only the exact host (spec §8 boundary behaviours).
func longestMatch(root *trieNode, addr uint32) (*Route, bool) {
	n := root
	var best *Route
	found := false
	if n == nil {
		return nil, false
	}
	if n.has {
		best, found = n.value, true
	}
	for i := 0; i < 32; i++ {
		b := bitAt(addr, i)
		if n.children[b] == nil {
			break
		}
		n = n.children[b]
		if n.has {
			best, found = n.value, true
		}
	}
	return best, found
}

// walkAll invokes fn for every node with a value, in no particular order.
func walkAll(root *trieNode, fn func(v *Route)) {
	if root == nil {
		return
	}
	if root.has {
		fn(root.value)
	}
	walkAll(root.children[0], fn)
	walkAll(root.children[1], fn)
}
