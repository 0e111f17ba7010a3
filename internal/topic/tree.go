// Package topic implements the broker's hierarchical topic tree.
//
// Topics are '/'-separated paths in two disjoint namespaces: absolute paths
// beginning with '/' (whose common ancestor is the root node "/") and
// relative paths without the leading slash. Each node holds the last value
// published to it, a visibility flag, and the subscribers of that exact
// node. Subscribers reference connections by ID only; connection state is
// owned by the broker's registry.
//
// The tree is single-owner state: the broker's run loop is the only caller,
// so no locking is done here.
package topic

import (
	"strings"

	"github.com/tenzoki/treebus/internal/wire"
)

// Subscriber pairs a connection handle with the wire format the broker must
// use when delivering to it.
type Subscriber struct {
	ConnID string
	Format wire.Format
}

// Node is one topic in the tree. Children are keyed by their full joined
// path (the children of "/a" are keyed "/a/b", the children of "a" are keyed
// "a/b"), matching the keys Chain produces.
type Node struct {
	retained    any
	hasRetained bool
	visible     bool
	subs        []Subscriber
	children    map[string]*Node
}

func newNode() *Node {
	return &Node{children: make(map[string]*Node)}
}

// Tree is the root of the topic hierarchy. Top-level keys keep the two path
// namespaces apart: "/" for absolute paths (with "/a" and deeper keys below
// it), bare first segments for relative ones.
type Tree struct {
	roots map[string]*Node
}

func NewTree() *Tree {
	return &Tree{roots: make(map[string]*Node)}
}

// Chain expands a topic path into the node keys from its namespace root down
// to the terminal node:
//
//	Chain("/a/b") = ["/", "/a", "/a/b"]
//	Chain("a/b")  = ["a", "a/b"]
//	Chain("/")    = ["/"]
//
// Empty segments are dropped, so trailing slashes do not mint extra nodes.
// An empty path names the absolute root.
func Chain(path string) []string {
	segs := strings.Split(path, "/")
	if segs[0] == "" {
		chain := []string{"/"}
		key := ""
		for _, s := range segs[1:] {
			if s == "" {
				continue
			}
			key += "/" + s
			chain = append(chain, key)
		}
		return chain
	}
	chain := []string{segs[0]}
	key := segs[0]
	for _, s := range segs[1:] {
		if s == "" {
			continue
		}
		key += "/" + s
		chain = append(chain, key)
	}
	return chain
}

// findOrCreate walks the chain for path, creating every missing node, and
// returns the terminal node.
func (t *Tree) findOrCreate(path string) *Node {
	chain := Chain(path)
	n, ok := t.roots[chain[0]]
	if !ok {
		n = newNode()
		t.roots[chain[0]] = n
	}
	for _, key := range chain[1:] {
		child, ok := n.children[key]
		if !ok {
			child = newNode()
			n.children[key] = child
		}
		n = child
	}
	return n
}

// find returns the terminal node for path without creating anything.
func (t *Tree) find(path string) (*Node, bool) {
	chain := Chain(path)
	n, ok := t.roots[chain[0]]
	if !ok {
		return nil, false
	}
	for _, key := range chain[1:] {
		n, ok = n.children[key]
		if !ok {
			return nil, false
		}
	}
	return n, true
}

// Put stores value as the retained value of path's terminal node and marks
// it visible, creating the path as needed. Ancestors are untouched: each
// node retains its own value.
func (t *Tree) Put(path string, value any) {
	n := t.findOrCreate(path)
	n.retained = value
	n.hasRetained = true
	n.visible = true
}

// Get returns the retained value at path, if the node exists and one has
// been published.
func (t *Tree) Get(path string) (any, bool) {
	n, ok := t.find(path)
	if !ok || !n.hasRetained {
		return nil, false
	}
	return n.retained, true
}

// AddSubscriber appends sub to path's terminal node and marks it visible,
// creating the path as needed. A connection already present on the node is
// updated in place rather than duplicated.
func (t *Tree) AddSubscriber(path string, sub Subscriber) {
	n := t.findOrCreate(path)
	n.visible = true
	for i := range n.subs {
		if n.subs[i].ConnID == sub.ConnID {
			n.subs[i] = sub
			return
		}
	}
	n.subs = append(n.subs, sub)
}

// SubscribersOf returns the subscribers of path's terminal node only;
// ancestors are not included.
func (t *Tree) SubscribersOf(path string) []Subscriber {
	n, ok := t.find(path)
	if !ok {
		return nil
	}
	out := make([]Subscriber, len(n.subs))
	copy(out, n.subs)
	return out
}

// RemoveSubscriber removes the first entry for connID on path's terminal
// node and reports whether one was found.
func (t *Tree) RemoveSubscriber(path, connID string) bool {
	n, ok := t.find(path)
	if !ok {
		return false
	}
	for i := range n.subs {
		if n.subs[i].ConnID == connID {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveEverywhere removes every entry for connID from every node in the
// tree. Called when a connection goes away.
func (t *Tree) RemoveEverywhere(connID string) {
	var strip func(n *Node)
	strip = func(n *Node) {
		kept := n.subs[:0]
		for _, s := range n.subs {
			if s.ConnID != connID {
				kept = append(kept, s)
			}
		}
		n.subs = kept
		for _, c := range n.children {
			strip(c)
		}
	}
	for _, n := range t.roots {
		strip(n)
	}
}

// Walk visits each node on path's chain in root-to-terminal order, creating
// missing nodes on the way, and hands fn the node key and a snapshot of its
// subscribers. This is the publish fan-out order: ancestor subscribers see a
// message before deeper ones.
func (t *Tree) Walk(path string, fn func(key string, subs []Subscriber)) {
	chain := Chain(path)
	n, ok := t.roots[chain[0]]
	if !ok {
		n = newNode()
		t.roots[chain[0]] = n
	}
	fn(chain[0], snapshot(n.subs))
	for _, key := range chain[1:] {
		child, ok := n.children[key]
		if !ok {
			child = newNode()
			n.children[key] = child
		}
		n = child
		fn(key, snapshot(n.subs))
	}
}

func snapshot(subs []Subscriber) []Subscriber {
	out := make([]Subscriber, len(subs))
	copy(out, subs)
	return out
}

// ListVisible returns the key of every node that is visible and currently
// holds a retained value, in pre-order. Sibling order follows map iteration;
// keys are unique so the result has no duplicates.
func (t *Tree) ListVisible() []string {
	out := []string{}
	var visit func(key string, n *Node)
	visit = func(key string, n *Node) {
		if n.visible && n.hasRetained {
			out = append(out, key)
		}
		for k, c := range n.children {
			visit(k, c)
		}
	}
	for k, n := range t.roots {
		visit(k, n)
	}
	return out
}
