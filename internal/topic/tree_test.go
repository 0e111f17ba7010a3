package topic

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenzoki/treebus/internal/wire"
)

func TestChain(t *testing.T) {
	assert.Equal(t, []string{"/", "/a", "/a/b"}, Chain("/a/b"))
	assert.Equal(t, []string{"a", "a/b"}, Chain("a/b"))
	assert.Equal(t, []string{"/"}, Chain("/"))
	assert.Equal(t, []string{"/"}, Chain(""))
	assert.Equal(t, []string{"/", "/a"}, Chain("/a"))
	assert.Equal(t, []string{"a"}, Chain("a"))
	// Trailing slashes do not mint extra nodes.
	assert.Equal(t, []string{"/", "/a"}, Chain("/a/"))
}

func TestPutGet(t *testing.T) {
	tree := NewTree()

	_, ok := tree.Get("/a")
	assert.False(t, ok)

	tree.Put("/a", "v1")
	got, ok := tree.Get("/a")
	require.True(t, ok)
	assert.Equal(t, "v1", got)

	tree.Put("/a", "v2")
	got, _ = tree.Get("/a")
	assert.Equal(t, "v2", got)
}

func TestRetentionIsPerNode(t *testing.T) {
	tree := NewTree()

	tree.Put("/a/b", "deep")
	tree.Put("/a", "top")

	got, ok := tree.Get("/a/b")
	require.True(t, ok)
	assert.Equal(t, "deep", got)

	// Ancestors never inherit retained values.
	_, ok = tree.Get("/")
	assert.False(t, ok)
}

func TestNamespacesAreDisjoint(t *testing.T) {
	tree := NewTree()

	tree.Put("/a/b", "absolute")
	_, ok := tree.Get("a/b")
	assert.False(t, ok)

	tree.Put("a/b", "relative")
	got, _ := tree.Get("/a/b")
	assert.Equal(t, "absolute", got)
	got, _ = tree.Get("a/b")
	assert.Equal(t, "relative", got)
}

func TestAddSubscriber(t *testing.T) {
	tree := NewTree()

	tree.AddSubscriber("/t", Subscriber{ConnID: "c1", Format: wire.FormatJSON})
	tree.AddSubscriber("/t", Subscriber{ConnID: "c2", Format: wire.FormatXML})

	subs := tree.SubscribersOf("/t")
	require.Len(t, subs, 2)
	assert.Equal(t, "c1", subs[0].ConnID)
	assert.Equal(t, "c2", subs[1].ConnID)

	// Ancestors hold no subscribers of their own.
	assert.Empty(t, tree.SubscribersOf("/"))
}

func TestAddSubscriberUpdatesExistingEntry(t *testing.T) {
	tree := NewTree()

	tree.AddSubscriber("/t", Subscriber{ConnID: "c1", Format: wire.FormatJSON})
	tree.AddSubscriber("/t", Subscriber{ConnID: "c1", Format: wire.FormatObject})

	subs := tree.SubscribersOf("/t")
	require.Len(t, subs, 1)
	assert.Equal(t, wire.FormatObject, subs[0].Format)
}

func TestRemoveSubscriber(t *testing.T) {
	tree := NewTree()

	tree.AddSubscriber("/t", Subscriber{ConnID: "c1"})
	tree.AddSubscriber("/t", Subscriber{ConnID: "c2"})

	assert.True(t, tree.RemoveSubscriber("/t", "c1"))
	assert.False(t, tree.RemoveSubscriber("/t", "c1"))
	assert.False(t, tree.RemoveSubscriber("/missing", "c1"))

	subs := tree.SubscribersOf("/t")
	require.Len(t, subs, 1)
	assert.Equal(t, "c2", subs[0].ConnID)
}

func TestRemoveEverywhere(t *testing.T) {
	tree := NewTree()

	tree.AddSubscriber("/a", Subscriber{ConnID: "gone"})
	tree.AddSubscriber("/a/b", Subscriber{ConnID: "gone"})
	tree.AddSubscriber("x/y", Subscriber{ConnID: "gone"})
	tree.AddSubscriber("/a/b", Subscriber{ConnID: "stays"})

	tree.RemoveEverywhere("gone")

	assert.Empty(t, tree.SubscribersOf("/a"))
	assert.Empty(t, tree.SubscribersOf("x/y"))
	subs := tree.SubscribersOf("/a/b")
	require.Len(t, subs, 1)
	assert.Equal(t, "stays", subs[0].ConnID)
}

func TestWalkVisitsChainRootToTerminal(t *testing.T) {
	tree := NewTree()
	tree.AddSubscriber("/", Subscriber{ConnID: "root"})
	tree.AddSubscriber("/a/b", Subscriber{ConnID: "mid"})

	var keys []string
	var seen []string
	tree.Walk("/a/b/c", func(key string, subs []Subscriber) {
		keys = append(keys, key)
		for _, s := range subs {
			seen = append(seen, s.ConnID)
		}
	})

	assert.Equal(t, []string{"/", "/a", "/a/b", "/a/b/c"}, keys)
	assert.Equal(t, []string{"root", "mid"}, seen)
}

func TestWalkRelativeSkipsRoot(t *testing.T) {
	tree := NewTree()
	tree.AddSubscriber("/", Subscriber{ConnID: "root"})

	var keys []string
	var seen []string
	tree.Walk("a/b", func(key string, subs []Subscriber) {
		keys = append(keys, key)
		for _, s := range subs {
			seen = append(seen, s.ConnID)
		}
	})

	assert.Equal(t, []string{"a", "a/b"}, keys)
	assert.Empty(t, seen)
}

func TestListVisible(t *testing.T) {
	tree := NewTree()

	tree.Put("/a", 1)
	tree.Put("/a/b", 2)
	tree.Put("x", 3)
	// Subscribed-to but never published: visible without a retained value.
	tree.AddSubscriber("/only-subscribed", Subscriber{ConnID: "c"})

	got := tree.ListVisible()
	sort.Strings(got)
	assert.Equal(t, []string{"/a", "/a/b", "x"}, got)
}
