package scope_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/test"
	"go.uber.org/goleak"
)

func TestLookup(t *testing.T) {
	root := scope.New("root", scope.WithBindings(map[string]any{"x": 1, "y": "root"}))
	child := scope.New("child", scope.WithBindings(map[string]any{"y": "child"}))
	test.Ok(t, root.AddChild(child))

	tests := []struct {
		node  *scope.Node // Node to look up from
		want  any         // Expected value
		name  string      // Name to look up
		found bool        // Expected found
	}{
		{node: root, name: "x", want: 1, found: true},
		{node: child, name: "x", want: 1, found: true},
		{node: root, name: "y", want: "root", found: true},
		{node: child, name: "y", want: "child", found: true},
		{node: child, name: "missing", want: nil, found: false},
	}

	for _, tt := range tests {
		t.Run(tt.node.ID()+"/"+tt.name, func(t *testing.T) {
			got, found := tt.node.Lookup(tt.name)
			test.Equal(t, found, tt.found)
			test.Equal(t, got, tt.want)
			test.Equal(t, tt.node.Has(tt.name), tt.found)
		})
	}
}

func TestGetMissing(t *testing.T) {
	root := scope.New("root")
	child := scope.New("root/0")
	test.Ok(t, root.AddChild(child))

	_, err := child.Get("nope")
	test.Err(t, err)

	var access scope.AccessError
	test.True(t, errors.As(err, &access), test.Context("error should be an AccessError, got %T", err))
	test.Equal(t, access.Name, "nope")
	test.Equal(t, access.Scope, "root/0")
}

func TestShadowingDoesNotLeakToSiblings(t *testing.T) {
	root := scope.New("root", scope.WithBindings(map[string]any{"name": "ancestor"}))
	left := scope.New("left")
	right := scope.New("right")
	test.Ok(t, root.AddChild(left))
	test.Ok(t, root.AddChild(right))

	left.Set("name", "left")

	got, err := left.Get("name")
	test.Ok(t, err)
	test.Equal(t, got, "left")

	got, err = right.Get("name")
	test.Ok(t, err)
	test.Equal(t, got, "ancestor")

	got, err = root.Get("name")
	test.Ok(t, err)
	test.Equal(t, got, "ancestor")
}

func TestAll(t *testing.T) {
	root := scope.New("root", scope.WithBindings(map[string]any{"a": 1, "b": 2}))
	child := scope.New("child", scope.WithBindings(map[string]any{"b": 3, "c": 4}))
	test.Ok(t, root.AddChild(child))

	test.EqualFunc(t, child.All(), map[string]any{"a": 1, "b": 3, "c": 4}, mapsEqual)
	test.EqualFunc(t, child.Own(), map[string]any{"b": 3, "c": 4}, mapsEqual)
}

func TestReset(t *testing.T) {
	root := scope.New("root", scope.WithBindings(map[string]any{"a": 1}))
	child := scope.New("child", scope.WithBindings(map[string]any{"a": 2, "b": 3}))
	test.Ok(t, root.AddChild(child))

	child.Reset()

	got, err := child.Get("a")
	test.Ok(t, err)
	test.Equal(t, got, 1)
	test.False(t, child.Has("b"))
	test.Equal(t, child.Parent(), root)
}

func TestAddChildTwice(t *testing.T) {
	first := scope.New("first")
	second := scope.New("second")
	child := scope.New("child")

	test.Ok(t, first.AddChild(child))

	err := second.AddChild(child)
	test.Err(t, err)
	test.True(t, errors.Is(err, scope.ErrAttached))

	test.True(t, errors.Is(child.AddChild(child), scope.ErrAttached))
}

func TestDescendant(t *testing.T) {
	root := scope.New("root")
	page := scope.New("page/note.md")
	first := scope.New("page/note.md/0")
	second := scope.New("page/note.md/1")

	// Build the subtree before attaching it, descendants must still be addressable
	test.Ok(t, page.AddChild(first))
	test.Ok(t, first.AddChild(second))
	test.Ok(t, root.AddChild(page))

	for _, id := range []string{"page/note.md", "page/note.md/0", "page/note.md/1"} {
		node, ok := root.Descendant(id)
		test.True(t, ok, test.Context("%s should be a descendant of root", id))
		test.Equal(t, node.ID(), id)
	}

	node, ok := page.Descendant("page/note.md/1")
	test.True(t, ok)
	test.Equal(t, node, second)
}

func TestDispose(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := &queue{}
	root := scope.New("root", scope.WithScheduler(q))
	page := scope.New("page", scope.WithScheduler(q))
	first := scope.New("page/0", scope.WithScheduler(q))
	second := scope.New("page/1", scope.WithScheduler(q))

	test.Ok(t, root.AddChild(page))
	test.Ok(t, page.AddChild(first))
	test.Ok(t, first.AddChild(second))

	var calls int
	second.OnChange(func() { calls++ })

	first.Dispose()

	for _, id := range []string{"page/0", "page/1"} {
		_, ok := root.Descendant(id)
		test.False(t, ok, test.Context("%s should no longer be addressable from root", id))
		_, ok = page.Descendant(id)
		test.False(t, ok, test.Context("%s should no longer be addressable from page", id))
	}

	test.Equal(t, len(page.Children()), 0)
	test.True(t, first.Disposed())
	test.True(t, second.Disposed())
	test.Equal(t, first.Parent(), (*scope.Node)(nil))

	// Mutating a disposed node is fine but nobody hears about it
	first.Set("x", 1)
	second.Set("y", 2)
	page.Set("z", 3)
	q.flush()

	test.Equal(t, calls, 0)
}

func TestDisposeDescendants(t *testing.T) {
	root := scope.New("root")
	page := scope.New("page")
	test.Ok(t, root.AddChild(page))

	for _, id := range []string{"page/0", "page/1", "page/2"} {
		test.Ok(t, page.AddChild(scope.New(id)))
	}

	page.DisposeDescendants()

	test.Equal(t, len(page.Children()), 0)
	_, ok := root.Descendant("page/1")
	test.False(t, ok)
	_, ok = root.Descendant("page")
	test.True(t, ok)
	test.False(t, page.Disposed())
}

func TestNotificationsCoalesce(t *testing.T) {
	q := &queue{}
	root := scope.New("root", scope.WithScheduler(q))
	child := scope.New("child", scope.WithScheduler(q))
	grandchild := scope.New("grandchild", scope.WithScheduler(q))
	test.Ok(t, root.AddChild(child))
	test.Ok(t, child.AddChild(grandchild))

	var rootCalls, childCalls, grandchildCalls int
	root.OnChange(func() { rootCalls++ })
	child.OnChange(func() { childCalls++ })
	unsubscribe := grandchild.OnChange(func() { grandchildCalls++ })

	child.Set("a", 1)
	child.Set("b", 2)
	child.SetMany(map[string]any{"c": 3, "d": 4})

	test.Equal(t, childCalls, 0, test.Context("notifications must be deferred"))

	q.flush()

	test.Equal(t, rootCalls, 0, test.Context("ancestors are not notified of a child change"))
	test.Equal(t, childCalls, 1, test.Context("several sets in one tick should notify once"))
	test.Equal(t, grandchildCalls, 1, test.Context("descendants should be notified"))

	unsubscribe()
	root.Set("e", 5)
	q.flush()

	test.Equal(t, rootCalls, 1)
	test.Equal(t, childCalls, 2)
	test.Equal(t, grandchildCalls, 1, test.Context("unsubscribed listener should not be called"))
}

func TestNextTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := scope.New("root")
	done := make(chan struct{})
	node.OnChange(func() { close(done) })

	node.Set("x", 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener not called within a second")
	}
}

func TestFindAncestor(t *testing.T) {
	root := scope.New("root")
	page := scope.New("page/note.md")
	region := scope.New("page/note.md/0")
	test.Ok(t, root.AddChild(page))
	test.Ok(t, page.AddChild(region))

	found, ok := region.FindAncestor(func(n *scope.Node) bool { return n.ID() == "page/note.md" })
	test.True(t, ok)
	test.Equal(t, found, page)

	found, ok = region.FindAncestor(func(n *scope.Node) bool { return n == region })
	test.True(t, ok)
	test.Equal(t, found, region)

	_, ok = page.FindAncestor(func(n *scope.Node) bool { return n == region })
	test.False(t, ok)
}

func TestWalk(t *testing.T) {
	root := scope.New("root")
	a := scope.New("a")
	b := scope.New("b")
	c := scope.New("c")
	test.Ok(t, root.AddChild(a))
	test.Ok(t, a.AddChild(b))
	test.Ok(t, root.AddChild(c))

	var visited []string
	root.Walk(func(n *scope.Node) { visited = append(visited, n.ID()) })

	test.EqualFunc(t, visited, []string{"root", "a", "b", "c"}, slices.Equal)
}

func TestWaitForUnblockImmediate(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := scope.New("root")
	child := scope.New("child")
	test.Ok(t, root.AddChild(child))

	test.False(t, child.IsBlocked())

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	test.Ok(t, child.WaitForUnblock(ctx))
}

func TestWaitForUnblockNested(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := scope.New("root")
	parent := scope.New("parent")
	child := scope.New("child")
	reader := scope.New("reader")
	test.Ok(t, root.AddChild(parent))
	test.Ok(t, parent.AddChild(child))
	test.Ok(t, child.AddChild(reader))

	parent.Block()
	child.Block()

	test.True(t, reader.IsBlocked())

	done := make(chan error, 1)
	go func() {
		done <- reader.WaitForUnblock(t.Context())
	}()

	child.Unblock()

	select {
	case err := <-done:
		t.Fatalf("waiter resolved while parent still blocked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	test.True(t, reader.IsBlocked(), test.Context("parent is still blocked"))

	parent.Unblock()

	select {
	case err := <-done:
		test.Ok(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released after every block was lifted")
	}

	test.False(t, reader.IsBlocked())
}

func TestWaitForUnblockCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	node := scope.New("root")
	node.Block()
	defer node.Unblock()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := node.WaitForUnblock(ctx)
	test.Err(t, err)
	test.True(t, errors.Is(err, context.Canceled))
}

// queue is a [scope.Scheduler] that holds deferred functions until flushed so
// tests control exactly when a tick ends.
type queue struct {
	fns []func()
	mu  sync.Mutex
}

func (q *queue) Defer(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fns = append(q.fns, fn)
}

func (q *queue) flush() {
	q.mu.Lock()
	fns := q.fns
	q.fns = nil
	q.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		if other, ok := b[key]; !ok || other != value {
			return false
		}
	}
	return true
}
