// Package scope implements the hierarchical runtime namespace embedded code regions
// read from and write to.
//
// A [Node] holds its own bindings and resolves anything it doesn't have through its
// ancestors. Mutations schedule a single deferred notification that runs the listeners
// of the node and of every node below it, and a node may be blocked while the code
// that populates it is running so that readers can wait for it.
package scope

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrAttached is returned when attempting to add a node that already has a parent.
var ErrAttached = errors.New("scope is already in tree")

// AccessError is returned when reading a name bound nowhere in a node's ancestor chain.
type AccessError struct {
	Name  string // The name being read
	Scope string // ID of the node the read started from
}

// Error implements the error interface for [AccessError].
func (e AccessError) Error() string {
	return fmt.Sprintf("you're accessing %q but it isn't present in scope %q", e.Name, e.Scope)
}

// Scheduler defers a function to run later, it is how change notifications are
// coalesced: every mutation within the same tick shares one deferred flush.
type Scheduler interface {
	Defer(fn func())
}

// SchedulerFunc adapts an ordinary function to a [Scheduler].
type SchedulerFunc func(fn func())

// Defer calls f(fn).
func (f SchedulerFunc) Defer(fn func()) {
	f(fn)
}

// NextTick is the default [Scheduler], it runs fn on its own goroutine as soon as
// the runtime gets round to it.
var NextTick Scheduler = SchedulerFunc(func(fn func()) {
	time.AfterFunc(0, fn)
})

// Option is a functional option for configuring a [Node].
type Option func(*Node)

// WithScheduler sets the [Scheduler] used to deliver change notifications, nodes use
// [NextTick] by default.
func WithScheduler(scheduler Scheduler) Option {
	return func(n *Node) {
		n.scheduler = scheduler
	}
}

// WithBindings seeds the node with an initial set of bindings.
func WithBindings(bindings map[string]any) Option {
	return func(n *Node) {
		maps.Copy(n.bindings, bindings)
	}
}

// Node is a single namespace in the scope tree.
//
// A Node is safe for concurrent use. The tree is only ever locked one node at a
// time so listeners are free to call back into any node.
type Node struct {
	scheduler   Scheduler        // Delivers change notifications
	parent      *Node            // Parent node, nil for a root or detached node
	bindings    map[string]any   // Own bindings
	descendants map[string]*Node // Every node below this one by ID
	listeners   map[int]func()   // Change listeners by subscription ID
	blocked     chan struct{}    // Non nil while blocked, closed on unblock
	id          string           // Stable address of the node in the tree
	children    []*Node          // Direct children in insertion order
	nextID      int              // Next listener subscription ID
	mu          sync.Mutex       // Guards everything above
	pending     bool             // Whether a notification is already scheduled
	disposed    bool             // Whether the node has been disposed
}

// New returns a new detached [Node] with the given ID.
func New(id string, options ...Option) *Node {
	n := &Node{
		id:          id,
		scheduler:   NextTick,
		bindings:    make(map[string]any),
		descendants: make(map[string]*Node),
		listeners:   make(map[int]func()),
	}

	for _, option := range options {
		option(n)
	}

	return n
}

// ID returns the node's ID.
func (n *Node) ID() string {
	return n.id
}

// Parent returns the node's parent, or nil if it has none.
func (n *Node) Parent() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

// Children returns a snapshot of the node's direct children.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.children)
}

// Disposed reports whether the node has been disposed.
func (n *Node) Disposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disposed
}

// own returns the node's own binding for name.
func (n *Node) own(name string) (value any, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	value, ok = n.bindings[name]
	return value, ok
}

// Lookup resolves name through the node and its ancestors, own bindings shadowing
// those of an ancestor. The boolean result reports whether it was found at all.
func (n *Node) Lookup(name string) (value any, found bool) {
	for node := n; node != nil; node = node.Parent() {
		if value, ok := node.own(name); ok {
			return value, true
		}
	}
	return nil, false
}

// Get resolves name like [Node.Lookup] but returns an [AccessError] if it is bound
// nowhere in the ancestor chain.
func (n *Node) Get(name string) (any, error) {
	value, found := n.Lookup(name)
	if !found {
		return nil, AccessError{Name: name, Scope: n.id}
	}
	return value, nil
}

// Has reports whether name is bound in the node or any of its ancestors.
func (n *Node) Has(name string) bool {
	_, found := n.Lookup(name)
	return found
}

// All returns the merged view of every binding visible from the node, own
// bindings winning over those of ancestors.
func (n *Node) All() map[string]any {
	var chain []*Node
	for node := n; node != nil; node = node.Parent() {
		chain = append(chain, node)
	}

	all := make(map[string]any)
	for _, node := range slices.Backward(chain) {
		node.mu.Lock()
		maps.Copy(all, node.bindings)
		node.mu.Unlock()
	}

	return all
}

// Own returns a copy of only the node's own bindings.
func (n *Node) Own() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.bindings)
}

// Set binds name to value in the node.
func (n *Node) Set(name string, value any) {
	n.mu.Lock()
	n.bindings[name] = value
	n.mu.Unlock()

	n.changed()
}

// SetMany merges bindings into the node's own bindings.
func (n *Node) SetMany(bindings map[string]any) {
	n.mu.Lock()
	maps.Copy(n.bindings, bindings)
	n.mu.Unlock()

	n.changed()
}

// Reset clears the node's own bindings, keeping its place in the tree.
func (n *Node) Reset() {
	n.mu.Lock()
	clear(n.bindings)
	n.mu.Unlock()

	n.changed()
}

// OnChange registers listener to be called after the node, or any of its ancestors,
// changes. The returned function removes the listener.
func (n *Node) OnChange(listener func()) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disposed {
		return func() {}
	}

	id := n.nextID
	n.nextID++
	n.listeners[id] = listener

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// changed schedules a notification unless one is already pending.
func (n *Node) changed() {
	n.mu.Lock()
	if n.pending || n.disposed {
		n.mu.Unlock()
		return
	}
	n.pending = true
	scheduler := n.scheduler
	n.mu.Unlock()

	scheduler.Defer(func() {
		n.mu.Lock()
		n.pending = false
		n.mu.Unlock()

		n.notify()
	})
}

// notify calls the node's listeners and then those of every descendant.
func (n *Node) notify() {
	n.mu.Lock()
	if n.disposed {
		n.mu.Unlock()
		return
	}
	ids := slices.Sorted(maps.Keys(n.listeners))
	listeners := make([]func(), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, n.listeners[id])
	}
	children := slices.Clone(n.children)
	n.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}

	for _, child := range children {
		child.notify()
	}
}

// AddChild attaches child, and its whole subtree, below n.
//
// It returns [ErrAttached] if child already has a parent.
func (n *Node) AddChild(child *Node) error {
	if child == n {
		return fmt.Errorf("%w: cannot add %q to itself", ErrAttached, n.id)
	}

	child.mu.Lock()
	if child.parent != nil {
		child.mu.Unlock()
		return fmt.Errorf("%w: %q already has parent %q", ErrAttached, child.id, child.parent.id)
	}
	child.parent = n
	subtree := maps.Clone(child.descendants)
	child.mu.Unlock()

	subtree[child.id] = child

	n.mu.Lock()
	n.children = append(n.children, child)
	n.mu.Unlock()

	for node := n; node != nil; node = node.Parent() {
		node.mu.Lock()
		maps.Copy(node.descendants, subtree)
		node.mu.Unlock()
	}

	return nil
}

// Descendant returns the node with the given ID from anywhere below n.
func (n *Node) Descendant(id string) (*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.descendants[id]
	return node, ok
}

// Dispose detaches the node from its parent and disposes its whole subtree.
//
// Mutating a disposed node is allowed but nothing is ever notified about it.
func (n *Node) Dispose() {
	n.mu.Lock()
	parent := n.parent
	n.parent = nil
	subtree := maps.Clone(n.descendants)
	n.mu.Unlock()

	subtree[n.id] = n

	if parent != nil {
		parent.mu.Lock()
		parent.children = slices.DeleteFunc(parent.children, func(child *Node) bool { return child == n })
		parent.mu.Unlock()

		for node := parent; node != nil; node = node.Parent() {
			node.mu.Lock()
			for id, removed := range subtree {
				if node.descendants[id] == removed {
					delete(node.descendants, id)
				}
			}
			node.mu.Unlock()
		}
	}

	n.DisposeDescendants()

	n.mu.Lock()
	n.disposed = true
	clear(n.listeners)
	n.mu.Unlock()
}

// DisposeDescendants disposes every child of n, leaving n itself in place.
func (n *Node) DisposeDescendants() {
	for _, child := range n.Children() {
		child.Dispose()
	}
}

// Walk calls fn for n and then every node below it, depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, child := range n.Children() {
		child.Walk(fn)
	}
}

// FindAncestor returns the closest node, starting with n itself, for which
// predicate returns true.
func (n *Node) FindAncestor(predicate func(*Node) bool) (*Node, bool) {
	for node := n; node != nil; node = node.Parent() {
		if predicate(node) {
			return node, true
		}
	}
	return nil, false
}

// Block marks the node as being recomputed, readers waiting on it or anything
// below it will not proceed until it is unblocked.
func (n *Node) Block() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blocked == nil {
		n.blocked = make(chan struct{})
	}
}

// Unblock releases the node's own block, it has no effect on blocked ancestors.
func (n *Node) Unblock() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blocked != nil {
		close(n.blocked)
		n.blocked = nil
	}
}

// latch returns the node's block channel, nil if it isn't blocked.
func (n *Node) latch() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocked
}

// nearestBlock returns the block channel of the closest blocked node in the
// ancestor chain starting with n, or nil if none are blocked.
func (n *Node) nearestBlock() chan struct{} {
	for node := n; node != nil; node = node.Parent() {
		if latch := node.latch(); latch != nil {
			return latch
		}
	}
	return nil
}

// IsBlocked reports whether the node or any of its ancestors is blocked.
func (n *Node) IsBlocked() bool {
	return n.nearestBlock() != nil
}

// WaitForUnblock waits until nothing in the node's ancestor chain is blocked, it
// returns immediately if nothing is.
//
// Unblocking a node only releases waiters if no other node further up the chain is
// still blocked, the chain is re-checked every time a block is released.
func (n *Node) WaitForUnblock(ctx context.Context) error {
	for {
		latch := n.nearestBlock()
		if latch == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for scope %q to unblock: %w", n.id, ctx.Err())
		case <-latch:
		}
	}
}
