// Package pipeline runs a transaction bundle through an ordered tree of
// filters and handlers in three phases: pre, handle and post.
package pipeline

import "github.com/veesix-networks/ipv6-dhcpd/pkg/bundle"

// Handler is a pipeline leaf. Any phase may be a no-op; embed Base to get
// no-ops for free. A phase aborts the pipeline by returning one of the
// abort errors in this package; any other error from Pre or Handle aborts
// the bundle and is counted as a handling error, while errors from Post are
// logged and swallowed.
type Handler interface {
	Name() string
	Pre(b *bundle.Bundle) error
	Handle(b *bundle.Bundle) error
	Post(b *bundle.Bundle) error
}

// Filter guards a nested pipeline. When Matches returns false the filter
// and its whole subtree are skipped for every phase; when it matches, the
// filter's own phases run before its children's.
type Filter interface {
	Handler
	Matches(b *bundle.Bundle) (bool, error)
}

// WorkerIniter is implemented by handlers that need per-worker setup that
// must not happen before privileges are dropped (database connections and
// the like).
type WorkerIniter interface {
	WorkerInit() error
}

// WorkerShutdowner is implemented by handlers holding per-worker resources.
type WorkerShutdowner interface {
	WorkerShutdown() error
}

// Base provides no-op phases for embedding.
type Base struct{}

func (Base) Pre(*bundle.Bundle) error    { return nil }
func (Base) Handle(*bundle.Bundle) error { return nil }
func (Base) Post(*bundle.Bundle) error   { return nil }

// Node is one element of a pipeline: either a handler leaf or a filter
// with a nested pipeline.
type Node struct {
	Handler  Handler
	Filter   Filter
	Children []*Node
}

// HandlerNode wraps a handler as a leaf node.
func HandlerNode(h Handler) *Node {
	return &Node{Handler: h}
}

// FilterNode wraps a filter and its subtree.
func FilterNode(f Filter, children ...*Node) *Node {
	return &Node{Filter: f, Children: children}
}

// walk applies fn to every handler and worker-aware filter in the tree.
func walk(nodes []*Node, fn func(any) error) error {
	for _, n := range nodes {
		if n.Handler != nil {
			if err := fn(n.Handler); err != nil {
				return err
			}
		}
		if n.Filter != nil {
			if err := fn(n.Filter); err != nil {
				return err
			}
			if err := walk(n.Children, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
