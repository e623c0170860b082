// Package tree defines the read-only view of the observed application's UI tree.
//
// The tree is owned by an external accessor. The relay only borrows it for the
// duration of one extraction pass and never mutates it.
package tree

import (
	"context"
	"errors"
	"strings"
)

// MaxDepth bounds every recursive walk over a borrowed tree.
const MaxDepth = 15

// ErrUnavailable means the accessor has no tree for the target application right now.
// This is a normal, frequent outcome (app in background, screen off, capture lag).
var ErrUnavailable = errors.New("tree unavailable")

// Node is a single labeled node of the observed UI.
// Child may return nil for slots the accessor could not resolve.
type Node interface {
	Text() string
	Description() string
	ID() string
	ClassName() string
	ChildCount() int
	Child(i int) Node
	Parent() Node
}

// Finder is implemented by accessors that provide a native text search
// (label or description contains the given substring).
type Finder interface {
	FindByText(text string) []Node
}

// Source returns the current root for the configured application identity.
type Source interface {
	Root(ctx context.Context) (Node, error)
}

// Walk visits nodes depth-first, pre-order, down to MaxDepth.
// Returning false from fn stops the walk.
func Walk(root Node, fn func(n Node, depth int) bool) {
	if isNil(root) {
		return
	}
	walk(root, 0, fn)
}

func walk(n Node, depth int, fn func(Node, int) bool) bool {
	if depth > MaxDepth {
		return true
	}
	if !fn(n, depth) {
		return false
	}
	for i := 0; i < n.ChildCount(); i++ {
		child := n.Child(i)
		if isNil(child) {
			continue
		}
		if !walk(child, depth+1, fn) {
			return false
		}
	}
	return true
}

// FindByText returns nodes whose label or description contains text.
// Uses the accessor's native search when the root implements Finder.
func FindByText(root Node, text string) []Node {
	if isNil(root) || text == "" {
		return nil
	}
	if f, ok := root.(Finder); ok {
		return f.FindByText(text)
	}

	var found []Node
	Walk(root, func(n Node, _ int) bool {
		if strings.Contains(n.Text(), text) || strings.Contains(n.Description(), text) {
			found = append(found, n)
		}
		return true
	})
	return found
}

// isNil catches typed-nil nodes handed out by accessors.
func isNil(n Node) bool {
	if n == nil {
		return true
	}
	if e, ok := n.(*Element); ok && e == nil {
		return true
	}
	return false
}
