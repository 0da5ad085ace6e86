package router

import (
	"sort"
	"strings"
)

type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(route)
}

func (r *cmdNode) add(route []string, c Command) *cmdNode {
	cur := r
	for _, tok := range route {
		n, ok := cur.children[tok]
		if !ok {
			n = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = n
		}
		cur = n
	}
	cur.cmd = &c
	return cur
}

func (r *cmdNode) child(name string) (*cmdNode, bool) {
	n, ok := r.children[name]
	return n, ok
}

func (r *cmdNode) childNames() []string {
	out := make([]string, 0, len(r.children))
	for k := range r.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// leaves returns every command at or below r, ordered by route.
func (r *cmdNode) leaves() []Command {
	var out []Command
	var walk func(n *cmdNode)
	walk = func(n *cmdNode) {
		if n.cmd != nil {
			out = append(out, *n.cmd)
		}
		for _, name := range n.childNames() {
			walk(n.children[name])
		}
	}
	walk(r)
	return out
}
