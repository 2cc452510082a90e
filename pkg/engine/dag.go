package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Validate performs the pre-flight check of a flow graph: node names must be
// unique, every step requirement must be bound by the initial keys or by an
// earlier sibling of an enclosing sequence, and branches of a parallel group
// may neither depend on each other nor provide the same key.
func Validate(node Node, initial []string) error {
	if node == nil {
		return fmt.Errorf("%w: flow is empty", ErrInvalidFlow)
	}
	v := &graphValidator{names: make(map[string]bool)}
	avail := make(map[string]bool, len(initial))
	for _, k := range initial {
		avail[k] = true
	}
	_, err := v.check(node, avail)
	return err
}

type graphValidator struct {
	names map[string]bool
}

func (v *graphValidator) claim(name string) error {
	if name == "" {
		return fmt.Errorf("%w: node has empty name", ErrInvalidFlow)
	}
	if v.names[name] {
		return fmt.Errorf("%w: duplicate node name %q", ErrInvalidFlow, name)
	}
	v.names[name] = true
	return nil
}

// check returns the keys provided by node. avail is never modified.
func (v *graphValidator) check(node Node, avail map[string]bool) ([]string, error) {
	if err := v.claim(node.Name()); err != nil {
		return nil, err
	}

	switch n := node.(type) {
	case *Task:
		var missing []string
		for _, key := range n.RequiredKeys() {
			if !avail[key] {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return nil, &MissingDependencyError{Step: n.Name(), Missing: missing}
		}
		return n.ProvidedKeys(), nil

	case *Sequence:
		local := make(map[string]bool, len(avail))
		for k := range avail {
			local[k] = true
		}
		var provided []string
		for _, child := range n.children {
			keys, err := v.check(child, local)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				local[k] = true
			}
			provided = append(provided, keys...)
		}
		return provided, nil

	case *Parallel:
		owner := make(map[string]string)
		var provided []string
		for _, child := range n.children {
			keys, err := v.check(child, avail)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				if other, dup := owner[k]; dup {
					return nil, fmt.Errorf("%w: %s and %s both provide %q in parallel group %s",
						ErrInvalidFlow, other, child.Name(), k, n.Name())
				}
				owner[k] = child.Name()
			}
			provided = append(provided, keys...)
		}
		return provided, nil

	case *Retry:
		if n.child == nil {
			return nil, fmt.Errorf("%w: retry %s wraps nothing", ErrInvalidFlow, n.Name())
		}
		return v.check(n.child, avail)

	default:
		return nil, fmt.Errorf("%w: unsupported node type %T", ErrInvalidFlow, node)
	}
}

// Walk visits node and its descendants depth-first.
func Walk(node Node, fn func(n Node, depth int)) {
	walk(node, 0, fn)
}

func walk(node Node, depth int, fn func(n Node, depth int)) {
	if node == nil {
		return
	}
	fn(node, depth)
	switch n := node.(type) {
	case *Sequence:
		for _, c := range n.children {
			walk(c, depth+1, fn)
		}
	case *Parallel:
		for _, c := range n.children {
			walk(c, depth+1, fn)
		}
	case *Retry:
		walk(n.child, depth+1, fn)
	}
}

// Tasks returns every task in node in declaration order.
func Tasks(node Node) []*Task {
	var tasks []*Task
	Walk(node, func(n Node, _ int) {
		if t, ok := n.(*Task); ok {
			tasks = append(tasks, t)
		}
	})
	return tasks
}

// Describe renders the structure of node as an indented outline. Two graphs
// with the same shape, names and bindings describe identically.
func Describe(node Node) string {
	var sb strings.Builder
	Walk(node, func(n Node, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		switch t := n.(type) {
		case *Task:
			fmt.Fprintf(&sb, "task %s", t.Name())
			if keys := t.RequiredKeys(); len(keys) > 0 {
				fmt.Fprintf(&sb, " requires=[%s]", strings.Join(keys, ","))
			}
			if keys := t.ProvidedKeys(); len(keys) > 0 {
				fmt.Fprintf(&sb, " provides=[%s]", strings.Join(keys, ","))
			}
		case *Sequence:
			fmt.Fprintf(&sb, "sequence %s", t.Name())
		case *Parallel:
			fmt.Fprintf(&sb, "parallel %s", t.Name())
		case *Retry:
			fmt.Fprintf(&sb, "retry %s attempts=%d", t.Name(), t.policy.attempts())
		}
		sb.WriteString("\n")
	})
	return sb.String()
}

// ToDOT generates a DOT representation of the flow for visualization.
// The output can be rendered with Graphviz tools.
func ToDOT(node Node) string {
	var sb strings.Builder
	sb.WriteString("digraph Flow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	d := &dotWriter{sb: &sb}
	d.node(node, 1)

	sort.Strings(d.edges)
	for _, e := range d.edges {
		sb.WriteString(e)
	}
	sb.WriteString("}\n")
	return sb.String()
}

type dotWriter struct {
	sb      *strings.Builder
	edges   []string
	cluster int
}

// node writes n and returns its entry and exit tasks.
func (d *dotWriter) node(n Node, depth int) (entry, exit []string) {
	indent := strings.Repeat("  ", depth)
	switch t := n.(type) {
	case *Task:
		fmt.Fprintf(d.sb, "%s\"%s\";\n", indent, t.Name())
		return []string{t.Name()}, []string{t.Name()}

	case *Sequence:
		var prev []string
		for i, c := range t.children {
			in, out := d.node(c, depth)
			if i == 0 {
				entry = in
			} else {
				d.link(prev, in)
			}
			prev = out
		}
		return entry, prev

	case *Parallel:
		d.open(indent, t.Name(), "dashed")
		for _, c := range t.children {
			in, out := d.node(c, depth+1)
			entry = append(entry, in...)
			exit = append(exit, out...)
		}
		fmt.Fprintf(d.sb, "%s}\n", indent)
		return entry, exit

	case *Retry:
		d.open(indent, fmt.Sprintf("%s (x%d)", t.Name(), t.policy.attempts()), "dotted")
		entry, exit = d.node(t.child, depth+1)
		fmt.Fprintf(d.sb, "%s}\n", indent)
		return entry, exit
	}
	return nil, nil
}

func (d *dotWriter) open(indent, label, style string) {
	d.cluster++
	fmt.Fprintf(d.sb, "%ssubgraph cluster_%d {\n", indent, d.cluster)
	fmt.Fprintf(d.sb, "%s  label=\"%s\";\n", indent, label)
	fmt.Fprintf(d.sb, "%s  style=%s;\n", indent, style)
}

func (d *dotWriter) link(from, to []string) {
	for _, f := range from {
		for _, t := range to {
			d.edges = append(d.edges, fmt.Sprintf("  \"%s\" -> \"%s\";\n", f, t))
		}
	}
}
