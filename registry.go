package conveyor

import (
	"fmt"
	"strings"
)

// Kind distinguishes read-only queries from state-changing mutations.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// Registration is one declared path. Exactly one of Query or Mutation is
// set, matching Kind. Immutable once stored in a registry.
type Registration struct {
	Kind       Kind
	Path       string
	Middleware []Middleware
	Query      QueryHandler
	Mutation   MutationHandler
}

// registry indexes declared paths in a trie keyed by segment position.
// Literal children hang off a map; at most one dynamic child (with its
// parameter name) exists per node. Lookup prefers the literal branch and
// backtracks into the dynamic one only when the literal side dead-ends.
type registry struct {
	root *node
}

type node struct {
	literals map[string]*node
	dynamic  *node
	dynName  string
	leaf     *Registration
}

func newRegistry() *registry {
	return &registry{root: &node{}}
}

// register stores reg under its path. Conflicts are returned as errors:
// an identical literal/dynamic shape, or a dynamic segment whose parameter
// name differs from an already-registered one at the same position.
func (r *registry) register(reg *Registration) error {
	segs, err := splitPath(reg.Path)
	if err != nil {
		return err
	}

	n := r.root
	for i, seg := range segs {
		name, dynamic := paramName(seg)
		if dynamic {
			if name == "" || !validParamName(name) {
				return fmt.Errorf("path %q: invalid parameter name in segment %d", reg.Path, i)
			}
			if n.dynamic == nil {
				n.dynamic = &node{}
				n.dynName = name
			} else if n.dynName != name {
				return fmt.Errorf("path %q: parameter $%s at position %d conflicts with existing $%s", reg.Path, name, i, n.dynName)
			}
			n = n.dynamic
			continue
		}

		if n.literals == nil {
			n.literals = make(map[string]*node)
		}
		child, ok := n.literals[seg]
		if !ok {
			child = &node{}
			n.literals[seg] = child
		}
		n = child
	}

	if n.leaf != nil {
		return fmt.Errorf("path %q: already registered as %q", reg.Path, n.leaf.Path)
	}
	n.leaf = reg
	return nil
}

// match resolves subject to a registration and its bound parameters.
// The bool result is false when nothing matches.
func (r *registry) match(subject string) (*Registration, map[string]string, bool) {
	segs, err := splitPath(subject)
	if err != nil {
		return nil, nil, false
	}

	reg, bound := matchNode(r.root, segs, nil)
	if reg == nil {
		return nil, nil, false
	}

	params := make(map[string]string, len(bound))
	for _, b := range bound {
		params[b.name] = b.value
	}
	return reg, params, true
}

type binding struct {
	name  string
	value string
}

func matchNode(n *node, segs []string, bound []binding) (*Registration, []binding) {
	if len(segs) == 0 {
		return n.leaf, bound
	}

	if child, ok := n.literals[segs[0]]; ok {
		if reg, b := matchNode(child, segs[1:], bound); reg != nil {
			return reg, b
		}
	}
	if n.dynamic != nil {
		withParam := append(bound, binding{name: n.dynName, value: segs[0]})
		if reg, b := matchNode(n.dynamic, segs[1:], withParam); reg != nil {
			return reg, b
		}
	}
	return nil, nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segs := strings.Split(path, ".")
	for i, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("path %q: empty segment at position %d", path, i)
		}
	}
	return segs, nil
}

// paramName strips the "$" marker, reporting whether seg is dynamic.
func paramName(seg string) (string, bool) {
	if strings.HasPrefix(seg, "$") {
		return seg[1:], true
	}
	return "", false
}

func validParamName(name string) bool {
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}
