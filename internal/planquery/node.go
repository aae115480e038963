package planquery

import "fmt"

// Node is one node of a query/replay plan tree: a get leaf, a unary
// transform over a child, or a binary set-algebra op over two
// subtrees.
type Node struct {
	Kind   string
	Op     string
	Params map[string]any
	Child  *Node
	Left   *Node
	Right  *Node
}

// ParseNode decodes a plan tree from its generic map representation
// (as received over RPC, either msgpack- or JSON-decoded).
func ParseNode(raw any) (*Node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plan node must be a map")
	}

	kind, _ := m["kind"].(string)
	n := &Node{Kind: kind}
	n.Op, _ = m["op"].(string)
	if p, ok := m["params"].(map[string]any); ok {
		n.Params = p
	}

	switch kind {
	case "get":
		return n, nil
	case "unary":
		child, ok := m["child"]
		if !ok {
			return nil, fmt.Errorf("unary plan node missing child")
		}
		c, err := ParseNode(child)
		if err != nil {
			return nil, err
		}
		n.Child = c
		return n, nil
	case "binary":
		left, ok := m["left"]
		if !ok {
			return nil, fmt.Errorf("binary plan node missing left")
		}
		right, ok := m["right"]
		if !ok {
			return nil, fmt.Errorf("binary plan node missing right")
		}
		l, err := ParseNode(left)
		if err != nil {
			return nil, err
		}
		r, err := ParseNode(right)
		if err != nil {
			return nil, err
		}
		n.Left = l
		n.Right = r
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported plan node kind: %q", kind)
	}
}
