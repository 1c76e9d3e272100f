package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultImageSlot is the input slot the engine's image loader nodes read from.
const DefaultImageSlot = "image"

// ErrConfig is returned when a workflow file is missing, malformed, or does
// not contain the designated nodes.
var ErrConfig = errors.New("workflow config error")

// Designation names the nodes of the graph the orchestrator patches or reads.
type Designation struct {
	SourceNode   string
	TemplateNode string
	OutputNode   string
	// OverlayNode is optional. When set it must name an image loader node.
	OverlayNode string
	// ImageSlot defaults to DefaultImageSlot.
	ImageSlot string
}

func (d Designation) slot() string {
	if d.ImageSlot == "" {
		return DefaultImageSlot
	}
	return d.ImageSlot
}

// Node is a single processing step in the graph. Input values are either
// literals or links of the form [node_id, output_index].
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Template is an ordered, validated node graph.
type Template struct {
	order []string
	nodes map[string]*Node
	des   Designation
}

// Load reads and validates the workflow file at path.
func Load(path string, des Designation) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	return Parse(data, des)
}

// Parse decodes an API-format workflow, preserving node order, and validates
// the designated nodes.
func Parse(data []byte, des Designation) (*Template, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: workflow must be a JSON object", ErrConfig)
	}

	t := &Template{nodes: make(map[string]*Node), des: des}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		id, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected token %v", ErrConfig, tok)
		}
		var n Node
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrConfig, id, err)
		}
		if _, dup := t.nodes[id]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrConfig, id)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]any{}
		}
		t.order = append(t.order, id)
		t.nodes[id] = &n
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after workflow object", ErrConfig)
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Template) validate() error {
	d := t.des
	required := []struct{ role, id string }{
		{"source", d.SourceNode},
		{"template", d.TemplateNode},
		{"output", d.OutputNode},
	}
	seen := make(map[string]string, len(required))
	for _, r := range required {
		if r.id == "" {
			return fmt.Errorf("%w: no %s node designated", ErrConfig, r.role)
		}
		if _, ok := t.nodes[r.id]; !ok {
			return fmt.Errorf("%w: %s node %q not found", ErrConfig, r.role, r.id)
		}
		if other, dup := seen[r.id]; dup {
			return fmt.Errorf("%w: node %q designated as both %s and %s", ErrConfig, r.id, other, r.role)
		}
		seen[r.id] = r.role
	}

	for _, id := range []string{d.SourceNode, d.TemplateNode} {
		if err := t.checkImageSlot(id); err != nil {
			return err
		}
	}
	if t.nodes[d.OutputNode].ClassType == "" {
		return fmt.Errorf("%w: output node %q has no class_type", ErrConfig, d.OutputNode)
	}

	if d.OverlayNode != "" {
		if _, ok := t.nodes[d.OverlayNode]; !ok {
			return fmt.Errorf("%w: overlay node %q not found", ErrConfig, d.OverlayNode)
		}
		if role, dup := seen[d.OverlayNode]; dup {
			return fmt.Errorf("%w: overlay node %q is already the %s node", ErrConfig, d.OverlayNode, role)
		}
		if err := t.checkImageSlot(d.OverlayNode); err != nil {
			return err
		}
	}
	return nil
}

func (t *Template) checkImageSlot(id string) error {
	n := t.nodes[id]
	v, ok := n.Inputs[t.des.slot()]
	if !ok {
		return fmt.Errorf("%w: node %q has no %q input", ErrConfig, id, t.des.slot())
	}
	if _, ok := v.(string); !ok {
		return fmt.Errorf("%w: node %q input %q must be a string, got %T", ErrConfig, id, t.des.slot(), v)
	}
	return nil
}

// ClonePatch returns a deep copy of t with the source and template image
// slots rewritten to the given engine image references.
func (t *Template) ClonePatch(sourceRef, templateRef string) *Template {
	c := t.clone()
	c.nodes[c.des.SourceNode].Inputs[c.des.slot()] = sourceRef
	c.nodes[c.des.TemplateNode].Inputs[c.des.slot()] = templateRef
	return c
}

// WithOverlay returns a copy of t with the overlay node's image slot set.
func (t *Template) WithOverlay(overlayRef string) (*Template, error) {
	if t.des.OverlayNode == "" {
		return nil, fmt.Errorf("%w: no overlay node designated", ErrConfig)
	}
	c := t.clone()
	c.nodes[c.des.OverlayNode].Inputs[c.des.slot()] = overlayRef
	return c, nil
}

// OutputNode returns the id of the node whose artifact is the job result.
func (t *Template) OutputNode() string {
	return t.des.OutputNode
}

// Designation returns the node designation the template was validated against.
func (t *Template) Designation() Designation {
	return t.des
}

// NodeIDs returns node ids in file order.
func (t *Template) NodeIDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Node returns a copy of the node with the given id.
func (t *Template) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *cloneNode(n), true
}

// ImageInput returns the current image reference of a node's image slot.
func (t *Template) ImageInput(id string) (string, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return "", false
	}
	s, ok := n.Inputs[t.des.slot()].(string)
	return s, ok
}

// MarshalJSON encodes the graph in the engine's API format, preserving node order.
func (t *Template) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range t.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(t.nodes[id])
		if err != nil {
			return nil, fmt.Errorf("marshal node %q: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *Template) clone() *Template {
	c := &Template{
		order: make([]string, len(t.order)),
		nodes: make(map[string]*Node, len(t.nodes)),
		des:   t.des,
	}
	copy(c.order, t.order)
	for id, n := range t.nodes {
		c.nodes[id] = cloneNode(n)
	}
	return c
}

func cloneNode(n *Node) *Node {
	out := &Node{ClassType: n.ClassType}
	out.Inputs, _ = deepCopy(n.Inputs).(map[string]any)
	if n.Meta != nil {
		out.Meta, _ = deepCopy(n.Meta).(map[string]any)
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return x
	}
}
