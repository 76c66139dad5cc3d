// Package graph holds the declarative description of a mixing topology that is
// handed to a media pipeline engine. A Description is built fresh for every
// rebuild and never mutated once handed over.
package graph

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// Kind is the type of a stage node.
type Kind int

const (
	KindSource Kind = iota + 1
	KindIngest
	KindTee
	KindComposite
	KindMixer
	KindEgress
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindIngest:
		return "ingest-chain"
	case KindTee:
		return "tee"
	case KindComposite:
		return "composite"
	case KindMixer:
		return "mixer"
	case KindEgress:
		return "egress-chain"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// Op is one step of an ingest or egress chain.
type Op string

const (
	OpDepay  Op = "rtp-depay"
	OpDecode Op = "decode"
	OpEncode Op = "encode"
	OpPay    Op = "rtp-pack"
)

// Stage is a codec specific processing step. Element names the engine element
// that implements it.
type Stage struct {
	Op      Op
	Codec   string
	Element string
}

func (s Stage) String() string {
	return fmt.Sprintf("%s(%s)", s.Op, s.Codec)
}

// Endpoint is a network address and port.
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Node is one stage of the graph.
type Node struct {
	ID     string
	Kind   Kind
	Client string

	// ingest / egress chains
	Codec       string
	PayloadType uint8
	ClockRate   uint32
	Chain       []Stage

	// source / sink
	Endpoint Endpoint

	// composite
	From     string
	Width    int
	Height   int
	KeyColor string
}

// Edge links the output of From to the input of To.
type Edge struct {
	From string
	To   string
}

// Route is one tee to mixer path. From is the client whose stream is routed,
// To the client whose composite receives it.
type Route struct {
	From  string
	To    string
	Stage string
}

// Self reports whether the route mirrors a client's own stream back to it.
func (r Route) Self() bool {
	return r.From == r.To
}

// Description is an ordered collection of nodes and edges.
type Description struct {
	ID     string
	Policy string
	Nodes  []Node
	Edges  []Edge
	Routes []Route

	index map[string]int
}

// Empty reports whether the description has nothing to build.
func (d *Description) Empty() bool {
	return d == nil || len(d.Nodes) == 0
}

// AddNode appends n. Node ids must be unique.
func (d *Description) AddNode(n Node) error {
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if _, ok := d.index[n.ID]; ok {
		return fmt.Errorf("duplicate node %q", n.ID)
	}
	d.index[n.ID] = len(d.Nodes)
	d.Nodes = append(d.Nodes, n)
	return nil
}

// Link appends an edge between two existing nodes.
func (d *Description) Link(from, to string) error {
	if _, ok := d.Node(from); !ok {
		return fmt.Errorf("link from unknown node %q", from)
	}
	if _, ok := d.Node(to); !ok {
		return fmt.Errorf("link to unknown node %q", to)
	}
	d.Edges = append(d.Edges, Edge{From: from, To: to})
	return nil
}

// Node looks up a node by id.
func (d *Description) Node(id string) (Node, bool) {
	if d == nil {
		return Node{}, false
	}
	if d.index == nil {
		for _, n := range d.Nodes {
			if n.ID == id {
				return n, true
			}
		}
		return Node{}, false
	}
	i, ok := d.index[id]
	if !ok {
		return Node{}, false
	}
	return d.Nodes[i], true
}

// NodesOf returns the nodes of the given kind in description order.
func (d *Description) NodesOf(kind Kind) []Node {
	if d == nil {
		return nil
	}
	var out []Node
	for _, n := range d.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Count returns the number of nodes of the given kind.
func (d *Description) Count(kind Kind) int {
	return len(d.NodesOf(kind))
}

// Outputs returns the ids of the nodes fed by id.
func (d *Description) Outputs(id string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// Inputs returns the ids of the nodes feeding id.
func (d *Description) Inputs(id string) []string {
	var in []string
	for _, e := range d.Edges {
		if e.To == id {
			in = append(in, e.From)
		}
	}
	return in
}

// SelfRoutes counts routes that mirror a client's own stream.
func (d *Description) SelfRoutes() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, r := range d.Routes {
		if r.Self() {
			n++
		}
	}
	return n
}

// Signature renders the topology without node ids. Two descriptions with the
// same signature are isomorphic.
func (d *Description) Signature() string {
	if d.Empty() {
		return ""
	}
	keys := make(map[string]string, len(d.Nodes))
	nodes := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		k := nodeKey(n)
		keys[n.ID] = k
		nodes = append(nodes, k)
	}
	edges := make([]string, 0, len(d.Edges))
	for _, e := range d.Edges {
		edges = append(edges, keys[e.From]+" -> "+keys[e.To])
	}
	sort.Strings(nodes)
	sort.Strings(edges)
	return strings.Join(nodes, "\n") + "\n--\n" + strings.Join(edges, "\n")
}

// Isomorphic reports whether a and b describe the same topology.
func Isomorphic(a, b *Description) bool {
	return a.Signature() == b.Signature()
}

func nodeKey(n Node) string {
	chain := make([]string, len(n.Chain))
	for i, s := range n.Chain {
		chain[i] = s.String()
	}
	return fmt.Sprintf("%s[%s<%s] codec=%s chain=%s ep=%s size=%dx%d key=%s",
		n.Kind, n.Client, n.From, n.Codec, strings.Join(chain, ","), n.Endpoint, n.Width, n.Height, n.KeyColor)
}

// Dot renders the description as a Graphviz digraph.
func (d *Description) Dot() string {
	var b strings.Builder
	name := "pipeline"
	if d != nil && d.ID != "" {
		name = d.ID
	}
	fmt.Fprintf(&b, "digraph %q {\n\trankdir=LR;\n", name)
	if d != nil {
		for _, n := range d.Nodes {
			label := n.Kind.String()
			switch n.Kind {
			case KindSource, KindSink:
				label += "\\n" + n.Endpoint.String()
			case KindIngest, KindEgress:
				for _, s := range n.Chain {
					label += "\\n" + s.String()
				}
			case KindComposite:
				label += fmt.Sprintf("\\n%dx%d %s", n.Width, n.Height, n.KeyColor)
			}
			fmt.Fprintf(&b, "\t%q [label=\"%s\\n%s\"];\n", n.ID, n.Client, label)
		}
		for _, e := range d.Edges {
			fmt.Fprintf(&b, "\t%q -> %q;\n", e.From, e.To)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
