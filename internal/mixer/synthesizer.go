package mixer

import (
	"fmt"

	"surface-mixer/pkg/graph"
)

type resolvedClient struct {
	ClientDescriptor
	ingest  []graph.Stage
	egress  []graph.Stage
	pt      uint8
	clock   uint32
	merging bool
}

func nodeID(client, part string) string {
	return client + "/" + part
}

func compositeID(dst, src string) string {
	return dst + "/composite/" + src
}

// Synthesize builds the routing graph for clients. It allocates nothing
// outside the returned description, so any error leaves the caller's state
// untouched. An empty client list yields an empty description.
func Synthesize(clients []ClientDescriptor, cfg Config) (*graph.Description, error) {
	desc := &graph.Description{}
	if len(clients) == 0 {
		return desc, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keyColor := cfg.KeyColor
	if keyColor == "" {
		keyColor = DefaultKeyColor
	}

	resolved := make([]resolvedClient, 0, len(clients))
	seen := make(map[string]struct{}, len(clients))
	inbound := make(map[graph.Endpoint]string, len(clients))
	for _, c := range clients {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidClient, c.ID)
		}
		seen[c.ID] = struct{}{}
		if other, ok := inboundOwner(inbound, c.Inbound); ok {
			return nil, fmt.Errorf("%w: client %s inbound %s already used by %s", ErrInvalidClient, c.ID, c.Inbound, other)
		}
		inbound[c.Inbound] = c.ID

		ingest, err := IngestChain(c.Codec)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", c.ID, err)
		}
		egress, err := EgressChain(c.Codec)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", c.ID, err)
		}
		params, _ := CodecParameters(c.Codec)
		resolved = append(resolved, resolvedClient{
			ClientDescriptor: c,
			ingest:           ingest,
			egress:           egress,
			pt:               uint8(params.PayloadType),
			clock:            params.ClockRate,
			merging:          mergesSelf(c, len(clients)),
		})
	}
	desc.Policy = string(EffectivePolicy(clients))

	// inbound side: source -> ingest chain -> tee
	for _, c := range resolved {
		nodes := []graph.Node{
			{ID: nodeID(c.ID, "source"), Kind: graph.KindSource, Client: c.ID, Codec: string(c.Codec), Endpoint: c.Inbound},
			{ID: nodeID(c.ID, "ingest"), Kind: graph.KindIngest, Client: c.ID, Codec: string(c.Codec),
				PayloadType: c.pt, ClockRate: c.clock, Chain: c.ingest},
			{ID: nodeID(c.ID, "tee"), Kind: graph.KindTee, Client: c.ID},
		}
		if err := addChain(desc, nodes); err != nil {
			return nil, err
		}
	}

	// outbound side: mixer -> egress chain -> sink
	for _, c := range resolved {
		nodes := []graph.Node{
			{ID: nodeID(c.ID, "mixer"), Kind: graph.KindMixer, Client: c.ID},
			{ID: nodeID(c.ID, "egress"), Kind: graph.KindEgress, Client: c.ID, Codec: string(c.Codec),
				PayloadType: c.pt, ClockRate: c.clock, Chain: c.egress},
			{ID: nodeID(c.ID, "sink"), Kind: graph.KindSink, Client: c.ID, Codec: string(c.Codec), Endpoint: c.Outbound},
		}
		if err := addChain(desc, nodes); err != nil {
			return nil, err
		}
	}

	// routes: tee[src] -> composite -> mixer[dst]
	for _, dst := range resolved {
		for _, src := range resolved {
			if dst.ID == src.ID && !dst.merging {
				continue
			}
			comp := graph.Node{
				ID:       compositeID(dst.ID, src.ID),
				Kind:     graph.KindComposite,
				Client:   dst.ID,
				From:     src.ID,
				Width:    cfg.MergedWidth,
				Height:   cfg.MergedHeight,
				KeyColor: keyColor,
			}
			if err := desc.AddNode(comp); err != nil {
				return nil, err
			}
			if err := desc.Link(nodeID(src.ID, "tee"), comp.ID); err != nil {
				return nil, err
			}
			if err := desc.Link(comp.ID, nodeID(dst.ID, "mixer")); err != nil {
				return nil, err
			}
			desc.Routes = append(desc.Routes, graph.Route{From: src.ID, To: dst.ID, Stage: comp.ID})
		}
	}
	return desc, nil
}

// inboundOwner finds a client already receiving on ep's port. A wildcard
// address collides with every address on the same port.
func inboundOwner(inbound map[graph.Endpoint]string, ep graph.Endpoint) (string, bool) {
	for other, id := range inbound {
		if other.Port != ep.Port {
			continue
		}
		if other.Address == ep.Address || wildcard(other.Address) || wildcard(ep.Address) {
			return id, true
		}
	}
	return "", false
}

func wildcard(addr string) bool {
	return addr == "" || addr == "0.0.0.0" || addr == "::"
}

// addChain adds nodes and links them in order.
func addChain(desc *graph.Description, nodes []graph.Node) error {
	for i, n := range nodes {
		if err := desc.AddNode(n); err != nil {
			return err
		}
		if i > 0 {
			if err := desc.Link(nodes[i-1].ID, n.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
