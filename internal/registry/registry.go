// Package registry keeps the ordered set of connected clients and triggers a
// topology rebuild after every change.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucsky/cuid"

	"surface-mixer/internal/log"
	"surface-mixer/internal/mixer"
	"surface-mixer/pkg/graph"
)

const (
	basePort     = 5001
	portsPerPeer = 3
	defaultIP    = "0.0.0.0"
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientLimit    = errors.New("client list already at maximum capacity")
)

// Rebuilder receives the full client snapshot after every mutation.
type Rebuilder interface {
	UpdatePipelines(clients []mixer.ClientDescriptor) error
}

// Client is one registered client.
type Client struct {
	ID            string    `json:"uuid"`
	Name          string    `json:"name"`
	IP            string    `json:"ip"`
	VideoSrcPort  int       `json:"video_src_port"`
	VideoSinkPort int       `json:"video_sink_port"`
	VideoProtocol string    `json:"video_protocol"`
	TUIOSinkPort  int       `json:"tuio_sink_port"`
	MixingMode    string    `json:"mixing_mode"`
	Created       time.Time `json:"created_datetime"`
}

// Patch carries optional client fields. Zero values leave a field unchanged.
type Patch struct {
	Name          string `json:"name"`
	IP            string `json:"ip"`
	VideoSrcPort  int    `json:"video_src_port"`
	VideoSinkPort int    `json:"video_sink_port"`
	VideoProtocol string `json:"video_protocol"`
	TUIOSinkPort  int    `json:"tuio_sink_port"`
	MixingMode    string `json:"mixing_mode"`
}

// Registry is an in-memory ordered client set.
type Registry struct {
	mu         sync.Mutex
	clients    []*Client
	limit      int
	listenHost string
	rebuilder  Rebuilder
	now        func() time.Time
}

type Option func(*Registry)

// WithLimit caps the number of clients. Zero means unlimited.
func WithLimit(n int) Option {
	return func(r *Registry) { r.limit = n }
}

// WithListenHost sets the local address inbound streams are received on.
func WithListenHost(host string) Option {
	return func(r *Registry) { r.listenHost = host }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(rebuilder Rebuilder, opts ...Option) *Registry {
	r := &Registry{
		rebuilder:  rebuilder,
		listenHost: defaultIP,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a client, filling unset ports from the next free block.
// The client stays registered even when the rebuild fails; the error is
// returned alongside it.
func (r *Registry) Create(p Patch) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.clients) >= r.limit {
		return Client{}, ErrClientLimit
	}
	codec, err := mixer.ParseCodec(defaultString(p.VideoProtocol, string(mixer.CodecJPEG)))
	if err != nil {
		return Client{}, err
	}
	mode, err := mixer.ParseMixingMode(p.MixingMode)
	if err != nil {
		return Client{}, err
	}

	c := &Client{
		ID:            cuid.New(),
		Name:          p.Name,
		IP:            defaultString(p.IP, defaultIP),
		VideoSrcPort:  p.VideoSrcPort,
		VideoSinkPort: p.VideoSinkPort,
		VideoProtocol: string(codec),
		TUIOSinkPort:  p.TUIOSinkPort,
		MixingMode:    string(mode),
		Created:       r.now(),
	}
	if c.VideoSrcPort <= 0 {
		c.VideoSrcPort = r.freeBlockLocked()
	}
	if c.VideoSinkPort <= 0 {
		c.VideoSinkPort = c.VideoSrcPort + 1
	}
	if c.TUIOSinkPort <= 0 {
		c.TUIOSinkPort = c.VideoSinkPort + 1
	}
	r.clients = append(r.clients, c)
	log.Infof("client %s (%s) registered: src %d sink %s:%d codec %s mode %s",
		c.ID, c.Name, c.VideoSrcPort, c.IP, c.VideoSinkPort, c.VideoProtocol, c.MixingMode)

	return *c, r.rebuildLocked()
}

// Update patches the given fields of client id.
func (r *Registry) Update(id string, p Patch) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.findLocked(id)
	if c == nil {
		return Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	next := *c
	if p.Name != "" {
		next.Name = p.Name
	}
	if p.IP != "" {
		next.IP = p.IP
	}
	if p.VideoSrcPort > 0 {
		next.VideoSrcPort = p.VideoSrcPort
	}
	if p.VideoSinkPort > 0 {
		next.VideoSinkPort = p.VideoSinkPort
	}
	if p.TUIOSinkPort > 0 {
		next.TUIOSinkPort = p.TUIOSinkPort
	}
	if p.VideoProtocol != "" {
		codec, err := mixer.ParseCodec(p.VideoProtocol)
		if err != nil {
			return Client{}, err
		}
		next.VideoProtocol = string(codec)
	}
	if p.MixingMode != "" {
		mode, err := mixer.ParseMixingMode(p.MixingMode)
		if err != nil {
			return Client{}, err
		}
		next.MixingMode = string(mode)
	}
	*c = next

	return next, r.rebuildLocked()
}

// Delete removes client id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.clients {
		if c.ID == id {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			log.Infof("client %s (%s) removed", c.ID, c.Name)
			return r.rebuildLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrClientNotFound, id)
}

func (r *Registry) Get(id string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.findLocked(id)
	if c == nil {
		return Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	return *c, nil
}

// List returns the clients in registration order.
func (r *Registry) List() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}

// Snapshot converts the registered clients into topology descriptors.
func (r *Registry) Snapshot() []mixer.ClientDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Descriptor converts one client.
func (r *Registry) Descriptor(c Client) mixer.ClientDescriptor {
	return mixer.ClientDescriptor{
		ID:       c.ID,
		Inbound:  graph.Endpoint{Address: r.listenHost, Port: c.VideoSrcPort},
		Outbound: graph.Endpoint{Address: c.IP, Port: c.VideoSinkPort},
		Codec:    mixer.Codec(c.VideoProtocol),
		Mode:     mixer.MixingMode(c.MixingMode),
	}
}

func (r *Registry) snapshotLocked() []mixer.ClientDescriptor {
	out := make([]mixer.ClientDescriptor, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, r.Descriptor(*c))
	}
	return out
}

// freeBlockLocked returns the source port of the lowest port block no
// registered client uses.
func (r *Registry) freeBlockLocked() int {
	used := make(map[int]struct{}, portsPerPeer*len(r.clients))
	for _, c := range r.clients {
		used[c.VideoSrcPort] = struct{}{}
		used[c.VideoSinkPort] = struct{}{}
		used[c.TUIOSinkPort] = struct{}{}
	}
	for n := 0; ; n++ {
		src := basePort + portsPerPeer*n + 1
		free := true
		for p := src; p < src+portsPerPeer; p++ {
			if _, ok := used[p]; ok {
				free = false
				break
			}
		}
		if free {
			return src
		}
	}
}

func (r *Registry) findLocked(id string) *Client {
	for _, c := range r.clients {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// rebuildLocked runs under the registry lock so snapshots reach the
// rebuilder in mutation order.
func (r *Registry) rebuildLocked() error {
	if r.rebuilder == nil {
		return nil
	}
	return r.rebuilder.UpdatePipelines(r.snapshotLocked())
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
