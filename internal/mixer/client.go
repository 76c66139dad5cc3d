package mixer

import (
	"fmt"
	"strings"

	"surface-mixer/pkg/graph"
)

// MixingMode selects which streams a client's composite contains.
type MixingMode string

const (
	// ModeAll composites every stream including the client's own.
	ModeAll MixingMode = "all"
	// ModeOther composites only the other clients' streams.
	ModeOther MixingMode = "other"
)

// ParseMixingMode validates a mode string. An empty string means ModeOther.
func ParseMixingMode(s string) (MixingMode, error) {
	switch MixingMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeOther:
		return ModeOther, nil
	case ModeAll:
		return ModeAll, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ClientDescriptor is the read-only snapshot of one connected client taken at
// topology build time.
type ClientDescriptor struct {
	ID       string
	Inbound  graph.Endpoint
	Outbound graph.Endpoint
	Codec    Codec
	Mode     MixingMode
}

// Validate checks everything but the codec, which the resolver owns.
func (c ClientDescriptor) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidClient)
	}
	if !validPort(c.Inbound.Port) {
		return fmt.Errorf("%w: client %s inbound port %d", ErrInvalidClient, c.ID, c.Inbound.Port)
	}
	if !validPort(c.Outbound.Port) {
		return fmt.Errorf("%w: client %s outbound port %d", ErrInvalidClient, c.ID, c.Outbound.Port)
	}
	if c.Outbound.Address == "" {
		return fmt.Errorf("%w: client %s has no outbound address", ErrInvalidClient, c.ID)
	}
	if c.Mode != ModeAll && c.Mode != ModeOther {
		return fmt.Errorf("%w: client %s mode %q", ErrInvalidMode, c.ID, c.Mode)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// EffectivePolicy is other when more than one client is connected and any of
// them asks for it, all otherwise.
func EffectivePolicy(clients []ClientDescriptor) MixingMode {
	if len(clients) <= 1 {
		return ModeAll
	}
	for _, c := range clients {
		if c.Mode == ModeOther {
			return ModeOther
		}
	}
	return ModeAll
}

// mergesSelf reports whether c's composite contains its own stream. A lone
// client always sees itself.
func mergesSelf(c ClientDescriptor, total int) bool {
	return total <= 1 || c.Mode == ModeAll
}
