package mixer

import (
	"errors"

	"surface-mixer/pkg/graph"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrInvalidClient    = errors.New("invalid client")
	ErrInvalidMode      = errors.New("invalid mixing mode")
	ErrInvalidSize      = errors.New("merged stream size must be positive")
	ErrNotFound         = errors.New("not found")
	ErrEndpointBind     = graph.ErrEndpointBind
	ErrEngineFault      = graph.ErrEngineFault
)
