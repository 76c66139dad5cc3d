package engine

import "errors"

var (
	ErrTornDown    = errors.New("pipeline torn down")
	errUnknownKind = errors.New("unknown node kind")
	errUnknownNode = errors.New("edge references unknown node")
	errEmptyGraph  = errors.New("empty pipeline description")
)
