package lazyloading

import "errors"

var (
	// ErrUnknownBlock is returned when a block is known neither locally nor to the remote node.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrBadJustification is returned when a block already has a justification of the same engine.
	ErrBadJustification = errors.New("bad justification")

	// ErrInvalidState is returned for genesis storage that mixes top-level and child keys.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupported is returned by operations the forked backend does not emulate,
	// such as child tries and merkle proofs.
	ErrUnsupported = errors.New("not implemented for lazy-loading backend")

	// ErrOperation is returned when an import operation is misused.
	ErrOperation = errors.New("invalid import operation")
)
