package datanode

import "errors"

var (
	// ErrNodeNotFound is returned when a block that the tree references doesn't exist
	ErrNodeNotFound = errors.New("node not found")

	// ErrUnexpectedDepth is returned when a node was loaded at a different depth than its parent implies
	ErrUnexpectedDepth = errors.New("node has unexpected depth")

	// ErrInvalidFormat is returned when a block can't be parsed as a node
	ErrInvalidFormat = errors.New("invalid node format")

	// ErrOverflow is returned when a size computation exceeds 64 bits
	ErrOverflow = errors.New("numeric overflow")
)
