package store

import "errors"

var (
	ErrChunkOverlap = errors.New("sequence chunk overlaps a committed chunk")
	ErrNoChunk      = errors.New("no committed chunk for sequence")
	ErrClosed       = errors.New("store is closed")
)
