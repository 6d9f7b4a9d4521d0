package config

import "errors"

var (
	ErrNoLocalOrigin      = errors.New("local node origin (sysid, timeline, dboid) must be set")
	ErrNoPeers            = errors.New("at least one peer must be configured")
	ErrDuplicatePeer      = errors.New("duplicate peer origin in configuration")
	ErrSelfPeer           = errors.New("peer list must not contain the local node")
	ErrChunkTooSmall      = errors.New("sequencer chunk size must cover the low-water mark")
	ErrTimeoutTooSmall    = errors.New("election timeout must be greater than the retry backoff")
	ErrNoDatabaseURL      = errors.New("durable store database URL must be set")
	ErrNoBusListenAddr    = errors.New("transport listen address must be set")
	ErrTooFewWorkerSlots  = errors.New("max workers must cover one apply worker per peer plus the coordinator")
)
