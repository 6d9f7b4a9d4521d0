package catalog

import "errors"

var (
	// ErrInvalidSetName is returned for replication-set names that violate
	// the naming rules (lowercase, digits, underscore, hyphen, max 63).
	ErrInvalidSetName = errors.New("invalid replication set name")

	// ErrNoSuchRelation is returned when the metadata provider does not
	// know the requested relation.
	ErrNoSuchRelation = errors.New("no such relation")

	// ErrNoProvider is returned when the catalog is constructed without a
	// metadata provider.
	ErrNoProvider = errors.New("metadata provider is required")
)
