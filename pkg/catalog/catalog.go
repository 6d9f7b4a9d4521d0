package catalog

import (
	"fmt"
	"sync"

	"github.com/decibel/bdr/pkg/conflict"
	"github.com/decibel/bdr/pkg/logging"
)

// maxSetNameLen mirrors the backend identifier limit.
const maxSetNameLen = 63

// DefaultSetName is the implicit replication set every relation belongs
// to unless it was assigned explicit sets.
const DefaultSetName = "default"

// SetMembership describes one replication set a relation belongs to and
// which operation kinds that set replicates.
type SetMembership struct {
	Name            string
	ReplicateInsert bool
	ReplicateUpdate bool
	ReplicateDelete bool
}

// RelationMeta is what the metadata provider reports for one relation.
type RelationMeta struct {
	RelID   uint32
	Name    string
	Columns []string
	Sets    []SetMembership
}

// MetadataProvider is the host-engine collaborator that describes
// relations. The catalog never touches raw storage itself.
type MetadataProvider interface {
	Describe(relID uint32) (RelationMeta, error)
}

// RelationInfo is the cached replication view of one relation: its
// ordered conflict handlers, the replication sets it matched against this
// node's configuration, and the per-operation applicability computed from
// them. Invalidation clears the validity flag; the next Open recomputes
// everything except handler registrations, which outlive metadata churn.
type RelationInfo struct {
	RelID   uint32
	Name    string
	Columns []string

	// Sets holds the matched set names in the relation's declared order.
	Sets []string

	// Handlers is the registration-ordered conflict handler list.
	Handlers []conflict.Handler

	ApplyInsert bool
	ApplyUpdate bool
	ApplyDelete bool

	valid bool
}

// Valid reports whether the info is current. Callers holding a stale
// pointer across an invalidation must re-Open.
func (ri *RelationInfo) Valid() bool { return ri.valid }

// Applies reports whether the given operation kind replicates to this
// node for this relation.
func (ri *RelationInfo) Applies(op conflict.ChangeOp) bool {
	switch op {
	case conflict.OpInsert:
		return ri.ApplyInsert
	case conflict.OpUpdate:
		return ri.ApplyUpdate
	case conflict.OpDelete:
		return ri.ApplyDelete
	}
	return false
}

// Catalog caches RelationInfo per relation id.
type Catalog struct {
	mu       sync.RWMutex
	provider MetadataProvider
	logger   logging.Logger

	// nodeSets is the node's configured replication set membership.
	nodeSets map[string]bool

	cache map[uint32]*RelationInfo

	// handlers survives invalidation so registrations are not lost when
	// schema changes flush the cache.
	handlers map[uint32][]conflict.Handler
}

// New creates a catalog for a node participating in the given replication
// sets. Every set name is validated up front.
func New(provider MetadataProvider, nodeSets []string, logger logging.Logger) (*Catalog, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}

	sets := make(map[string]bool, len(nodeSets)+1)
	for _, name := range nodeSets {
		if err := ValidateSetName(name); err != nil {
			return nil, err
		}
		sets[name] = true
	}
	if len(sets) == 0 {
		sets[DefaultSetName] = true
	}

	return &Catalog{
		provider: provider,
		logger:   logger.With(logging.Component("catalog")),
		nodeSets: sets,
		cache:    make(map[uint32]*RelationInfo),
		handlers: make(map[uint32][]conflict.Handler),
	}, nil
}

// Open returns the replication info for a relation, recomputing it from
// the metadata provider if the cached entry is missing or invalidated.
func (c *Catalog) Open(relID uint32) (*RelationInfo, error) {
	c.mu.RLock()
	ri, ok := c.cache[relID]
	c.mu.RUnlock()
	if ok && ri.valid {
		return ri, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another opener may have won the race while we upgraded the lock.
	if ri, ok := c.cache[relID]; ok && ri.valid {
		return ri, nil
	}

	meta, err := c.provider.Describe(relID)
	if err != nil {
		return nil, fmt.Errorf("describe relation %d: %w", relID, err)
	}

	ri = c.build(meta)
	c.cache[relID] = ri

	c.logger.Debug("relation opened",
		logging.Relation(relID),
		logging.String("name", ri.Name),
		logging.Int("sets", len(ri.Sets)),
	)
	return ri, nil
}

// build computes a fresh RelationInfo from provider metadata and the
// node's configured sets.
func (c *Catalog) build(meta RelationMeta) *RelationInfo {
	ri := &RelationInfo{
		RelID:    meta.RelID,
		Name:     meta.Name,
		Columns:  append([]string(nil), meta.Columns...),
		Handlers: c.handlers[meta.RelID],
		valid:    true,
	}

	memberships := meta.Sets
	if len(memberships) == 0 {
		// A relation with no explicit sets rides the default set and
		// replicates every operation kind.
		memberships = []SetMembership{{
			Name:            DefaultSetName,
			ReplicateInsert: true,
			ReplicateUpdate: true,
			ReplicateDelete: true,
		}}
	}

	for _, m := range memberships {
		if !c.nodeSets[m.Name] {
			continue
		}
		ri.Sets = append(ri.Sets, m.Name)
		ri.ApplyInsert = ri.ApplyInsert || m.ReplicateInsert
		ri.ApplyUpdate = ri.ApplyUpdate || m.ReplicateUpdate
		ri.ApplyDelete = ri.ApplyDelete || m.ReplicateDelete
	}

	return ri
}

// Invalidate marks one relation's cached info stale. The entry stays in
// the cache so handler registrations keep their slot; the next Open
// recomputes applicability.
func (c *Catalog) Invalidate(relID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ri, ok := c.cache[relID]; ok {
		ri.valid = false
	}
}

// InvalidateAll marks every cached relation stale, typically after a
// replication-set configuration change.
func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ri := range c.cache {
		ri.valid = false
	}
	c.logger.Info("relation cache invalidated", logging.Int("relations", len(c.cache)))
}

// RegisterHandler appends a conflict handler for a relation. Registration
// order is the tie-break for handler precedence, so append order matters.
// The relation's cached info is invalidated so the next Open picks up the
// new chain.
func (c *Catalog) RegisterHandler(relID uint32, h conflict.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[relID] = append(c.handlers[relID], h)
	if ri, ok := c.cache[relID]; ok {
		ri.valid = false
	}

	c.logger.Info("conflict handler registered",
		logging.Relation(relID),
		logging.String("handler", h.Name()),
	)
}

// ValidateSetName enforces the replication-set naming rules: non-empty,
// at most 63 bytes, lowercase letters, digits, underscore or hyphen, and
// it must not start with a hyphen.
func ValidateSetName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSetName)
	}
	if len(name) > maxSetNameLen {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidSetName, name, maxSetNameLen)
	}
	if name[0] == '-' {
		return fmt.Errorf("%w: %q starts with a hyphen", ErrInvalidSetName, name)
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidSetName, name, ch)
		}
	}
	return nil
}
