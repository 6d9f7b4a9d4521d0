package origin

import "fmt"

// Origin identifies the node where a change originally committed.
// It is the (system identifier, timeline, database oid) triple that
// every node advertises during handshake and stamps on its changes.
type Origin struct {
	SysID    uint64 `json:"sysid" yaml:"sysid"`
	Timeline uint32 `json:"timeline" yaml:"timeline"`
	DBOID    uint32 `json:"dboid" yaml:"dboid"`
}

// Zero is the unknown origin. Local tuples that predate replication
// carry it, and it always loses last-update-wins tie-breaks.
var Zero = Origin{}

// IsZero returns true if the origin is unknown.
func (o Origin) IsZero() bool {
	return o == Zero
}

// Compare orders origins ascending by (sysid, timeline, dboid).
// Every node evaluates ties in this order so conflicting changes
// resolve identically cluster-wide.
func (o Origin) Compare(other Origin) int {
	switch {
	case o.SysID < other.SysID:
		return -1
	case o.SysID > other.SysID:
		return 1
	case o.Timeline < other.Timeline:
		return -1
	case o.Timeline > other.Timeline:
		return 1
	case o.DBOID < other.DBOID:
		return -1
	case o.DBOID > other.DBOID:
		return 1
	default:
		return 0
	}
}

// String renders the origin in the canonical node-identity format.
func (o Origin) String() string {
	return fmt.Sprintf("bdr (%d,%d,%d)", o.SysID, o.Timeline, o.DBOID)
}
