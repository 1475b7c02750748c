package peerlink

// Class is one of the three message kinds a link carries. Lower values are
// sent first.
type Class int

const (
	ClassInventory Class = iota
	ClassMetadata
	ClassSlice

	numClasses = 3
)

// Classes lists every class in priority order.
var Classes = [numClasses]Class{ClassInventory, ClassMetadata, ClassSlice}

func (c Class) String() string {
	switch c {
	case ClassInventory:
		return "inventory"
	case ClassMetadata:
		return "metadata"
	case ClassSlice:
		return "slice"
	default:
		return "unknown"
	}
}

// Valid reports whether c names a known class.
func (c Class) Valid() bool {
	return c >= ClassInventory && c < numClasses
}

// Role is this node's side of a link.
type Role string

const (
	// RoleInitiator dialed the link and pulls content (central).
	RoleInitiator Role = "initiator"
	// RoleResponder accepted the link and serves content (peripheral).
	RoleResponder Role = "responder"
)
