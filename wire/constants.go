package wire

import (
	"github.com/user/blemesh/peerlink"
)

// ConnectionRole represents the role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated connection
)

// LinkRole maps the radio role onto the protocol role: the central pulls,
// the peripheral serves.
func (r ConnectionRole) LinkRole() peerlink.Role {
	if r == RoleCentral {
		return peerlink.RoleInitiator
	}
	return peerlink.RoleResponder
}

// MTU limits - real BLE has small default MTU
const (
	DefaultMTU = 23  // BLE 4.0 default: 23 bytes total, 20 bytes data + 3 byte header
	MaxMTU     = 512 // iOS/Android can negotiate up to 512
)
