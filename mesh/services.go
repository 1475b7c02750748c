package mesh

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/user/blemesh/peerlink"
)

// BLE service and characteristic UUIDs. The service UUID is derived from
// the session so nodes of different sessions never see each other; the
// characteristic UUIDs are fixed.
const servicePrefix = "CA32E4F6-28EA-419D-"

func derive(suffix uint64) uuid.UUID {
	hex := fmt.Sprintf("%016X", suffix)
	return uuid.MustParse(servicePrefix + hex[:4] + "-" + hex[4:])
}

// ServiceUUID returns the service advertised for session.
func ServiceUUID(session uint64) uuid.UUID {
	return derive(session)
}

var (
	InventoryCharUUID = derive(1)
	MetadataCharUUID  = derive(2)
	SliceCharUUID     = derive(3)
)

// CharacteristicUUID returns the characteristic that carries class.
func CharacteristicUUID(class peerlink.Class) (uuid.UUID, bool) {
	switch class {
	case peerlink.ClassInventory:
		return InventoryCharUUID, true
	case peerlink.ClassMetadata:
		return MetadataCharUUID, true
	case peerlink.ClassSlice:
		return SliceCharUUID, true
	default:
		return uuid.Nil, false
	}
}

// ClassForCharacteristic maps a characteristic back to its message class.
func ClassForCharacteristic(id uuid.UUID) (peerlink.Class, bool) {
	for _, c := range peerlink.Classes {
		if u, _ := CharacteristicUUID(c); u == id {
			return c, true
		}
	}
	return 0, false
}
