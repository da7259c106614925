package netman

import (
	"github.com/godbus/dbus/v5"
)

// NMActiveConnectionState
const (
	ActiveConnectionStateUnknown uint32 = iota
	ActiveConnectionStateActivating
	ActiveConnectionStateActivated
	ActiveConnectionStateDeactivating
	ActiveConnectionStateDeactivated
)

// NMDeviceType values the manager cares about.
const (
	DeviceTypeUnknown  uint32 = 0
	DeviceTypeEthernet uint32 = 1
	DeviceTypeWiFi     uint32 = 2
	DeviceTypeModem    uint32 = 8
)

// SimSlotDefault is the gsm "sim-slot" sentinel meaning "keep the slot that
// is currently primary".
const SimSlotDefault int32 = -1

// ConnectionTypeToDeviceType maps a connection "type" setting to the NM
// device type it binds to.
func ConnectionTypeToDeviceType(cnType string) uint32 {
	switch cnType {
	case "gsm":
		return DeviceTypeModem
	case "802-3-ethernet":
		return DeviceTypeEthernet
	case "802-11-wireless":
		return DeviceTypeWiFi
	default:
		return DeviceTypeUnknown
	}
}

// ConnectionSettings is the subset of a connection profile the manager reads.
type ConnectionSettings struct {
	ID            string
	Type          string
	InterfaceName string
	AutoConnect   bool
	NeverDefault  bool
	SimSlot       int32
	WirelessMode  string
}

// DeviceType returns the device type the profile binds to.
func (s *ConnectionSettings) DeviceType() uint32 {
	return ConnectionTypeToDeviceType(s.Type)
}

// Connection is a persistent connection profile.
type Connection interface {
	Path() dbus.ObjectPath
	GetSettings() (*ConnectionSettings, error)
}

// Device is a host network device a profile binds to.
type Device interface {
	Path() dbus.ObjectPath
	InterfaceName() (string, error)
	IPInterfaceName() (string, error)
	Managed() (bool, error)
	Udi() (string, error)
	// ActiveConnection returns the device's active connection, or nil.
	ActiveConnection() (ActiveConnection, error)
}

// ActiveConnection is a runtime activation of a profile.
type ActiveConnection interface {
	Path() dbus.ObjectPath
	ConnectionID() (string, error)
	ConnectionType() (string, error)
	State() (uint32, error)
	// Ifaces returns the IP interface names of the activation's devices.
	Ifaces() ([]string, error)
	Devices() ([]Device, error)
	Connection() (Connection, error)
}

// Manager is the capability set the failover engine consumes from the
// network-management daemon. Find* operations return nil (with nil error)
// when the object does not exist.
type Manager interface {
	GetConnections() ([]Connection, error)
	FindConnection(cnID string) (Connection, error)
	GetActiveConnections() (map[string]ActiveConnection, error)
	FindDeviceForConnection(con Connection) (Device, error)
	ActivateConnection(con Connection, dev Device) (ActiveConnection, error)
	DeactivateConnection(active ActiveConnection) error
	SetDeviceMetric(dev Device, metric int) error
	SetInterfaceMetric(ifaceName string, metric int) error
}
