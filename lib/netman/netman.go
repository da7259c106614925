package netman

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/maksimkurb/nm-failover/lib/log"
)

const (
	nmService      = "org.freedesktop.NetworkManager"
	nmPath         = "/org/freedesktop/NetworkManager"
	nmSettingsPath = "/org/freedesktop/NetworkManager/Settings"

	nmIface           = "org.freedesktop.NetworkManager"
	nmSettingsIface   = "org.freedesktop.NetworkManager.Settings"
	nmConnectionIface = "org.freedesktop.NetworkManager.Settings.Connection"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"
	nmActiveIface     = "org.freedesktop.NetworkManager.Connection.Active"

	propsIface = "org.freedesktop.DBus.Properties"

	// Every daemon call carries its own deadline so a wedged bus cannot
	// stall the decision loop longer than one activation budget.
	callTimeout = 30 * time.Second
)

// DBusManager talks to NetworkManager over the system bus.
type DBusManager struct {
	conn *dbus.Conn
}

// NewDBusManager connects to the system bus.
func NewDBusManager() (*DBusManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &DBusManager{conn: conn}, nil
}

func (m *DBusManager) call(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return m.conn.Object(nmService, path).CallWithContext(ctx, method, 0, args...)
}

func (m *DBusManager) prop(path dbus.ObjectPath, iface, name string, out interface{}) error {
	var v dbus.Variant
	if err := m.call(path, propsIface+".Get", iface, name).Store(&v); err != nil {
		return fmt.Errorf("failed to get %s.%s of %s: %w", iface, name, path, err)
	}
	if err := v.Store(out); err != nil {
		return fmt.Errorf("unexpected type of %s.%s of %s: %w", iface, name, path, err)
	}
	return nil
}

// GetConnections enumerates all persistent connection profiles.
func (m *DBusManager) GetConnections() ([]Connection, error) {
	var paths []dbus.ObjectPath
	if err := m.call(nmSettingsPath, nmSettingsIface+".ListConnections").Store(&paths); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	cons := make([]Connection, 0, len(paths))
	for _, path := range paths {
		cons = append(cons, &dbusConnection{m: m, path: path})
	}
	return cons, nil
}

// FindConnection returns the profile with the given connection id, or nil.
func (m *DBusManager) FindConnection(cnID string) (Connection, error) {
	cons, err := m.GetConnections()
	if err != nil {
		return nil, err
	}
	for _, con := range cons {
		settings, err := con.GetSettings()
		if err != nil {
			log.Debugf("Failed to read settings of %s: %v", con.Path(), err)
			continue
		}
		if settings.ID == cnID {
			return con, nil
		}
	}
	return nil, nil
}

// GetActiveConnections returns active connections keyed by connection id.
func (m *DBusManager) GetActiveConnections() (map[string]ActiveConnection, error) {
	var paths []dbus.ObjectPath
	if err := m.prop(nmPath, nmIface, "ActiveConnections", &paths); err != nil {
		return nil, err
	}
	res := make(map[string]ActiveConnection, len(paths))
	for _, path := range paths {
		active := &dbusActiveConnection{m: m, path: path}
		cnID, err := active.ConnectionID()
		if err != nil {
			// Activations can disappear from the bus mid-enumeration.
			log.Debugf("Failed to read id of active connection %s: %v", path, err)
			continue
		}
		res[cnID] = active
	}
	return res, nil
}

func (m *DBusManager) getDevices() ([]Device, error) {
	var paths []dbus.ObjectPath
	if err := m.call(nmPath, nmIface+".GetDevices").Store(&paths); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	devs := make([]Device, 0, len(paths))
	for _, path := range paths {
		devs = append(devs, &dbusDevice{m: m, path: path})
	}
	return devs, nil
}

// FindDeviceForConnection locates the device a profile binds to: by pinned
// interface name when present, otherwise by device type. Returns nil when no
// device matches.
func (m *DBusManager) FindDeviceForConnection(con Connection) (Device, error) {
	settings, err := con.GetSettings()
	if err != nil {
		return nil, err
	}
	devs, err := m.getDevices()
	if err != nil {
		return nil, err
	}
	if settings.InterfaceName != "" {
		for _, dev := range devs {
			name, err := dev.InterfaceName()
			if err != nil {
				continue
			}
			if name == settings.InterfaceName {
				return dev, nil
			}
		}
		return nil, nil
	}
	wantType := settings.DeviceType()
	for _, dev := range devs {
		var devType uint32
		if err := m.prop(dev.Path(), nmDeviceIface, "DeviceType", &devType); err != nil {
			continue
		}
		if devType == wantType {
			return dev, nil
		}
	}
	return nil, nil
}

// ActivateConnection asks NetworkManager to activate the profile on the device.
func (m *DBusManager) ActivateConnection(con Connection, dev Device) (ActiveConnection, error) {
	var activePath dbus.ObjectPath
	err := m.call(nmPath, nmIface+".ActivateConnection",
		con.Path(), dev.Path(), dbus.ObjectPath("/")).Store(&activePath)
	if err != nil {
		return nil, fmt.Errorf("failed to activate connection %s: %w", con.Path(), err)
	}
	return &dbusActiveConnection{m: m, path: activePath}, nil
}

// DeactivateConnection asks NetworkManager to tear an activation down.
func (m *DBusManager) DeactivateConnection(active ActiveConnection) error {
	if err := m.call(nmPath, nmIface+".DeactivateConnection", active.Path()).Err; err != nil {
		return fmt.Errorf("failed to deactivate connection %s: %w", active.Path(), err)
	}
	return nil
}

type dbusConnection struct {
	m    *DBusManager
	path dbus.ObjectPath
}

func (c *dbusConnection) Path() dbus.ObjectPath { return c.path }

func (c *dbusConnection) GetSettings() (*ConnectionSettings, error) {
	var raw map[string]map[string]dbus.Variant
	if err := c.m.call(c.path, nmConnectionIface+".GetSettings").Store(&raw); err != nil {
		return nil, fmt.Errorf("failed to get settings of %s: %w", c.path, err)
	}
	return parseSettings(raw), nil
}

func parseSettings(raw map[string]map[string]dbus.Variant) *ConnectionSettings {
	settings := &ConnectionSettings{
		AutoConnect: true,
		SimSlot:     SimSlotDefault,
	}
	if conn, ok := raw["connection"]; ok {
		settings.ID = variantString(conn["id"])
		settings.Type = variantString(conn["type"])
		settings.InterfaceName = variantString(conn["interface-name"])
		if v, ok := conn["autoconnect"]; ok {
			settings.AutoConnect = variantBool(v)
		}
	}
	if ipv4, ok := raw["ipv4"]; ok {
		if v, ok := ipv4["never-default"]; ok {
			settings.NeverDefault = variantBool(v)
		}
	}
	if gsm, ok := raw["gsm"]; ok {
		if v, ok := gsm["sim-slot"]; ok {
			settings.SimSlot = variantInt32(v)
		}
	}
	if wifi, ok := raw["802-11-wireless"]; ok {
		settings.WirelessMode = variantString(wifi["mode"])
	}
	return settings
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantInt32(v dbus.Variant) int32 {
	switch n := v.Value().(type) {
	case int32:
		return n
	case uint32:
		return int32(n)
	case int64:
		return int32(n)
	default:
		return SimSlotDefault
	}
}

type dbusDevice struct {
	m    *DBusManager
	path dbus.ObjectPath
}

func (d *dbusDevice) Path() dbus.ObjectPath { return d.path }

func (d *dbusDevice) InterfaceName() (string, error) {
	var name string
	err := d.m.prop(d.path, nmDeviceIface, "Interface", &name)
	return name, err
}

func (d *dbusDevice) IPInterfaceName() (string, error) {
	var name string
	err := d.m.prop(d.path, nmDeviceIface, "IpInterface", &name)
	return name, err
}

func (d *dbusDevice) Managed() (bool, error) {
	var managed bool
	err := d.m.prop(d.path, nmDeviceIface, "Managed", &managed)
	return managed, err
}

func (d *dbusDevice) Udi() (string, error) {
	var udi string
	err := d.m.prop(d.path, nmDeviceIface, "Udi", &udi)
	return udi, err
}

func (d *dbusDevice) ActiveConnection() (ActiveConnection, error) {
	var path dbus.ObjectPath
	if err := d.m.prop(d.path, nmDeviceIface, "ActiveConnection", &path); err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, nil
	}
	return &dbusActiveConnection{m: d.m, path: path}, nil
}

type dbusActiveConnection struct {
	m    *DBusManager
	path dbus.ObjectPath
}

func (a *dbusActiveConnection) Path() dbus.ObjectPath { return a.path }

func (a *dbusActiveConnection) ConnectionID() (string, error) {
	var id string
	err := a.m.prop(a.path, nmActiveIface, "Id", &id)
	return id, err
}

func (a *dbusActiveConnection) ConnectionType() (string, error) {
	var cnType string
	err := a.m.prop(a.path, nmActiveIface, "Type", &cnType)
	return cnType, err
}

func (a *dbusActiveConnection) State() (uint32, error) {
	var state uint32
	err := a.m.prop(a.path, nmActiveIface, "State", &state)
	return state, err
}

func (a *dbusActiveConnection) Ifaces() ([]string, error) {
	devs, err := a.Devices()
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(devs))
	for _, dev := range devs {
		name, err := dev.IPInterfaceName()
		if err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, nil
}

func (a *dbusActiveConnection) Devices() ([]Device, error) {
	var paths []dbus.ObjectPath
	if err := a.m.prop(a.path, nmActiveIface, "Devices", &paths); err != nil {
		return nil, err
	}
	devs := make([]Device, 0, len(paths))
	for _, path := range paths {
		devs = append(devs, &dbusDevice{m: a.m, path: path})
	}
	return devs, nil
}

func (a *dbusActiveConnection) Connection() (Connection, error) {
	var path dbus.ObjectPath
	if err := a.m.prop(a.path, nmActiveIface, "Connection", &path); err != nil {
		return nil, err
	}
	return &dbusConnection{m: a.m, path: path}, nil
}
