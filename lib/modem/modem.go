// Package modem is a capability client of ModemManager, limited to what SIM
// failover needs: reading and switching the primary SIM slot of a modem.
package modem

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/maksimkurb/nm-failover/lib/log"
)

const (
	mmService = "org.freedesktop.ModemManager1"
	mmPath    = "/org/freedesktop/ModemManager1"

	mmModemIface       = "org.freedesktop.ModemManager1.Modem"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface         = "org.freedesktop.DBus.Properties"

	callTimeout = 30 * time.Second
)

// Manager is the capability set the failover engine consumes from the modem
// daemon. The modem is addressed by its device path (NM's Udi property).
type Manager interface {
	GetPrimarySimSlot(modemPath string) (uint32, error)
	// SetPrimarySimSlot switches the primary slot. Returns true when the
	// slot is set (already or after switching) and false when the modem is
	// not managed by the daemon.
	SetPrimarySimSlot(modemPath string, slot uint32) (bool, error)
}

// DBusManager talks to ModemManager over the system bus.
type DBusManager struct {
	conn *dbus.Conn
}

// NewDBusManager connects to the system bus and verifies ModemManager is
// reachable.
func NewDBusManager() (*DBusManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	m := &DBusManager{conn: conn}
	if _, err := m.managedModems(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DBusManager) call(path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return m.conn.Object(mmService, path).CallWithContext(ctx, method, 0, args...)
}

// managedModems enumerates modem object paths through the ObjectManager.
// The set changes whenever a SIM switch re-creates the modem object.
func (m *DBusManager) managedModems() ([]dbus.ObjectPath, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := m.call(mmPath, objectManagerIface+".GetManagedObjects").Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to list modems: %w", err)
	}
	paths := make([]dbus.ObjectPath, 0, len(objects))
	for path := range objects {
		paths = append(paths, path)
	}
	return paths, nil
}

// GetPrimarySimSlot reads the primary SIM slot of the modem.
func (m *DBusManager) GetPrimarySimSlot(modemPath string) (uint32, error) {
	var v dbus.Variant
	err := m.call(dbus.ObjectPath(modemPath), propsIface+".Get", mmModemIface, "PrimarySimSlot").Store(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to get primary SIM slot of %s: %w", modemPath, err)
	}
	var slot uint32
	if err := v.Store(&slot); err != nil {
		return 0, fmt.Errorf("unexpected PrimarySimSlot type of %s: %w", modemPath, err)
	}
	return slot, nil
}

// SetPrimarySimSlot switches the primary SIM slot of the modem. When the
// slot is already primary nothing is done and true is returned.
func (m *DBusManager) SetPrimarySimSlot(modemPath string, slot uint32) (bool, error) {
	modems, err := m.managedModems()
	if err != nil {
		return false, err
	}
	for _, path := range modems {
		if path != dbus.ObjectPath(modemPath) {
			continue
		}
		current, err := m.GetPrimarySimSlot(modemPath)
		if err != nil {
			return false, err
		}
		if current == slot {
			log.Debugf("SIM slot is already set to %d, no need for any changes", current)
			return true, nil
		}
		if err := m.call(path, mmModemIface+".SetPrimarySimSlot", slot).Err; err != nil {
			return false, fmt.Errorf("failed to set primary SIM slot of %s: %w", modemPath, err)
		}
		return true, nil
	}
	return false, nil
}
