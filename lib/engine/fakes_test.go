package engine

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/maksimkurb/nm-failover/lib/config"
	"github.com/maksimkurb/nm-failover/lib/modem"
	"github.com/maksimkurb/nm-failover/lib/netman"
)

// Fake collaborators for engine tests. The fake NetworkManager keeps a
// scriptable world of connections, devices and activations and records every
// command the engine issues.

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type fakeConnection struct {
	path     dbus.ObjectPath
	settings netman.ConnectionSettings
}

func (c *fakeConnection) Path() dbus.ObjectPath { return c.path }

func (c *fakeConnection) GetSettings() (*netman.ConnectionSettings, error) {
	s := c.settings
	return &s, nil
}

type fakeDevice struct {
	nm      *fakeNetman
	path    dbus.ObjectPath
	iface   string
	ipIface string
	managed bool
	udi     string
}

func (d *fakeDevice) Path() dbus.ObjectPath { return d.path }

func (d *fakeDevice) InterfaceName() (string, error) { return d.iface, nil }

func (d *fakeDevice) IPInterfaceName() (string, error) {
	if d.ipIface != "" {
		return d.ipIface, nil
	}
	return d.iface, nil
}

func (d *fakeDevice) Managed() (bool, error) { return d.managed, nil }

func (d *fakeDevice) Udi() (string, error) { return d.udi, nil }

func (d *fakeDevice) ActiveConnection() (netman.ActiveConnection, error) {
	for _, active := range d.nm.active {
		for _, dev := range active.devices {
			if dev == d {
				return active, nil
			}
		}
	}
	return nil, nil
}

type fakeActiveConnection struct {
	path    dbus.ObjectPath
	id      string
	cnType  string
	state   uint32
	devices []*fakeDevice
	con     *fakeConnection
}

func (a *fakeActiveConnection) Path() dbus.ObjectPath { return a.path }

func (a *fakeActiveConnection) ConnectionID() (string, error) { return a.id, nil }

func (a *fakeActiveConnection) ConnectionType() (string, error) { return a.cnType, nil }

func (a *fakeActiveConnection) State() (uint32, error) { return a.state, nil }

func (a *fakeActiveConnection) Ifaces() ([]string, error) {
	var res []string
	for _, dev := range a.devices {
		name, _ := dev.IPInterfaceName()
		res = append(res, name)
	}
	return res, nil
}

func (a *fakeActiveConnection) Devices() ([]netman.Device, error) {
	res := make([]netman.Device, 0, len(a.devices))
	for _, dev := range a.devices {
		res = append(res, dev)
	}
	return res, nil
}

func (a *fakeActiveConnection) Connection() (netman.Connection, error) {
	if a.con == nil {
		return nil, fmt.Errorf("no connection for %s", a.id)
	}
	return a.con, nil
}

type fakeNetman struct {
	connList  []*fakeConnection
	deviceFor map[string]*fakeDevice
	active    map[string]*fakeActiveConnection

	// activateResult scripts the activation outcome for a connection id.
	// Without a script an activation immediately reaches the activated
	// state on the profile's device.
	activateResult map[string]*fakeActiveConnection

	activateCalls   []string
	deactivateCalls []string
	deviceMetrics   map[string]int
	ifaceMetrics    map[string]int

	err error
}

func newFakeNetman() *fakeNetman {
	return &fakeNetman{
		deviceFor:      make(map[string]*fakeDevice),
		active:         make(map[string]*fakeActiveConnection),
		activateResult: make(map[string]*fakeActiveConnection),
		deviceMetrics:  make(map[string]int),
		ifaceMetrics:   make(map[string]int),
	}
}

func (f *fakeNetman) addDevice(iface, udi string) *fakeDevice {
	dev := &fakeDevice{
		nm:      f,
		path:    dbus.ObjectPath("/dev/" + iface),
		iface:   iface,
		managed: true,
		udi:     udi,
	}
	return dev
}

func (f *fakeNetman) addConnection(cnID, cnType string, simSlot int32, dev *fakeDevice) *fakeConnection {
	con := &fakeConnection{
		path: dbus.ObjectPath("/con/" + cnID),
		settings: netman.ConnectionSettings{
			ID:          cnID,
			Type:        cnType,
			AutoConnect: true,
			SimSlot:     simSlot,
		},
	}
	f.connList = append(f.connList, con)
	if dev != nil {
		f.deviceFor[cnID] = dev
	}
	return con
}

func (f *fakeNetman) addActive(cnID string, state uint32, devs ...*fakeDevice) *fakeActiveConnection {
	var con *fakeConnection
	cnType := ""
	for _, candidate := range f.connList {
		if candidate.settings.ID == cnID {
			con = candidate
			cnType = candidate.settings.Type
			break
		}
	}
	active := &fakeActiveConnection{
		path:    dbus.ObjectPath("/active/" + cnID),
		id:      cnID,
		cnType:  cnType,
		state:   state,
		devices: devs,
		con:     con,
	}
	f.active[cnID] = active
	return active
}

func (f *fakeNetman) GetConnections() ([]netman.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := make([]netman.Connection, 0, len(f.connList))
	for _, con := range f.connList {
		res = append(res, con)
	}
	return res, nil
}

func (f *fakeNetman) FindConnection(cnID string) (netman.Connection, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, con := range f.connList {
		if con.settings.ID == cnID {
			return con, nil
		}
	}
	return nil, nil
}

func (f *fakeNetman) GetActiveConnections() (map[string]netman.ActiveConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := make(map[string]netman.ActiveConnection, len(f.active))
	for cnID, active := range f.active {
		res[cnID] = active
	}
	return res, nil
}

func (f *fakeNetman) FindDeviceForConnection(con netman.Connection) (netman.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	settings, err := con.GetSettings()
	if err != nil {
		return nil, err
	}
	if dev, ok := f.deviceFor[settings.ID]; ok && dev != nil {
		return dev, nil
	}
	return nil, nil
}

func (f *fakeNetman) ActivateConnection(con netman.Connection, dev netman.Device) (netman.ActiveConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	settings, err := con.GetSettings()
	if err != nil {
		return nil, err
	}
	f.activateCalls = append(f.activateCalls, settings.ID)
	if scripted, ok := f.activateResult[settings.ID]; ok {
		// Scripted activations never reach the active-connection list;
		// NetworkManager drops failed activation requests.
		return scripted, nil
	}
	fakeDev, _ := dev.(*fakeDevice)
	return f.addActive(settings.ID, netman.ActiveConnectionStateActivated, fakeDev), nil
}

func (f *fakeNetman) DeactivateConnection(active netman.ActiveConnection) error {
	if f.err != nil {
		return f.err
	}
	cnID, _ := active.ConnectionID()
	f.deactivateCalls = append(f.deactivateCalls, cnID)
	if current, ok := f.active[cnID]; ok {
		current.state = netman.ActiveConnectionStateDeactivated
		delete(f.active, cnID)
	}
	return nil
}

func (f *fakeNetman) SetDeviceMetric(dev netman.Device, metric int) error {
	if f.err != nil {
		return f.err
	}
	name, _ := dev.InterfaceName()
	f.deviceMetrics[name] = metric
	return nil
}

func (f *fakeNetman) SetInterfaceMetric(ifaceName string, metric int) error {
	if f.err != nil {
		return f.err
	}
	f.ifaceMetrics[ifaceName] = metric
	return nil
}

type simSlotCall struct {
	udi  string
	slot uint32
}

type fakeModem struct {
	slots    map[string]uint32
	setCalls []simSlotCall
	onSet    func(udi string, slot uint32)
}

func newFakeModem() *fakeModem {
	return &fakeModem{slots: make(map[string]uint32)}
}

func (m *fakeModem) GetPrimarySimSlot(udi string) (uint32, error) {
	if slot, ok := m.slots[udi]; ok {
		return slot, nil
	}
	return 0, fmt.Errorf("modem %s not found", udi)
}

func (m *fakeModem) SetPrimarySimSlot(udi string, slot uint32) (bool, error) {
	m.setCalls = append(m.setCalls, simSlotCall{udi: udi, slot: slot})
	if m.onSet != nil {
		m.onSet(udi, slot)
	} else {
		m.slots[udi] = slot
	}
	return true, nil
}

type fakeChecker struct {
	results map[string]bool
	calls   []string
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{results: make(map[string]bool)}
}

func (c *fakeChecker) Check(iface, url, expectedPayload string) bool {
	c.calls = append(c.calls, iface)
	return c.results[iface]
}

func testConfig(tiers map[string][]string) *config.Config {
	cfg := &config.Config{
		StickyConnectionPeriod:   config.DefaultStickyConnectionPeriod,
		ConnectivityCheckURL:     config.DefaultConnectivityCheckURL,
		ConnectivityCheckPayload: config.DefaultConnectivityCheckPayload,
	}
	for _, t := range []struct {
		name     string
		priority int
	}{{"high", 3}, {"medium", 2}, {"low", 1}} {
		cfg.Tiers = append(cfg.Tiers, &config.Tier{
			Name:        t.name,
			Priority:    t.priority,
			Connections: tiers[t.name],
		})
	}
	return cfg
}

func newTestManager(cfg *config.Config, nm *fakeNetman, mm modem.Manager, checker ConnectivityChecker) (*ConnectionManager, *fakeClock) {
	m := NewConnectionManager(nm, mm, cfg, checker)
	clock := newFakeClock()
	m.now = clock.now
	m.sleep = clock.advance
	m.timeouts.Now = clock.now
	return m, clock
}
