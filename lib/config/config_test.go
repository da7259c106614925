package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/maksimkurb/nm-failover/lib/netman"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nm-failover.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("/non/existent/file.conf")
	if !errors.Is(err, ErrImproperlyConfigured) {
		t.Errorf("Expected ErrImproperlyConfigured for a missing file, got %v", err)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"tiers": {`)
	_, err := LoadConfig(path)
	if !errors.Is(err, ErrImproperlyConfigured) {
		t.Errorf("Expected ErrImproperlyConfigured for invalid JSON, got %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error for empty config: %v", err)
	}

	if cfg.StickyConnectionPeriod != DefaultStickyConnectionPeriod {
		t.Errorf("Expected default sticky period, got %s", cfg.StickyConnectionPeriod)
	}
	if cfg.ConnectivityCheckURL != DefaultConnectivityCheckURL {
		t.Errorf("Expected default check URL, got %s", cfg.ConnectivityCheckURL)
	}
	if cfg.ConnectivityCheckPayload != DefaultConnectivityCheckPayload {
		t.Errorf("Expected default payload, got %s", cfg.ConnectivityCheckPayload)
	}
	if cfg.HasConnections() {
		t.Error("Expected no connections in an empty config")
	}
	if len(cfg.Tiers) != 3 {
		t.Fatalf("Expected three tiers, got %d", len(cfg.Tiers))
	}
}

func TestLoadConfig_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"debug": true,
		"sticky_connection_period_s": 600,
		"connectivity_check_url": "https://check.example.org/online",
		"connectivity_check_payload": "all good",
		"tiers": {
			"high": ["wb-eth0", "wb-eth1"],
			"medium": ["wb-wifi"],
			"low": ["wb-gsm-sim1"]
		}
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error: %v", err)
	}

	if !cfg.Debug {
		t.Error("Expected debug enabled")
	}
	if cfg.StickyConnectionPeriod != 600*time.Second {
		t.Errorf("Expected 600s sticky period, got %s", cfg.StickyConnectionPeriod)
	}
	if cfg.ConnectivityCheckURL != "https://check.example.org/online" {
		t.Errorf("Unexpected check URL: %s", cfg.ConnectivityCheckURL)
	}
	if cfg.ConnectivityCheckPayload != "all good" {
		t.Errorf("Unexpected payload: %s", cfg.ConnectivityCheckPayload)
	}

	if cfg.Tiers[0].Name != "high" || cfg.Tiers[0].Priority != 3 {
		t.Errorf("Unexpected first tier: %+v", cfg.Tiers[0])
	}
	if len(cfg.Tiers[0].Connections) != 2 || cfg.Tiers[0].Connections[0] != "wb-eth0" {
		t.Errorf("Unexpected high tier connections: %v", cfg.Tiers[0].Connections)
	}
	if len(cfg.Tiers[1].Connections) != 1 || cfg.Tiers[1].Connections[0] != "wb-wifi" {
		t.Errorf("Unexpected medium tier connections: %v", cfg.Tiers[1].Connections)
	}
	if !cfg.HasConnections() {
		t.Error("Expected connections present")
	}
}

func TestLoadConfig_BadURL(t *testing.T) {
	path := writeConfig(t, `{"connectivity_check_url": "ftp://mirror.example.org/x"}`)
	_, err := LoadConfig(path)
	if !errors.Is(err, ErrImproperlyConfigured) {
		t.Errorf("Expected ErrImproperlyConfigured for a non-http URL, got %v", err)
	}
}

func TestLoadConfig_EmptyPayload(t *testing.T) {
	path := writeConfig(t, `{"connectivity_check_payload": ""}`)
	_, err := LoadConfig(path)
	if !errors.Is(err, ErrImproperlyConfigured) {
		t.Errorf("Expected ErrImproperlyConfigured for an empty payload, got %v", err)
	}
}

func TestLoadConfig_BadStickyPeriod(t *testing.T) {
	for _, content := range []string{
		`{"sticky_connection_period_s": "ABC"}`,
		`{"sticky_connection_period_s": -5}`,
		`{"sticky_connection_period_s": 0}`,
	} {
		path := writeConfig(t, content)
		if _, err := LoadConfig(path); !errors.Is(err, ErrImproperlyConfigured) {
			t.Errorf("Expected ErrImproperlyConfigured for %s, got %v", content, err)
		}
	}
}

func TestTierBaseRouteMetric(t *testing.T) {
	cases := []struct {
		priority int
		want     int
	}{{3, 105}, {2, 205}, {1, 305}}
	for _, c := range cases {
		tier := &Tier{Priority: c.priority}
		if got := tier.BaseRouteMetric(); got != c.want {
			t.Errorf("BaseRouteMetric(priority=%d) = %d, want %d", c.priority, got, c.want)
		}
	}
}

// Fakes for tier resolution against the network daemon.

type fakeConnection struct {
	settings netman.ConnectionSettings
}

func (c *fakeConnection) Path() dbus.ObjectPath { return dbus.ObjectPath("/con/" + c.settings.ID) }

func (c *fakeConnection) GetSettings() (*netman.ConnectionSettings, error) {
	s := c.settings
	return &s, nil
}

type fakeDevice struct {
	iface   string
	managed bool
}

func (d *fakeDevice) Path() dbus.ObjectPath { return dbus.ObjectPath("/dev/" + d.iface) }

func (d *fakeDevice) InterfaceName() (string, error) { return d.iface, nil }

func (d *fakeDevice) IPInterfaceName() (string, error) { return d.iface, nil }

func (d *fakeDevice) Managed() (bool, error) { return d.managed, nil }

func (d *fakeDevice) Udi() (string, error) { return "", nil }

func (d *fakeDevice) ActiveConnection() (netman.ActiveConnection, error) { return nil, nil }

type fakeManager struct {
	connections []*fakeConnection
	devices     map[string]*fakeDevice
}

func (f *fakeManager) GetConnections() ([]netman.Connection, error) {
	res := make([]netman.Connection, 0, len(f.connections))
	for _, con := range f.connections {
		res = append(res, con)
	}
	return res, nil
}

func (f *fakeManager) FindConnection(cnID string) (netman.Connection, error) {
	for _, con := range f.connections {
		if con.settings.ID == cnID {
			return con, nil
		}
	}
	return nil, nil
}

func (f *fakeManager) GetActiveConnections() (map[string]netman.ActiveConnection, error) {
	return map[string]netman.ActiveConnection{}, nil
}

func (f *fakeManager) FindDeviceForConnection(con netman.Connection) (netman.Device, error) {
	settings, err := con.GetSettings()
	if err != nil {
		return nil, err
	}
	if dev, ok := f.devices[settings.ID]; ok && dev != nil {
		return dev, nil
	}
	return nil, nil
}

func (f *fakeManager) ActivateConnection(con netman.Connection, dev netman.Device) (netman.ActiveConnection, error) {
	return nil, nil
}

func (f *fakeManager) DeactivateConnection(active netman.ActiveConnection) error { return nil }

func (f *fakeManager) SetDeviceMetric(dev netman.Device, metric int) error { return nil }

func (f *fakeManager) SetInterfaceMetric(ifaceName string, metric int) error { return nil }

func addProfile(f *fakeManager, settings netman.ConnectionSettings, dev *fakeDevice) {
	f.connections = append(f.connections, &fakeConnection{settings: settings})
	if f.devices == nil {
		f.devices = make(map[string]*fakeDevice)
	}
	if dev != nil {
		f.devices[settings.ID] = dev
	}
}

func TestResolveTiers_FiltersUnmanagedAndMissing(t *testing.T) {
	f := &fakeManager{}
	addProfile(f, netman.ConnectionSettings{ID: "wb-eth0", Type: "802-3-ethernet", AutoConnect: true},
		&fakeDevice{iface: "eth0", managed: true})
	addProfile(f, netman.ConnectionSettings{ID: "wb-eth1", Type: "802-3-ethernet", AutoConnect: true},
		&fakeDevice{iface: "eth1", managed: false})

	path := writeConfig(t, `{"tiers": {"high": ["wb-eth0", "wb-eth1", "wb-ghost"]}}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error: %v", err)
	}
	if err := cfg.ResolveTiers(f); err != nil {
		t.Fatalf("Expected no error: %v", err)
	}

	if len(cfg.Tiers[0].Connections) != 1 || cfg.Tiers[0].Connections[0] != "wb-eth0" {
		t.Errorf("Expected only wb-eth0 to survive filtering, got %v", cfg.Tiers[0].Connections)
	}
}

func TestResolveTiers_KeepsProfileWithMissingDevice(t *testing.T) {
	f := &fakeManager{}
	addProfile(f, netman.ConnectionSettings{ID: "wb-gsm", Type: "gsm", AutoConnect: true, SimSlot: -1}, nil)

	path := writeConfig(t, `{"tiers": {"low": ["wb-gsm"]}}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error: %v", err)
	}
	if err := cfg.ResolveTiers(f); err != nil {
		t.Fatalf("Expected no error: %v", err)
	}

	// A missing device may appear later; the profile stays managed.
	if len(cfg.Tiers[2].Connections) != 1 {
		t.Errorf("Expected wb-gsm kept, got %v", cfg.Tiers[2].Connections)
	}
}

func TestResolveTiers_DerivesDefaults(t *testing.T) {
	f := &fakeManager{}
	addProfile(f, netman.ConnectionSettings{ID: "wb-eth0", Type: "802-3-ethernet", AutoConnect: true},
		&fakeDevice{iface: "eth0", managed: true})
	addProfile(f, netman.ConnectionSettings{ID: "wb-wifi", Type: "802-11-wireless", AutoConnect: true},
		&fakeDevice{iface: "wlan0", managed: true})
	addProfile(f, netman.ConnectionSettings{ID: "wb-ap", Type: "802-11-wireless", AutoConnect: true, WirelessMode: "ap"},
		&fakeDevice{iface: "wlan0", managed: true})
	addProfile(f, netman.ConnectionSettings{ID: "wb-gsm", Type: "gsm", AutoConnect: true, SimSlot: -1},
		&fakeDevice{iface: "cdc-wdm0", managed: true})
	addProfile(f, netman.ConnectionSettings{ID: "wb-manual", Type: "802-3-ethernet", AutoConnect: false},
		&fakeDevice{iface: "eth1", managed: true})
	addProfile(f, netman.ConnectionSettings{ID: "wb-local", Type: "802-3-ethernet", AutoConnect: true, NeverDefault: true},
		&fakeDevice{iface: "eth2", managed: true})

	path := writeConfig(t, `{}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected no error: %v", err)
	}
	if err := cfg.ResolveTiers(f); err != nil {
		t.Fatalf("Expected no error: %v", err)
	}

	if len(cfg.Tiers[0].Connections) != 1 || cfg.Tiers[0].Connections[0] != "wb-eth0" {
		t.Errorf("Unexpected high tier: %v", cfg.Tiers[0].Connections)
	}
	if len(cfg.Tiers[1].Connections) != 1 || cfg.Tiers[1].Connections[0] != "wb-wifi" {
		t.Errorf("Unexpected medium tier: %v", cfg.Tiers[1].Connections)
	}
	if len(cfg.Tiers[2].Connections) != 1 || cfg.Tiers[2].Connections[0] != "wb-gsm" {
		t.Errorf("Unexpected low tier: %v", cfg.Tiers[2].Connections)
	}
}
