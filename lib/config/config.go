package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/netman"
)

const (
	DefaultConfigPath = "/etc/nm-failover.conf"

	DefaultStickyConnectionPeriod   = 15 * time.Minute
	DefaultConnectivityCheckURL     = "http://network-test.debian.org/nm"
	DefaultConnectivityCheckPayload = "NetworkManager is online"
)

// ErrImproperlyConfigured marks configuration errors that should terminate
// the process with the "not configured" exit code.
var ErrImproperlyConfigured = errors.New("improperly configured")

// fileConfig is the on-disk JSON document. All fields are optional.
type fileConfig struct {
	Debug                    bool                `json:"debug"`
	StickyConnectionPeriodS  *uint               `json:"sticky_connection_period_s"`
	ConnectivityCheckURL     string              `json:"connectivity_check_url" validate:"omitempty,startswith=http://|startswith=https://"`
	ConnectivityCheckPayload *string             `json:"connectivity_check_payload"`
	Tiers                    map[string][]string `json:"tiers"`
	MQTTBrokerURL            string              `json:"mqtt_broker_url" validate:"omitempty,uri"`
	StatusAPIListen          string              `json:"status_api_listen" validate:"omitempty,hostname_port"`
}

// Config is the validated selection policy.
type Config struct {
	Debug                    bool
	Tiers                    []*Tier
	StickyConnectionPeriod   time.Duration
	ConnectivityCheckURL     string
	ConnectivityCheckPayload string
	MQTTBrokerURL            string
	StatusAPIListen          string

	explicitTiers bool
}

// LoadConfig reads and validates the JSON configuration file. Tier contents
// are taken verbatim; call ResolveTiers to derive defaults and filter
// unmanaged profiles against the running daemon.
func LoadConfig(configPath string) (*Config, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrImproperlyConfigured, configPath, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(content, &fc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrImproperlyConfigured, configPath, err)
	}

	if err := validator.New().Struct(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImproperlyConfigured, err)
	}
	if fc.ConnectivityCheckPayload != nil && *fc.ConnectivityCheckPayload == "" {
		return nil, fmt.Errorf("%w: empty connectivity payload", ErrImproperlyConfigured)
	}
	if fc.StickyConnectionPeriodS != nil && *fc.StickyConnectionPeriodS == 0 {
		return nil, fmt.Errorf("%w: incorrect sticky_connection_period_s (0)", ErrImproperlyConfigured)
	}

	cfg := &Config{
		Debug:                    fc.Debug,
		StickyConnectionPeriod:   DefaultStickyConnectionPeriod,
		ConnectivityCheckURL:     DefaultConnectivityCheckURL,
		ConnectivityCheckPayload: DefaultConnectivityCheckPayload,
		MQTTBrokerURL:            fc.MQTTBrokerURL,
		StatusAPIListen:          fc.StatusAPIListen,
	}
	if fc.StickyConnectionPeriodS != nil {
		cfg.StickyConnectionPeriod = time.Duration(*fc.StickyConnectionPeriodS) * time.Second
	}
	if fc.ConnectivityCheckURL != "" {
		cfg.ConnectivityCheckURL = fc.ConnectivityCheckURL
	}
	if fc.ConnectivityCheckPayload != nil {
		cfg.ConnectivityCheckPayload = *fc.ConnectivityCheckPayload
	}
	if len(fc.Tiers) > 0 {
		cfg.explicitTiers = true
		cfg.Tiers = tiersFromMap(fc.Tiers)
	} else {
		cfg.Tiers = emptyTiers()
	}

	return cfg, nil
}

// HasConnections reports whether any tier still holds a profile.
func (c *Config) HasConnections() bool {
	for _, tier := range c.Tiers {
		if len(tier.Connections) > 0 {
			return true
		}
	}
	return false
}

// ResolveTiers derives default tiers from the profile list when the file
// gave none, then drops profiles whose device is unmanaged.
func (c *Config) ResolveTiers(nm netman.Manager) error {
	if !c.explicitTiers {
		tiers, err := defaultTiers(nm)
		if err != nil {
			return err
		}
		c.Tiers = tiers
	}
	return c.filterOutUnmanagedConnections(nm)
}

func (c *Config) filterOutUnmanagedConnections(nm netman.Manager) error {
	for _, tier := range c.Tiers {
		kept := make([]string, 0, len(tier.Connections))
		for _, cnID := range tier.Connections {
			con, err := nm.FindConnection(cnID)
			if err != nil {
				return err
			}
			if con == nil {
				log.Warnf("Connection %s not found, skipping", cnID)
				continue
			}
			unmanaged, err := connectionIsUnmanaged(nm, con, cnID)
			if err != nil {
				return err
			}
			if unmanaged {
				log.Warnf("Connection %s is unmanaged, skipping", cnID)
				continue
			}
			kept = append(kept, cnID)
		}
		tier.Connections = kept
	}
	return nil
}

func defaultTiers(nm netman.Manager) ([]*Tier, error) {
	tiers := emptyTiers()
	cons, err := nm.GetConnections()
	if err != nil {
		return nil, err
	}
	for _, con := range cons {
		settings, err := con.GetSettings()
		if err != nil {
			return nil, err
		}
		if !settings.AutoConnect || settings.NeverDefault {
			continue
		}
		unmanaged, err := connectionIsUnmanaged(nm, con, settings.ID)
		if err != nil {
			return nil, err
		}
		if unmanaged {
			continue
		}
		switch settings.DeviceType() {
		case netman.DeviceTypeModem:
			tiers[2].Connections = append(tiers[2].Connections, settings.ID)
		case netman.DeviceTypeWiFi:
			if settings.WirelessMode == "ap" {
				log.Debugf("Skipping AP connection %s", settings.ID)
				continue
			}
			tiers[1].Connections = append(tiers[1].Connections, settings.ID)
		case netman.DeviceTypeEthernet:
			tiers[0].Connections = append(tiers[0].Connections, settings.ID)
		default:
			log.Warnf("Unknown connection type: %s", settings.Type)
		}
	}
	log.Debugf("Default tiers: high %v, medium %v, low %v",
		tiers[0].Connections, tiers[1].Connections, tiers[2].Connections)
	return tiers, nil
}

// connectionIsUnmanaged reports whether the profile's device exists and is
// explicitly unmanaged. A missing device does not count: it may appear later.
func connectionIsUnmanaged(nm netman.Manager, con netman.Connection, cnID string) (bool, error) {
	device, err := nm.FindDeviceForConnection(con)
	if err != nil {
		return false, err
	}
	if device == nil {
		log.Warnf("No device for connection %s found, will recheck later", cnID)
		return false, nil
	}
	managed, err := device.Managed()
	if err != nil {
		return false, err
	}
	if managed {
		return false, nil
	}
	name, _ := device.InterfaceName()
	log.Warnf("Device for connection %s (%s) is unmanaged, not using it", cnID, name)
	return true, nil
}
