package engine

import (
	"github.com/maksimkurb/nm-failover/lib/config"
	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/netman"
)

// CurrentConnectionMetric outranks every tier's base metric.
const CurrentConnectionMetric = 55

// deactivateLesserGsmConnections tears down every active cellular connection
// in the current or a lower tier, except the selected one. Cellular traffic
// is metered; spare SIMs never stay up.
func (m *ConnectionManager) deactivateLesserGsmConnections(cnID string, tier *config.Tier) {
	if tier == nil {
		return
	}
	log.Debugf("Deactivating lesser GSM connections")
	connections := m.findLesserGsmConnections(cnID, tier)
	log.Debugf("Found %d lesser GSM connections", len(connections))
	for _, active := range connections {
		lesserID, _ := active.ConnectionID()
		m.deactivateConnection(active)
		log.Infof("Deactivated unneeded GSM connection %q to save GSM traffic", lesserID)
	}
}

func (m *ConnectionManager) findLesserGsmConnections(currentCnID string, currentTier *config.Tier) []netman.ActiveConnection {
	var results []netman.ActiveConnection
	for _, tier := range m.cfg.Tiers {
		if tier.Priority > currentTier.Priority {
			continue
		}
		for _, cnID := range tier.Connections {
			if cnID == currentCnID || !m.connectionIsGsm(cnID) {
				continue
			}
			active, err := m.findActiveConnection(cnID)
			if err != nil {
				m.logConnectionCheckError(cnID, err)
				continue
			}
			if active != nil {
				results = append(results, active)
			}
		}
	}
	return results
}

// applyMetrics re-ranks all active tiered connections: the selected one gets
// CurrentConnectionMetric, the rest get their tier's base metric plus a
// per-tier counter, so simultaneously-active uplinks stay uniquely ordered.
func (m *ConnectionManager) applyMetrics() {
	activeConnections, err := m.nm.GetActiveConnections()
	if err != nil {
		log.RateLimitedWarnf("APPLY_METRICS", 0, "Failed to list active connections: %v", err)
		return
	}
	for _, tier := range m.cfg.Tiers {
		tierCounter := 0
		for _, cnID := range tier.Connections {
			active := activeConnections[cnID]
			if active == nil {
				continue
			}
			var metric int
			if m.currentConnection == cnID {
				metric = CurrentConnectionMetric
			} else {
				metric = tier.BaseRouteMetric() + tierCounter
				tierCounter++
			}
			m.setDeviceMetricForConnection(active, metric)
		}
	}
}

func (m *ConnectionManager) setDeviceMetricForConnection(active netman.ActiveConnection, metric int) {
	cnID, _ := active.ConnectionID()
	log.Debugf("Set device metric for connection %s (%d)", cnID, metric)
	devices, err := active.Devices()
	if err != nil {
		m.logConnectionCheckError(cnID, err)
		return
	}
	if len(devices) < 1 {
		log.Debugf("No devices found for connection %s", cnID)
		return
	}
	device := devices[0]
	cnType, err := active.ConnectionType()
	if err != nil {
		m.logConnectionCheckError(cnID, err)
		return
	}
	if netman.ConnectionTypeToDeviceType(cnType) == netman.DeviceTypeModem {
		// NetworkManager re-ranks routes it owns; modem pseudo-interfaces
		// it does not, so those go through the interface-metric path.
		iface, err := device.IPInterfaceName()
		if err != nil {
			m.logConnectionCheckError(cnID, err)
			return
		}
		if err := m.nm.SetInterfaceMetric(iface, metric); err != nil {
			m.logConnectionCheckError(cnID, err)
		}
	} else {
		if err := m.nm.SetDeviceMetric(device, metric); err != nil {
			m.logConnectionCheckError(cnID, err)
		}
	}
}
