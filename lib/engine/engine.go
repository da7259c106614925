// Package engine drives WAN failover: every tick it picks the highest-tier
// connection with verified Internet reachability, activates it through
// NetworkManager, keeps spare cellular links down and re-ranks route metrics.
package engine

import (
	"time"

	"github.com/maksimkurb/nm-failover/lib/config"
	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/modem"
	"github.com/maksimkurb/nm-failover/lib/netman"
	"github.com/maksimkurb/nm-failover/lib/timeouts"
)

// CheckPeriod separates two decision ticks.
const CheckPeriod = 5 * time.Second

// ConnectivityChecker verifies Internet reachability through an interface.
type ConnectivityChecker interface {
	Check(iface, url, expectedPayload string) bool
}

// ConnectionManager is the failover decision loop. It is single-threaded:
// all state mutation happens inside CycleLoop.
type ConnectionManager struct {
	nm       netman.Manager
	mm       modem.Manager
	cfg      *config.Config
	timeouts *timeouts.TimeoutManager
	checker  ConnectivityChecker

	currentTier       *config.Tier
	currentConnection string

	strategies map[uint32]activationStrategy

	// now and sleep are replaceable so tests can drive waits.
	now   func() time.Time
	sleep func(time.Duration)

	snapshot atomicSnapshot
	events   chan Event
}

// NewConnectionManager wires the engine to its collaborators. mm may be nil;
// cellular profiles with the default SIM slot are then activated as usual,
// while profiles that name a specific SIM slot are not activated at all.
func NewConnectionManager(nm netman.Manager, mm modem.Manager, cfg *config.Config, checker ConnectivityChecker) *ConnectionManager {
	m := &ConnectionManager{
		nm:       nm,
		mm:       mm,
		cfg:      cfg,
		timeouts: timeouts.NewTimeoutManager(cfg.StickyConnectionPeriod),
		checker:  checker,
		now:      time.Now,
		sleep:    time.Sleep,
		events:   make(chan Event, 16),
	}
	m.strategies = map[uint32]activationStrategy{
		netman.DeviceTypeEthernet: &genericActivation{m},
		netman.DeviceTypeWiFi:     &wifiClientActivation{m},
		netman.DeviceTypeModem:    &cellularActivation{m},
	}
	log.Debugf("Initialized sticky connection period as %s", cfg.StickyConnectionPeriod)
	return m
}

// ReloadConfig swaps the selection policy at a tick boundary. Armed retry
// and sticky deadlines survive the reload.
func (m *ConnectionManager) ReloadConfig(cfg *config.Config) {
	m.cfg = cfg
	m.timeouts.StickyConnectionPeriod = cfg.StickyConnectionPeriod
}

// CycleLoop performs one decision tick.
func (m *ConnectionManager) CycleLoop() {
	newTier, newConnection := m.check()
	if newConnection != m.currentConnection || newTier != m.currentTier {
		m.setCurrentConnection(newConnection, newTier)
		m.deactivateLesserGsmConnections(newConnection, newTier)
		m.applyMetrics()
	} else {
		m.deactivateLesserGsmConnections(newConnection, newTier)
	}
	m.publishSnapshot()
}

// check walks the tiers from high to low and returns the first connection
// with connectivity, activating candidates on the way. When nothing works
// the current selection is kept.
func (m *ConnectionManager) check() (*config.Tier, string) {
	log.Debugf("check(): starting iteration")
	m.timeouts.DebugLogTimeouts()
	for _, tier := range m.cfg.Tiers {
		log.Debugf("checking tier %s", tier.Name)
		if m.currentTier != nil && m.currentConnection != "" && m.currentTier.Priority == tier.Priority {
			if m.currentConnectionHasConnectivity() {
				return m.currentTier, m.currentConnection
			}
		}
		for _, cnID := range tier.Connections {
			if m.nonCurrentConnectionHasConnectivity(tier, cnID) {
				return tier, cnID
			}
		}
	}
	log.Debugf("No working connections found at all")
	return m.currentTier, m.currentConnection
}

func (m *ConnectionManager) currentConnectionHasConnectivity() bool {
	log.Debugf("checking currently active connection %s", m.currentConnection)
	active, err := m.findActivatedConnection(m.currentConnection)
	if err != nil {
		m.logConnectionCheckError(m.currentConnection, err)
		return false
	}
	if active != nil && m.checkConnectivity(active) {
		log.Debugf("Current connection %s is most preferred and has connectivity", m.currentConnection)
		return true
	}
	return false
}

func (m *ConnectionManager) nonCurrentConnectionHasConnectivity(tier *config.Tier, cnID string) bool {
	if m.currentTier != nil && tier.Priority == m.currentTier.Priority && cnID == m.currentConnection {
		log.Debugf("current connection %s was already checked before, skipping", cnID)
		return false
	}
	log.Debugf("checking connection %s", cnID)
	active, err := m.findActivatedConnection(cnID)
	if err != nil {
		m.logConnectionCheckError(cnID, err)
		m.timeouts.TouchConnectionRetryTimeout(cnID)
		return false
	}
	if active == nil && m.okToActivateConnection(tier, cnID) {
		active, err = m.activateConnection(cnID)
		// The retry deadline is armed whether the activation worked or
		// not; a flapping link must not be hammered every tick.
		m.timeouts.TouchConnectionRetryTimeout(cnID)
		if err != nil {
			m.logConnectionCheckError(cnID, err)
			return false
		}
	}
	if active != nil && m.checkConnectivity(active) {
		return true
	}
	return false
}

// checkConnectivity probes the first interface of the activation.
func (m *ConnectionManager) checkConnectivity(active netman.ActiveConnection) bool {
	cnID, _ := active.ConnectionID()
	ifaces, err := active.Ifaces()
	if err != nil {
		m.logConnectionCheckError(cnID, err)
		return false
	}
	log.Debugf("interfaces for %s: %v", cnID, ifaces)
	if len(ifaces) > 0 && ifaces[0] != "" {
		return m.checker.Check(ifaces[0], m.cfg.ConnectivityCheckURL, m.cfg.ConnectivityCheckPayload)
	}
	log.Debugf("Connection %s seems to have no interfaces", cnID)
	return false
}

func (m *ConnectionManager) okToActivateConnection(tier *config.Tier, cnID string) bool {
	if m.timeouts.ConnectionRetryTimeoutIsActive(cnID) {
		log.Debugf("Retry timeout is still effective for %s", cnID)
		return false
	}
	con, err := m.nm.FindConnection(cnID)
	if err != nil || con == nil {
		log.Debugf("Connection %s not found, will recheck later", cnID)
		return false
	}
	device, err := m.nm.FindDeviceForConnection(con)
	if err != nil || device == nil {
		log.Debugf("No device for connection %s found, will recheck later", cnID)
		return false
	}
	if m.connectionIsSticky(con) && m.stickyTimeoutIsActive(device) {
		log.Debugf("Sticky device timeout active, not touching connection %s", cnID)
		return false
	}
	if m.currentSelectionStickyHeld(tier) {
		log.Debugf("Current connection %s is sticky, not climbing to %s yet", m.currentConnection, cnID)
		return false
	}
	log.Debugf("It is ok to activate connection %s", cnID)
	return true
}

// currentSelectionStickyHeld reports whether the current cellular/Wi-Fi
// selection is still inside its sticky window. While it is, a recovered
// higher-tier candidate stays un-activated: the metered link was chosen for
// a reason and must not flap right back.
func (m *ConnectionManager) currentSelectionStickyHeld(candidateTier *config.Tier) bool {
	if m.currentTier == nil || m.currentConnection == "" {
		return false
	}
	if candidateTier.Priority <= m.currentTier.Priority {
		return false
	}
	con, err := m.nm.FindConnection(m.currentConnection)
	if err != nil || con == nil {
		return false
	}
	if !m.connectionIsSticky(con) {
		return false
	}
	device, err := m.nm.FindDeviceForConnection(con)
	if err != nil || device == nil {
		return false
	}
	return m.stickyTimeoutIsActive(device)
}

// stickyTimeoutIsActive combines the armed deadline with the device actually
// holding an activation: a dead sticky device must not block candidates.
func (m *ConnectionManager) stickyTimeoutIsActive(device netman.Device) bool {
	name, err := device.InterfaceName()
	if err != nil {
		return false
	}
	if !m.timeouts.StickyTimeoutIsActive(name) {
		return false
	}
	active, err := device.ActiveConnection()
	if err != nil || active == nil {
		log.Debugf("Sticky timeout is active for device %s, but device is not active", name)
		return false
	}
	return true
}

func (m *ConnectionManager) findActiveConnection(cnID string) (netman.ActiveConnection, error) {
	actives, err := m.nm.GetActiveConnections()
	if err != nil {
		return nil, err
	}
	return actives[cnID], nil
}

// findActivatedConnection returns the activation only when it reached the
// activated state.
func (m *ConnectionManager) findActivatedConnection(cnID string) (netman.ActiveConnection, error) {
	active, err := m.findActiveConnection(cnID)
	if err != nil || active == nil {
		return nil, err
	}
	state, err := active.State()
	if err != nil {
		return nil, err
	}
	if state != netman.ActiveConnectionStateActivated {
		return nil, nil
	}
	return active, nil
}

func (m *ConnectionManager) connectionIsGsm(cnID string) bool {
	con, err := m.nm.FindConnection(cnID)
	if err != nil || con == nil {
		log.Debugf("Connection %s not found", cnID)
		return false
	}
	settings, err := con.GetSettings()
	if err != nil {
		return false
	}
	return settings.DeviceType() == netman.DeviceTypeModem
}

// connectionIsSticky reports whether the profile runs on a metered or
// flap-prone medium (cellular, Wi-Fi client).
func (m *ConnectionManager) connectionIsSticky(con netman.Connection) bool {
	settings, err := con.GetSettings()
	if err != nil {
		return false
	}
	deviceType := settings.DeviceType()
	return deviceType == netman.DeviceTypeModem || deviceType == netman.DeviceTypeWiFi
}

func (m *ConnectionManager) setCurrentConnection(cnID string, tier *config.Tier) {
	if m.currentConnection != cnID {
		m.touchStickyForConnection(cnID)
		log.Infof("Current connection changed to %s", cnID)
	}
	m.currentConnection = cnID
	m.currentTier = tier
}

// touchStickyForConnection arms the sticky deadline for cellular/Wi-Fi
// selections and clears all sticky deadlines for anything else.
func (m *ConnectionManager) touchStickyForConnection(cnID string) {
	con, err := m.nm.FindConnection(cnID)
	if err != nil || con == nil {
		return
	}
	if !m.connectionIsSticky(con) {
		m.timeouts.ClearStickyTimeouts()
		return
	}
	device, err := m.nm.FindDeviceForConnection(con)
	if err != nil || device == nil {
		return
	}
	name, err := device.InterfaceName()
	if err != nil {
		return
	}
	m.timeouts.TouchStickyTimeout(name)
}

func (m *ConnectionManager) logConnectionCheckError(cnID string, err error) {
	log.RateLimitedWarnf("CON_CHECK_"+cnID, 0, "Error during connection %q checking: %v", cnID, err)
}
