package engine

import (
	"time"

	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/netman"
	"github.com/maksimkurb/nm-failover/lib/timeouts"
)

// activationStrategy activates a profile on its device. A nil activation
// with a nil error means the attempt failed in a way that retrying later may
// fix (timeout, missing device after a SIM switch).
type activationStrategy interface {
	Activate(con netman.Connection, dev netman.Device) (netman.ActiveConnection, error)
}

// activateConnection dispatches on the profile's device type.
func (m *ConnectionManager) activateConnection(cnID string) (netman.ActiveConnection, error) {
	log.Debugf("Trying to activate connection %s", cnID)
	con, err := m.nm.FindConnection(cnID)
	if err != nil {
		return nil, err
	}
	if con == nil {
		log.RateLimitedWarnf("CON_NOT_FOUND_"+cnID, 0, "Connection %q not found", cnID)
		return nil, nil
	}
	dev, err := m.nm.FindDeviceForConnection(con)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		log.RateLimitedWarnf("DEV_NOT_FOUND_"+cnID, 0, "Device for connection %q not found", cnID)
		return nil, nil
	}
	settings, err := con.GetSettings()
	if err != nil {
		return nil, err
	}
	strategy := m.strategies[settings.DeviceType()]
	if strategy == nil {
		log.RateLimitedWarnf("ACT_FN_NOT_FOUND_"+cnID, 0,
			"Activation function for connection %q (%s) not found", cnID, settings.Type)
		return nil, nil
	}
	active, err := strategy.Activate(con, dev)
	if err == nil && active != nil {
		log.Debugf("Activated connection %s", cnID)
	}
	return active, err
}

// waitForState polls the activation until it reaches the target state or the
// budget runs out. While waiting for deactivation a vanished object counts
// as done: NetworkManager removes the object from the bus on teardown.
func (m *ConnectionManager) waitForState(active netman.ActiveConnection, target uint32, budget time.Duration) bool {
	deadline := m.now().Add(budget)
	for !m.now().After(deadline) {
		state, err := active.State()
		if err != nil {
			if target == netman.ActiveConnectionStateDeactivated {
				return true
			}
			log.Debugf("Error while waiting for state %d of %s: %v", target, active.Path(), err)
		} else if state == target {
			return true
		}
		m.sleep(time.Second)
	}
	log.Debugf("Timeout reached while waiting for state %d of %s", target, active.Path())
	return false
}

// genericActivation activates a profile and waits for it to come up.
type genericActivation struct {
	m *ConnectionManager
}

func (s *genericActivation) Activate(con netman.Connection, dev netman.Device) (netman.ActiveConnection, error) {
	active, err := s.m.nm.ActivateConnection(con, dev)
	if err != nil {
		return nil, err
	}
	if s.m.waitForState(active, netman.ActiveConnectionStateActivated, s.m.timeouts.ConnectionActivationTimeout) {
		return active, nil
	}
	return nil, nil
}

// wifiClientActivation tears other Wi-Fi clients down first; most adapters
// run a single client connection at a time.
type wifiClientActivation struct {
	m *ConnectionManager
}

func (s *wifiClientActivation) Activate(con netman.Connection, dev netman.Device) (netman.ActiveConnection, error) {
	others, err := s.m.getActiveWifiConnections()
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		cnID, _ := other.ConnectionID()
		log.Debugf("Other wifi connection %s is active, will deactivate it", cnID)
		s.m.deactivateConnection(other)
	}
	if len(others) == 0 {
		log.Debugf("No active wifi connection detected")
	}
	return (&genericActivation{s.m}).Activate(con, dev)
}

// getActiveWifiConnections lists active non-AP wireless activations.
func (m *ConnectionManager) getActiveWifiConnections() ([]netman.ActiveConnection, error) {
	actives, err := m.nm.GetActiveConnections()
	if err != nil {
		return nil, err
	}
	var results []netman.ActiveConnection
	for _, active := range actives {
		cnType, err := active.ConnectionType()
		if err != nil || netman.ConnectionTypeToDeviceType(cnType) != netman.DeviceTypeWiFi {
			continue
		}
		con, err := active.Connection()
		if err != nil {
			continue
		}
		settings, err := con.GetSettings()
		if err != nil {
			continue
		}
		if settings.WirelessMode != "ap" {
			results = append(results, active)
		}
	}
	return results, nil
}

// cellularActivation deactivates whatever the modem is running, switches the
// primary SIM slot when the profile asks for a specific one, and activates
// the profile on the re-resolved device.
type cellularActivation struct {
	m *ConnectionManager
}

func (s *cellularActivation) Activate(con netman.Connection, dev netman.Device) (netman.ActiveConnection, error) {
	// Switching the SIM slot while another connection is active can wedge
	// the modem daemon, so tear it down first.
	active, err := dev.ActiveConnection()
	if err != nil {
		return nil, err
	}
	if active != nil {
		s.m.deactivateCurrentGsmConnection(active)
	} else {
		log.Debugf("No active gsm connection detected")
	}

	settings, err := con.GetSettings()
	if err != nil {
		return nil, err
	}
	dev, err = s.m.applySimSlot(dev, con, settings.SimSlot)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, nil
	}

	newActive, err := s.m.nm.ActivateConnection(con, dev)
	if err != nil {
		return nil, err
	}
	if s.m.waitForState(newActive, netman.ActiveConnectionStateActivated, s.m.timeouts.ConnectionActivationTimeout) {
		return newActive, nil
	}
	return nil, nil
}

// applySimSlot makes the modem's primary slot match the profile. Returns the
// device to activate on, which changes when the slot is switched.
func (m *ConnectionManager) applySimSlot(dev netman.Device, con netman.Connection, simSlot int32) (netman.Device, error) {
	if simSlot == netman.SimSlotDefault {
		log.Debugf("No need to change SIM slot")
		return dev, nil
	}
	if m.mm == nil {
		log.RateLimitedWarnf("MM_UNAVAILABLE", 0, "ModemManager is unavailable, cannot switch SIM slot")
		return nil, nil
	}
	udi, err := dev.Udi()
	if err != nil {
		return nil, err
	}
	log.Debugf("Device path %q", udi)
	currentSlot, err := m.mm.GetPrimarySimSlot(udi)
	if err != nil {
		return nil, err
	}
	log.Debugf("Current SIM slot: %d, new SIM slot: %d", currentSlot, simSlot)
	if uint32(simSlot) == currentSlot {
		log.Debugf("No need to change SIM slot")
		return dev, nil
	}
	log.Debugf("Will change SIM slot to %d", simSlot)
	return m.changeModemSimSlot(con, udi, uint32(simSlot))
}

func (m *ConnectionManager) changeModemSimSlot(con netman.Connection, udi string, simSlot uint32) (netman.Device, error) {
	changed, err := m.mm.SetPrimarySimSlot(udi, simSlot)
	if err != nil {
		return nil, err
	}
	if !changed {
		log.Debugf("It seems that SIM slot was not changed by the modem daemon")
		return nil, nil
	}
	// The modem daemon re-creates the device with a new path after a slot
	// switch; wait for it to reappear reporting the requested slot.
	dev := m.waitGsmSimSlotToChange(con, simSlot, timeouts.DeviceWaitingTimeout)
	if dev == nil {
		log.Debugf("Failed to get new device after changing SIM slot")
	}
	return dev, nil
}

func (m *ConnectionManager) waitGsmSimSlotToChange(con netman.Connection, simSlot uint32, budget time.Duration) netman.Device {
	log.Debugf("Waiting for SIM slot to change")
	deadline := m.now().Add(budget)
	for !m.now().After(deadline) {
		dev, slot, err := m.readModemSlot(con)
		if err != nil {
			// The daemons remove and re-create devices during the
			// switch; transient lookup errors are expected here.
			log.Debugf("Error during device waiting: %v", err)
		} else if dev != nil && slot == simSlot {
			log.Infof("Changed SIM slot to %d to check connectivity", simSlot)
			return dev
		}
		m.sleep(time.Second)
	}
	log.Debugf("Timeout reached while trying to change SIM slot")
	return nil
}

func (m *ConnectionManager) readModemSlot(con netman.Connection) (netman.Device, uint32, error) {
	dev, err := m.nm.FindDeviceForConnection(con)
	if err != nil || dev == nil {
		return nil, 0, err
	}
	udi, err := dev.Udi()
	if err != nil {
		return nil, 0, err
	}
	slot, err := m.mm.GetPrimarySimSlot(udi)
	if err != nil {
		return nil, 0, err
	}
	log.Debugf("Current sim slot: %d", slot)
	return dev, slot, nil
}

// deactivateConnection tears an activation down and waits for it to finish.
// Engine-initiated deactivations are announced on the event channel so the
// MQTT mirror can tell them apart from external ones.
func (m *ConnectionManager) deactivateConnection(active netman.ActiveConnection) {
	cnID, _ := active.ConnectionID()
	if cnID == m.currentConnection {
		m.currentConnection = ""
		m.currentTier = nil
	}
	if err := m.nm.DeactivateConnection(active); err != nil {
		log.Debugf("Error during connection %s deactivation: %v", cnID, err)
		return
	}
	m.waitForState(active, netman.ActiveConnectionStateDeactivated, timeouts.ConnectionDeactivationTimeout)
	m.emitEvent(Event{Kind: EventDeactivatedByManager, ConnectionID: cnID})
}

func (m *ConnectionManager) deactivateCurrentGsmConnection(active netman.ActiveConnection) {
	oldCnID, _ := active.ConnectionID()
	log.Debugf("Deactivating active connection %q to switch SIM slot", oldCnID)
	m.timeouts.ResetConnectionRetryTimeout(oldCnID)
	if err := m.nm.DeactivateConnection(active); err != nil {
		log.Debugf("Error during connection %s deactivation: %v", oldCnID, err)
		return
	}
	m.waitForState(active, netman.ActiveConnectionStateDeactivated, timeouts.ConnectionDeactivationTimeout)
	m.emitEvent(Event{Kind: EventDeactivatedByManager, ConnectionID: oldCnID})
	if m.currentConnection == oldCnID {
		log.Debugf("We deactivated current connection, resetting current connection pointer")
		m.currentConnection = ""
		m.currentTier = nil
	}
}
