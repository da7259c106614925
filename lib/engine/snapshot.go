package engine

import (
	"sync/atomic"
	"time"

	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/netman"
)

// EventDeactivatedByManager announces a deactivation that the engine itself
// issued, as opposed to an external teardown.
const EventDeactivatedByManager = "deactivated-by-manager"

// Event is a notification for external observers (the MQTT mirror).
type Event struct {
	Kind         string
	ConnectionID string
}

// ConnectionStatus is the externally visible state of one tiered profile.
type ConnectionStatus struct {
	ID       string `json:"id"`
	Tier     string `json:"tier"`
	Active   bool   `json:"active"`
	State    string `json:"state"`
	Device   string `json:"device"`
	Current  bool   `json:"current"`
	Selected bool   `json:"connectivity"`
}

// Snapshot is an immutable copy of the engine's selection state. Observers
// receive copies; they never share memory with the engine.
type Snapshot struct {
	Time              time.Time          `json:"time"`
	CurrentTier       string             `json:"current_tier"`
	CurrentConnection string             `json:"current_connection"`
	Connections       []ConnectionStatus `json:"connections"`
}

type atomicSnapshot struct {
	ptr atomic.Pointer[Snapshot]
}

// Snapshot returns the state published by the latest tick, or nil before the
// first one.
func (m *ConnectionManager) Snapshot() *Snapshot {
	return m.snapshot.ptr.Load()
}

// Events returns the engine's notification channel. Slow consumers lose
// events rather than stalling the decision loop.
func (m *ConnectionManager) Events() <-chan Event {
	return m.events
}

func (m *ConnectionManager) emitEvent(event Event) {
	select {
	case m.events <- event:
	default:
		log.Debugf("Event channel full, dropping %s for %s", event.Kind, event.ConnectionID)
	}
}

func stateName(state uint32) string {
	switch state {
	case netman.ActiveConnectionStateActivating:
		return "activating"
	case netman.ActiveConnectionStateActivated:
		return "activated"
	case netman.ActiveConnectionStateDeactivating:
		return "deactivating"
	case netman.ActiveConnectionStateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

func (m *ConnectionManager) publishSnapshot() {
	snapshot := &Snapshot{
		Time:              m.now(),
		CurrentConnection: m.currentConnection,
	}
	if m.currentTier != nil {
		snapshot.CurrentTier = m.currentTier.Name
	}

	actives, err := m.nm.GetActiveConnections()
	if err != nil {
		log.Debugf("Failed to list active connections for snapshot: %v", err)
		actives = nil
	}
	for _, tier := range m.cfg.Tiers {
		for _, cnID := range tier.Connections {
			status := ConnectionStatus{
				ID:      cnID,
				Tier:    tier.Name,
				State:   "deactivated",
				Current: cnID == m.currentConnection,
			}
			// The current connection was verified this tick; everything
			// else is only known to be up or down.
			status.Selected = status.Current
			if active := actives[cnID]; active != nil {
				status.Active = true
				if state, err := active.State(); err == nil {
					status.State = stateName(state)
				} else {
					status.State = "unknown"
				}
				if ifaces, err := active.Ifaces(); err == nil && len(ifaces) > 0 {
					status.Device = ifaces[0]
				}
			}
			snapshot.Connections = append(snapshot.Connections, status)
		}
	}
	m.snapshot.ptr.Store(snapshot)
}
