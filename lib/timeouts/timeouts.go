// Package timeouts keeps the retry and sticky deadlines of the failover
// engine. It is pure bookkeeping: callers pass connection ids and device
// names, it answers deadline queries against an injectable clock.
package timeouts

import (
	"time"

	"github.com/maksimkurb/nm-failover/lib/log"
)

const (
	// ConnectionActivationRetryTimeout is how long a failed activation
	// keeps a connection out of the candidate set.
	ConnectionActivationRetryTimeout = 60 * time.Second

	ConnectionActivationTimeout   = 30 * time.Second
	ConnectionDeactivationTimeout = 30 * time.Second
	DeviceWaitingTimeout          = 30 * time.Second
)

// TimeoutManager owns per-connection retry deadlines and per-device sticky
// deadlines.
type TimeoutManager struct {
	// Now is replaceable so tests can drive the clock.
	Now func() time.Time

	StickyConnectionPeriod      time.Duration
	ConnectionActivationTimeout time.Duration

	connectionRetryTimeouts map[string]time.Time
	deviceStickyTimeouts    map[string]time.Time
}

// NewTimeoutManager creates a manager with the given sticky period.
func NewTimeoutManager(stickyPeriod time.Duration) *TimeoutManager {
	return &TimeoutManager{
		Now:                         time.Now,
		StickyConnectionPeriod:      stickyPeriod,
		ConnectionActivationTimeout: ConnectionActivationTimeout,
		connectionRetryTimeouts:     make(map[string]time.Time),
		deviceStickyTimeouts:        make(map[string]time.Time),
	}
}

// TouchConnectionRetryTimeout arms the retry deadline of the connection.
func (t *TimeoutManager) TouchConnectionRetryTimeout(cnID string) {
	t.connectionRetryTimeouts[cnID] = t.Now().Add(ConnectionActivationRetryTimeout)
}

// ResetConnectionRetryTimeout moves the deadline to now, so the connection
// becomes retryable immediately.
func (t *TimeoutManager) ResetConnectionRetryTimeout(cnID string) {
	t.connectionRetryTimeouts[cnID] = t.Now()
}

// ConnectionRetryTimeoutIsActive reports whether the connection is still in
// its retry back-off.
func (t *TimeoutManager) ConnectionRetryTimeoutIsActive(cnID string) bool {
	deadline, ok := t.connectionRetryTimeouts[cnID]
	if !ok || !deadline.After(t.Now()) {
		log.Debugf("Connection retry timeout is not active for connection %s", cnID)
		return false
	}
	log.Debugf("Connection retry timeout is active for connection %s", cnID)
	return true
}

// TouchStickyTimeout arms the sticky deadline of the device.
func (t *TimeoutManager) TouchStickyTimeout(deviceName string) {
	deadline := t.Now().Add(t.StickyConnectionPeriod)
	t.deviceStickyTimeouts[deviceName] = deadline
	log.Infof("Armed sticky timeout until %s for device %s", deadline.Format(time.RFC3339), deviceName)
}

// ClearStickyTimeouts drops every sticky deadline.
func (t *TimeoutManager) ClearStickyTimeouts() {
	t.deviceStickyTimeouts = make(map[string]time.Time)
	log.Debugf("Sticky timeouts cleared")
}

// StickyTimeoutIsActive reports whether the device's sticky deadline is in
// the future. Whether the device currently has an active connection is the
// caller's business.
func (t *TimeoutManager) StickyTimeoutIsActive(deviceName string) bool {
	deadline, ok := t.deviceStickyTimeouts[deviceName]
	if !ok || !deadline.After(t.Now()) {
		log.Debugf("Sticky timeout is not active for device %s", deviceName)
		return false
	}
	log.Debugf("Sticky timeout is active for device %s", deviceName)
	return true
}

// StickyDeadline returns the armed deadline of the device, if any.
func (t *TimeoutManager) StickyDeadline(deviceName string) (time.Time, bool) {
	deadline, ok := t.deviceStickyTimeouts[deviceName]
	return deadline, ok
}

// DebugLogTimeouts dumps all armed deadlines at debug level.
func (t *TimeoutManager) DebugLogTimeouts() {
	for device, deadline := range t.deviceStickyTimeouts {
		log.Debugf("Device sticky timeout for %s: %s", device, deadline.Format(time.RFC3339))
	}
	for cnID, deadline := range t.connectionRetryTimeouts {
		log.Debugf("Connection retry timeout for %s: %s", cnID, deadline.Format(time.RFC3339))
	}
}
