// Package mirror republishes the engine's per-connection state to an MQTT
// bus so a local UI and other services can observe each uplink. It consumes
// snapshot copies and events only; it never reaches into engine state.
package mirror

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/valyala/fasttemplate"

	"github.com/maksimkurb/nm-failover/lib/engine"
	"github.com/maksimkurb/nm-failover/lib/log"
	"github.com/maksimkurb/nm-failover/lib/netman"
)

const (
	clientID       = "nm-failover"
	connectTimeout = 10 * time.Second
	publishQoS     = 0

	topicPattern = "/devices/{device}/controls/{control}"
	devicePrefix = "network_"
)

var topicTemplate = fasttemplate.New(topicPattern, "{", "}")

// Mirror publishes connection state to MQTT.
type Mirror struct {
	client mqtt.Client
	nm     netman.Manager

	// deactivatedByManager remembers which connections the engine itself
	// tore down, so the mirror can annotate them differently from
	// external teardowns.
	deactivatedByManager map[string]bool
}

// NewMirror connects to the broker. The returned mirror is ready for Run.
// nm may be nil; pushbutton controls are then ignored.
func NewMirror(brokerURL string, nm netman.Manager) (*Mirror, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", brokerURL, err)
	}
	mr := &Mirror{
		client:               client,
		nm:                   nm,
		deactivatedByManager: make(map[string]bool),
	}
	if nm != nil {
		if err := mr.subscribeControls(); err != nil {
			client.Disconnect(250)
			return nil, err
		}
	}
	return mr, nil
}

// subscribeControls listens for pushbutton requests. They go straight to the
// network daemon; the engine observes the result on its next tick like any
// other external change.
func (mr *Mirror) subscribeControls() error {
	topic := topicTemplate.ExecuteString(map[string]interface{}{
		"device":  "+",
		"control": "+",
	}) + "/on"
	token := mr.client.Subscribe(topic, publishQoS, mr.handleControl)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	return token.Error()
}

func (mr *Mirror) handleControl(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	// /devices/network_<id>/controls/<control>/on
	if len(parts) != 6 || !strings.HasPrefix(parts[2], devicePrefix) {
		return
	}
	cnID := strings.TrimPrefix(parts[2], devicePrefix)
	switch parts[4] {
	case "activate":
		mr.forwardActivate(cnID)
	case "deactivate":
		mr.forwardDeactivate(cnID)
	}
}

func (mr *Mirror) forwardActivate(cnID string) {
	con, err := mr.nm.FindConnection(cnID)
	if err != nil || con == nil {
		log.Warnf("Activation request for unknown connection %s", cnID)
		return
	}
	dev, err := mr.nm.FindDeviceForConnection(con)
	if err != nil || dev == nil {
		log.Warnf("Activation request for %s, but its device is missing", cnID)
		return
	}
	if _, err := mr.nm.ActivateConnection(con, dev); err != nil {
		log.Warnf("Requested activation of %s failed: %v", cnID, err)
	}
}

func (mr *Mirror) forwardDeactivate(cnID string) {
	actives, err := mr.nm.GetActiveConnections()
	if err != nil {
		log.Warnf("Deactivation request for %s failed: %v", cnID, err)
		return
	}
	active, ok := actives[cnID]
	if !ok {
		return
	}
	if err := mr.nm.DeactivateConnection(active); err != nil {
		log.Warnf("Requested deactivation of %s failed: %v", cnID, err)
	}
}

// Run republishes snapshots until stop closes. Engine events arrive on their
// own channel and only annotate the next publication.
func (mr *Mirror) Run(snapshots <-chan *engine.Snapshot, events <-chan engine.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			mr.client.Disconnect(250)
			return
		case event := <-events:
			if event.Kind == engine.EventDeactivatedByManager {
				mr.deactivatedByManager[event.ConnectionID] = true
			}
		case snapshot := <-snapshots:
			if snapshot != nil {
				mr.publish(snapshot)
			}
		}
	}
}

func (mr *Mirror) publish(snapshot *engine.Snapshot) {
	for _, status := range snapshot.Connections {
		if status.Active {
			delete(mr.deactivatedByManager, status.ID)
		}
		state := status.State
		if !status.Active && mr.deactivatedByManager[status.ID] {
			state = status.State + " (by manager)"
		}
		mr.publishControl(status.ID, "active", boolPayload(status.Active))
		mr.publishControl(status.ID, "state", state)
		mr.publishControl(status.ID, "device", status.Device)
		mr.publishControl(status.ID, "connectivity", boolPayload(status.Selected))
	}
}

func (mr *Mirror) publishControl(cnID, control, payload string) {
	topic := topicTemplate.ExecuteString(map[string]interface{}{
		"device":  devicePrefix + sanitize(cnID),
		"control": control,
	})
	token := mr.client.Publish(topic, publishQoS, true, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.RateLimitedWarnf("MQTT_PUBLISH", 0, "Failed to publish %s: %v", topic, err)
		}
	}()
}

func boolPayload(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// sanitize keeps topic segments free of MQTT separators and wildcards.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}
