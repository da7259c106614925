package netman

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/vishvananda/netlink"

	"github.com/maksimkurb/nm-failover/lib/log"
)

const ifmetricBin = "/usr/sbin/ifmetric"

// SetDeviceMetric rewrites the metric of the device's IPv4 default routes.
// NetworkManager keeps the routes themselves; only their preference changes.
func (m *DBusManager) SetDeviceMetric(dev Device, metric int) error {
	iface, err := dev.IPInterfaceName()
	if err != nil || iface == "" {
		iface, err = dev.InterfaceName()
		if err != nil {
			return err
		}
	}
	return setDefaultRouteMetric(iface, metric)
}

// SetInterfaceMetric re-ranks an interface NetworkManager does not manage
// routes for (ppp/wwan) by shelling out to ifmetric.
func (m *DBusManager) SetInterfaceMetric(ifaceName string, metric int) error {
	log.Debugf("Running %s %s %d", ifmetricBin, ifaceName, metric)
	out, err := exec.Command(ifmetricBin, ifaceName, strconv.Itoa(metric)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifmetric %s failed: %v (%s)", ifaceName, err, out)
	}
	return nil
}

func setDefaultRouteMetric(ifaceName string, metric int) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("failed to find link %s: %w", ifaceName, err)
	}

	filter := &netlink.Route{LinkIndex: link.Attrs().Index}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, filter, netlink.RT_FILTER_OIF)
	if err != nil {
		return fmt.Errorf("failed to list routes of %s: %w", ifaceName, err)
	}

	for _, route := range routes {
		if route.Dst != nil && route.Dst.IP != nil && !route.Dst.IP.IsUnspecified() {
			continue
		}
		if route.Priority == metric {
			continue
		}
		// Metric is part of the route key, so it cannot be replaced in place.
		updated := route
		updated.Priority = metric
		log.Debugf("Changing metric of route via %s from %d to %d", ifaceName, route.Priority, metric)
		if err := netlink.RouteDel(&route); err != nil {
			return fmt.Errorf("failed to delete route via %s: %w", ifaceName, err)
		}
		if err := netlink.RouteAdd(&updated); err != nil {
			return fmt.Errorf("failed to re-add route via %s: %w", ifaceName, err)
		}
	}
	return nil
}
