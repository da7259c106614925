package netman

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

const colorCyan = "\033[0;36m"
const colorGreen = "\033[0;32m"
const colorRed = "\033[0;31m"
const colorReset = "\033[0m"

// Interface is a host network interface as seen by netlink.
type Interface struct {
	netlink.Link
}

// GetInterfaceList enumerates all host interfaces.
func GetInterfaceList() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	var interfaces []Interface
	for _, link := range links {
		interfaces = append(interfaces, Interface{link})
	}
	return interfaces, nil
}

// PrintInterfaces dumps the interface list with addresses to stdout.
func PrintInterfaces(ifaces []Interface) {
	for _, iface := range ifaces {
		attrs := iface.Attrs()
		up := attrs.Flags&net.FlagUp != 0

		fmt.Printf("%d. %s%s%s (%sup%s=%s%v%s)\n",
			attrs.Index,
			colorCyan, attrs.Name, colorReset,
			colorCyan, colorReset,
			colorGreenIfTrue(up), up, colorReset)

		addrs, err := netlink.AddrList(iface, netlink.FAMILY_ALL)
		if err != nil {
			fmt.Printf("failed to get addresses for interface %s: %v\n", attrs.Name, err)
			continue
		}
		for _, addr := range addrs {
			fmt.Printf("  IP Address: %v\n", addr.IPNet)
		}
	}
}

func colorGreenIfTrue(actual bool) string {
	if actual {
		return colorGreen
	}
	return colorRed
}
