package prober

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

const (
	resolvConfPath = "/etc/resolv.conf"

	dnsDialTimeout  = 2 * time.Second
	dnsQueryTimeout = 6 * time.Second
)

// bindToDevice returns a dialer control that pins sockets to the interface.
// Both the DNS query and the probe itself must travel the candidate uplink,
// or the check measures whatever path the kernel would prefer anyway.
func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var bindErr error
		err := c.Control(func(fd uintptr) {
			bindErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		return bindErr
	}
}

// ResolveDomainName resolves the hostname to IPv4 addresses using the
// system's nameservers, with the query sockets bound to iface.
func ResolveDomainName(iface, hostname string) ([]string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return []string{hostname}, nil
	}

	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", resolvConfPath, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{
		Net:     "udp",
		Timeout: dnsQueryTimeout,
		Dialer: &net.Dialer{
			Timeout: dnsDialTimeout,
			Control: bindToDevice(iface),
		},
	}

	var lastErr error
	for _, server := range conf.Servers {
		addr := net.JoinHostPort(server, conf.Port)
		reply, _, err := client.Exchange(msg, addr)
		if err == nil && reply.Truncated {
			tcpClient := *client
			tcpClient.Net = "tcp"
			reply, _, err = tcpClient.Exchange(msg, addr)
		}
		if err != nil {
			lastErr = err
			continue
		}
		var addresses []string
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				addresses = append(addresses, a.A.String())
			}
		}
		if len(addresses) > 0 {
			return addresses, nil
		}
		lastErr = fmt.Errorf("no A records for %s from %s", hostname, addr)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, fmt.Errorf("error during %s resolving: %w", hostname, lastErr)
}
