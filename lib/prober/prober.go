// Package prober answers one question: does this interface reach the
// Internet right now? It resolves the check URL's host and fetches the URL
// with every socket bound to the interface under test, then matches the
// response body against an expected payload.
package prober

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maksimkurb/nm-failover/lib/log"
)

// ConnectivityCheckTimeout bounds both the TCP connect and the whole GET.
const ConnectivityCheckTimeout = 15 * time.Second

// ResolveFunc resolves a hostname to IPv4 addresses over the given interface.
type ResolveFunc func(iface, hostname string) ([]string, error)

type httpGetFunc func(iface, rawURL, ip string) (string, error)

// Prober performs connectivity checks and remembers the last address that
// worked for each URL, so steady-state checks skip DNS entirely.
type Prober struct {
	resolve     ResolveFunc
	httpGet     httpGetFunc
	lastAddress map[string]string
}

// NewProber creates a prober using interface-bound DNS resolution.
func NewProber() *Prober {
	return NewProberWithResolver(ResolveDomainName)
}

// NewProberWithResolver creates a prober with a custom resolver.
func NewProberWithResolver(resolve ResolveFunc) *Prober {
	return &Prober{
		resolve:     resolve,
		httpGet:     curlGet,
		lastAddress: make(map[string]string),
	}
}

// Check reports whether the URL fetched via iface returns the expected
// payload.
func (p *Prober) Check(iface, rawURL, expectedPayload string) bool {
	if ip, ok := p.lastAddress[rawURL]; ok {
		payload, err := p.httpGet(iface, rawURL, ip)
		if err == nil {
			ok := strings.Contains(payload, expectedPayload)
			log.Debugf("Connectivity via %s (cached %s) is %v", iface, ip, ok)
			if ok {
				return true
			}
		} else {
			log.Debugf("Error during %s connectivity check: %v", iface, err)
		}
	}

	addresses, err := p.resolve(iface, hostName(rawURL))
	if err != nil {
		log.Debugf("Error during %s connectivity check: %v", iface, err)
		return false
	}
	log.Debugf("%s resolves to %v via %s", hostName(rawURL), addresses, iface)

	for _, address := range addresses {
		payload, err := p.httpGet(iface, rawURL, address)
		if err != nil {
			log.Debugf("Error during %s connectivity check: %v", iface, err)
			continue
		}
		if strings.Contains(payload, expectedPayload) {
			p.lastAddress[rawURL] = address
			log.Debugf("Connectivity via %s is true", iface)
			return true
		}
	}
	log.Debugf("Connectivity via %s is false", iface)
	return false
}

func hostName(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return rawURL
	}
	return parsed.Hostname()
}

// curlGet fetches the URL over iface, dialing the given address but keeping
// the original hostname in the request (Host header and TLS server name).
func curlGet(iface, rawURL, ip string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	dialer := &net.Dialer{
		Timeout: ConnectivityCheckTimeout,
		Control: bindToDevice(iface),
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
		DisableKeepAlives: true,
	}
	client := &http.Client{
		Timeout:   ConnectivityCheckTimeout,
		Transport: transport,
	}
	defer transport.CloseIdleConnections()

	resp, err := client.Get(rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
