// Package discovery implements the auto-discovery half of spec.md §4.9:
// advertising a caster's presence on the LAN and, on the receiver side,
// resolving that caster's advertised hostname to an address, both over
// mDNS.
//
// pion/mdns/v2 only resolves/advertises single ".local" hostnames — it
// has no PTR/TXT service-type enumeration (no _screen_caster._tcp.local.
// browsing of multiple concurrent instances). Full DNS-SD (zeroconf,
// hashicorp/mdns) wasn't present anywhere in the retrieved pack, while
// pion/mdns/v2 is already an indirect dependency of the teacher's own
// webrtc stack, so this package builds on it and narrows the spec's
// "browse for advertised peers" down to "resolve one well-known
// instance hostname" — appropriate for a screen-caster that pairs with
// one receiver at a time on a LAN. ServicePort is fixed per spec.md §4.9
// rather than carried in a TXT record, since the library cannot publish
// one.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

// ServicePort is the fixed TCP port the signalling server listens on
// once a peer has been discovered (spec.md §4.9).
const ServicePort = 31413

// HostnameSuffix turns an instance name into the ".local" hostname
// advertised/queried over mDNS.
const HostnameSuffix = ".screencaster.local."

// ResolveTimeout bounds how long Resolve waits for a response.
const ResolveTimeout = 5 * time.Second

// Advertiser answers mDNS queries for this caster's instance hostname
// with its local address.
type Advertiser struct {
	conn   *mdns.Conn
	logger *slog.Logger
}

// Advertise starts responding to queries for instanceName+HostnameSuffix.
// Close the returned Advertiser to stop.
func Advertise(instanceName string, logger *slog.Logger) (*Advertiser, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve mdns address: %w", err)
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen mdns: %w", err)
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l), nil, &mdns.Config{
		LocalNames: []string{instanceName + HostnameSuffix},
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("discovery: start mdns server: %w", err)
	}

	logger.Info("advertising instance on mdns", "hostname", instanceName+HostnameSuffix, "port", ServicePort)
	return &Advertiser{conn: conn, logger: logger}, nil
}

// Close stops advertising.
func (a *Advertiser) Close() error {
	return a.conn.Close()
}

// Resolve queries the LAN for instanceName's advertised address, giving
// up after ResolveTimeout.
func Resolve(ctx context.Context, instanceName string, logger *slog.Logger) (net.IP, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve mdns address: %w", err)
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen mdns: %w", err)
	}
	defer l.Close()

	conn, err := mdns.Server(ipv4.NewPacketConn(l), nil, &mdns.Config{})
	if err != nil {
		return nil, fmt.Errorf("discovery: start mdns client: %w", err)
	}
	defer conn.Close()

	queryCtx, cancel := context.WithTimeout(ctx, ResolveTimeout)
	defer cancel()

	_, ip, err := conn.Query(queryCtx, instanceName+HostnameSuffix)
	if err != nil {
		return nil, fmt.Errorf("discovery: query %s: %w", instanceName, err)
	}

	logger.Info("resolved peer via mdns", "hostname", instanceName+HostnameSuffix, "ip", ip)
	return ip, nil
}
