package mpubsub

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	log "github.com/sirupsen/logrus"
)

// Open joins the IPv4 multicast group on every multicast capable interface and returns a PubSub
// publishing to the same group. Loopback delivery stays enabled so nodes sharing a host see each other.
func Open(group string, opts ...Option) (*PubSub, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("mpubsub: bad multicast group %q: %w", group, err)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, fmt.Errorf("mpubsub: %s is not a multicast address", gaddr.IP)
	}

	// ListenMulticastUDP sets SO_REUSEADDR so several nodes can bind the group port on one host
	rc, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("mpubsub: failed to listen on %s: %w", gaddr, err)
	}

	rp := ipv4.NewPacketConn(rc)
	joined := 0
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warnf("mpubsub: failed to list interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := rp.JoinGroup(&iface, &net.UDPAddr{IP: gaddr.IP}); err != nil {
			log.Debugf("mpubsub: could not join %s on %s: %v", gaddr.IP, iface.Name, err)
			continue
		}
		joined++
	}
	if err := rp.SetMulticastLoopback(true); err != nil {
		log.Debugf("mpubsub: could not enable multicast loopback on reader: %v", err)
	}
	log.Debugf("mpubsub: joined %s on %d interfaces", gaddr, joined)

	wc, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("mpubsub: failed to dial %s: %w", gaddr, err)
	}

	// Announcements stay on the local link
	wp := ipv4.NewPacketConn(wc)
	if err := wp.SetMulticastTTL(1); err != nil {
		log.Debugf("mpubsub: could not set multicast TTL: %v", err)
	}
	if err := wp.SetMulticastLoopback(true); err != nil {
		log.Debugf("mpubsub: could not enable multicast loopback on writer: %v", err)
	}

	return New(rc, wc, opts...), nil
}
