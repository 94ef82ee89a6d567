// Package transport carries raw byte streams between nodes: TCP listeners and dialers addressed by multiaddrs.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	log "github.com/sirupsen/logrus"
)

const DefaultDialTimeout = 10 * time.Second

type Listener struct {
	listener net.Listener
}

// Listen binds a stream listener on the given multiaddr, e.g. /ip4/0.0.0.0/tcp/0.
func Listen(addr string) (*Listener, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bad listen address %q: %w", addr, err)
	}

	network, host, err := manet.DialArgs(maddr)
	if err != nil {
		return nil, fmt.Errorf("transport: unsupported listen address %q: %w", addr, err)
	}

	l, err := net.Listen(network, host)
	if err != nil {
		return nil, err
	}

	return &Listener{listener: l}, nil
}

// Serve accepts connections until ctx is cancelled, handing each one to handle on its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle func(ctx context.Context, conn net.Conn)) error {
	stop := context.AfterFunc(ctx, func() {
		// Closing the listener unblocks Accept
		if err := l.listener.Close(); err != nil {
			log.Warnf("transport: error closing listener %s: %v", l.listener.Addr(), err)
		}
	})
	defer stop()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Debugf("transport: listener %s shutting down", l.listener.Addr())
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("transport: accept error on %s: %v; retrying in %v", l.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("transport: critical accept error on %s: %v", l.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("transport: accepted connection from %s on %s", conn.RemoteAddr(), l.listener.Addr())
		go handle(ctx, conn)
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// Multiaddr returns the bound address, possibly with an unspecified IP.
func (l *Listener) Multiaddr() ma.Multiaddr {
	m, err := manet.FromNetAddr(l.listener.Addr())
	if err != nil {
		log.Errorf("transport: cannot express %s as a multiaddr: %v", l.listener.Addr(), err)
		return nil
	}
	return m
}

// Addrs returns every address the listener can be reached on. A listener bound to an unspecified IP
// is expanded to the addresses of the active interfaces, loopback last.
func (l *Listener) Addrs() []ma.Multiaddr {
	tcpAddr, ok := l.listener.Addr().(*net.TCPAddr)
	if !ok {
		if m := l.Multiaddr(); m != nil {
			return []ma.Multiaddr{m}
		}
		return nil
	}

	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		return toMultiaddrs([]net.Addr{tcpAddr})
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("transport: failed to get network interfaces: %v", err)
		return toMultiaddrs([]net.Addr{tcpAddr})
	}

	var addresses, loopback []net.Addr
	seen := make(map[string]struct{})
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("transport: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}

		for _, addr := range ifaddrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
				continue
			}

			// A listener on 0.0.0.0 only serves IPv4, one on [::] is listed with IPv6 addresses
			isIPv4 := ip.To4() != nil
			if tcpAddr.IP != nil {
				if tcpAddr.IP.Equal(net.IPv4zero) && !isIPv4 {
					continue
				}
				if tcpAddr.IP.Equal(net.IPv6unspecified) && isIPv4 {
					continue
				}
			}

			a := &net.TCPAddr{IP: ip, Port: tcpAddr.Port}
			if _, dup := seen[a.String()]; dup {
				continue
			}
			seen[a.String()] = struct{}{}

			if ip.IsLoopback() {
				loopback = append(loopback, a)
			} else {
				addresses = append(addresses, a)
			}
		}
	}

	addresses = append(addresses, loopback...)
	if len(addresses) == 0 {
		log.Warnf("transport: no interface addresses found for %s", tcpAddr)
		addresses = append(addresses, tcpAddr)
	}
	return toMultiaddrs(addresses)
}

func toMultiaddrs(addrs []net.Addr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := manet.FromNetAddr(a)
		if err != nil {
			log.Debugf("transport: skipping %s: %v", a, err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Dial opens a stream connection to addr. The context bounds connection establishment only.
func Dial(ctx context.Context, addr ma.Multiaddr) (net.Conn, error) {
	network, host, err := manet.DialArgs(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: cannot dial %s: %w", addr, err)
	}

	d := net.Dialer{Timeout: DefaultDialTimeout}
	return d.DialContext(ctx, network, host)
}

// ResolveUnspecified replaces an unspecified IP in addr with the address the announcement came from.
// Other addresses are returned unchanged.
func ResolveUnspecified(addr ma.Multiaddr, observed net.IP) ma.Multiaddr {
	na, err := manet.ToNetAddr(addr)
	if err != nil {
		return addr
	}
	tcpAddr, ok := na.(*net.TCPAddr)
	if !ok || !tcpAddr.IP.IsUnspecified() || observed == nil {
		return addr
	}

	m, err := manet.FromNetAddr(&net.TCPAddr{IP: observed, Port: tcpAddr.Port})
	if err != nil {
		return addr
	}
	return m
}

// ParseAddrs parses textual multiaddrs, skipping the ones that do not parse.
func ParseAddrs(addrs []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Debugf("transport: ignoring bad multiaddr %q: %v", s, err)
			continue
		}
		out = append(out, m)
	}
	return out
}

func Strings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
