package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"floodmesh/config"
	"floodmesh/identity"
	"floodmesh/net/mpubsub"
	"floodmesh/net/transport"
	"floodmesh/peerid"
	"floodmesh/swarm/gossip"

	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []*gossip.Message
}

func (i *inbox) deliver(m *gossip.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) sources() []peerid.ID {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]peerid.ID, 0, len(i.msgs))
	for _, m := range i.msgs {
		out = append(out, m.Source)
	}
	return out
}

func (i *inbox) payloads() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.msgs))
	for _, m := range i.msgs {
		out = append(out, string(m.Payload))
	}
	return out
}

type testNode struct {
	*Node
	inbox    *inbox
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

func testConfig(t *testing.T) *config.Config {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := config.NewEmptyConfig("")
	cfg.Identity.PrivateKey = config.PrivKey{PrivateKey: priv}
	cfg.Network.Listen = "/ip4/127.0.0.1/tcp/0"
	cfg.Network.HandshakeTimeout = config.Duration(2 * time.Second)
	cfg.Discovery.Interval = config.Duration(50 * time.Millisecond)
	cfg.Discovery.Jitter = 0
	cfg.Discovery.TTL = config.Duration(300 * time.Millisecond)
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, ps *mpubsub.PubSub) *testNode {
	l, err := transport.Listen(cfg.Network.Listen)
	require.NoError(t, err)

	box := &inbox{}
	n, err := New(cfg, l, ps, nil, WithDeliver(box.deliver))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tn := &testNode{Node: n, inbox: box, cancel: cancel, done: make(chan error, 1)}
	go func() { tn.done <- n.Run(ctx) }()

	t.Cleanup(tn.stop)
	return tn
}

func (tn *testNode) stop() {
	tn.stopOnce.Do(func() {
		tn.cancel()
		select {
		case <-tn.done:
		case <-time.After(5 * time.Second):
		}
	})
}

func (tn *testNode) state(t *testing.T) *State {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := tn.State(ctx)
	require.NoError(t, err)
	return s
}

func waitConnected(t *testing.T, tn *testNode, peers ...peerid.ID) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := tn.state(t)
		for _, p := range peers {
			if !containsID(s.Connected, p) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func containsID(ids []peerid.ID, id peerid.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestExplicitDialAndPublish(t *testing.T) {
	a := startNode(t, testConfig(t), nil)
	b := startNode(t, testConfig(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Dial(ctx, a.Addresses[0], peerid.ID{}))

	waitConnected(t, a, b.ID())
	waitConnected(t, b, a.ID())

	msg, err := a.Publish(ctx, config.DefaultTopic, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, a.ID(), msg.Source)

	require.Eventually(t, func() bool { return len(b.inbox.payloads()) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"hello"}, b.inbox.payloads())
	require.Equal(t, []peerid.ID{a.ID()}, b.inbox.sources())

	// Nothing echoes back and nothing is delivered twice
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, a.inbox.payloads())
	require.Len(t, b.inbox.payloads(), 1)
}

func TestRelayAcrossLine(t *testing.T) {
	// x - y - z, y only subscribed to the default topic
	x := startNode(t, testConfig(t), nil)
	y := startNode(t, testConfig(t), nil)
	z := startNode(t, testConfig(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, x.Dial(ctx, y.Addresses[0], y.ID()))
	require.NoError(t, z.Dial(ctx, y.Addresses[0], y.ID()))
	waitConnected(t, y, x.ID(), z.ID())
	waitConnected(t, x, y.ID())
	waitConnected(t, z, y.ID())

	require.NoError(t, z.Subscribe(ctx, "other"))
	_, err := x.Publish(ctx, "other", []byte("via y"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(z.inbox.payloads()) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"via y"}, z.inbox.payloads())
	require.Empty(t, y.inbox.payloads())

	s := y.state(t)
	require.Contains(t, s.Views, gossip.Topic("other"))
	require.NotContains(t, s.Subscribed, gossip.Topic("other"))
}

func TestDialWithWrongExpectedPeerFails(t *testing.T) {
	a := startNode(t, testConfig(t), nil)
	b := startNode(t, testConfig(t), nil)
	c := startNode(t, testConfig(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, b.Dial(ctx, a.Addresses[0], c.ID()))
	require.Empty(t, b.state(t).Connected)
}

func TestGarbageHandshakeIsRejected(t *testing.T) {
	a := startNode(t, testConfig(t), nil)

	raw, err := transport.Dial(context.Background(), a.Addresses[0])
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Write([]byte{0x00, 0x05, 0x09, 'j', 'u', 'n', 'k'})
	require.NoError(t, err)

	// The node closes the connection instead of waiting for more
	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(raw)
	var ne net.Error
	require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection left open")
	require.Empty(t, a.state(t).Connected)
}

// Loopback unicast pubsubs wired crosswise stand in for one multicast group.
func crossedPubSubs(t *testing.T) (*mpubsub.PubSub, *mpubsub.PubSub) {
	ra, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	rb, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	wa, err := net.DialUDP("udp4", nil, rb.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	wb, err := net.DialUDP("udp4", nil, ra.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	a, b := mpubsub.New(ra, wa), mpubsub.New(rb, wb)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestDiscoveryConnectsAndExpires(t *testing.T) {
	psA, psB := crossedPubSubs(t)
	a := startNode(t, testConfig(t), psA)
	b := startNode(t, testConfig(t), psB)

	// No dial target: discovery alone sets up the connection
	waitConnected(t, a, b.ID())
	waitConnected(t, b, a.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.Publish(ctx, config.DefaultTopic, []byte("found you"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.inbox.payloads()) == 1 }, 5*time.Second, 20*time.Millisecond)

	s := b.state(t)
	require.Contains(t, s.Discovered, a.ID())
	require.Contains(t, s.Views[gossip.Topic(config.DefaultTopic)], a.ID())

	// A goes silent: B forgets it and drops it from every view
	a.stop()
	require.Eventually(t, func() bool {
		s := b.state(t)
		if containsID(s.Discovered, a.ID()) || containsID(s.Neighbours, a.ID()) {
			return false
		}
		for _, view := range s.Views {
			if containsID(view, a.ID()) {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRequestsAfterStop(t *testing.T) {
	a := startNode(t, testConfig(t), nil)
	a.stop()

	_, err := a.Publish(context.Background(), "chat", []byte("late"))
	require.ErrorIs(t, err, ErrStopped)
}

func TestDuplicateConnectionChoiceAgreesOnBothEnds(t *testing.T) {
	ia, err := identity.Generate()
	require.NoError(t, err)
	ib, err := identity.Generate()
	require.NoError(t, err)
	a, b := &Node{ident: ia}, &Node{ident: ib}

	// a dialled b twice; the two ends register the connections in opposite order
	a1 := &conn{node: a, remote: ib.ID(), outbound: true, dialerAddr: "127.0.0.1:40001"}
	a2 := &conn{node: a, remote: ib.ID(), outbound: true, dialerAddr: "127.0.0.1:40002"}
	b1 := &conn{node: b, remote: ia.ID(), dialerAddr: "127.0.0.1:40001"}
	b2 := &conn{node: b, remote: ia.ID(), dialerAddr: "127.0.0.1:40002"}

	require.True(t, keepFirst(a1, a2))  // a keeps the first
	require.False(t, keepFirst(b2, b1)) // b swaps to the same one

	// Simultaneous dials: both ends keep the one dialled by the smaller ID
	aOut := &conn{node: a, remote: ib.ID(), outbound: true, dialerAddr: "127.0.0.1:40003"}
	aIn := &conn{node: a, remote: ib.ID(), dialerAddr: "127.0.0.1:40004"}
	bOut := &conn{node: b, remote: ia.ID(), outbound: true, dialerAddr: "127.0.0.1:40004"}
	bIn := &conn{node: b, remote: ia.ID(), dialerAddr: "127.0.0.1:40003"}

	aSmaller := ia.ID().Less(ib.ID())
	require.Equal(t, aSmaller, keepFirst(aOut, aIn))
	require.Equal(t, !aSmaller, keepFirst(bOut, bIn))
}
