// Package discovery announces the local node on the link and tracks which peers are currently present.
//
// A peer becomes known on its first announcement and is forgotten once no announcement arrived for
// the TTL. Every transition is reported on the Events channel exactly once.
package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"time"

	"floodmesh/datamodel/peer"
	"floodmesh/helper/timer"
	"floodmesh/metrics"
	"floodmesh/net/mpubsub"
	"floodmesh/net/transport"
	"floodmesh/peerid"
	"floodmesh/swarm/protocol"

	"github.com/Arceliar/phony"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const eventBacklog = 64

type EventKind int

const (
	PeerDiscovered EventKind = iota
	PeerExpired
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "discovered"
	case PeerExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Peer *peer.Record
}

type Config struct {
	Interval timer.Interval // announcement period
	TTL      time.Duration  // validity of one announcement
	Sweep    time.Duration  // expiry check period, defaults to half the interval
}

func (c *Config) Validate() error {
	if err := c.Interval.Validate(); err != nil {
		return err
	}
	if c.TTL <= c.Interval.Duration {
		return errors.New("discovery: TTL must exceed the announcement interval")
	}
	return nil
}

type Service struct {
	phony.Inbox

	self  peerid.ID
	addrs []string
	cfg   Config

	ps   *mpubsub.PubSub
	book peer.PeerBook // optional

	table  *PeerTable // owned by the actor
	events chan Event
	done   <-chan struct{}
	seq    uint64
	now    func() time.Time
}

// New wires a discovery service to the pubsub. book may be nil.
func New(self peerid.ID, addrs []string, ps *mpubsub.PubSub, book peer.PeerBook, cfg Config) (*Service, error) {
	if cfg.Sweep == 0 {
		cfg.Sweep = cfg.Interval.Duration / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		self:   self,
		addrs:  addrs,
		cfg:    cfg,
		ps:     ps,
		book:   book,
		table:  NewPeerTable(cfg.TTL),
		events: make(chan Event, eventBacklog),
		now:    time.Now,
	}
	ps.Register(&Discovery{svc: s})
	return s, nil
}

// Events delivers Discovered and Expired transitions in the order they happened.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) Run(ctx context.Context) error {
	s.done = ctx.Done()

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return s.ps.Listen(cctx)
	})

	wg.Go(func() error {
		return timer.RunWithTicker(cctx, &s.cfg.Interval, true, s.announce)
	})

	wg.Go(func() error {
		sweep := &timer.Interval{Duration: s.cfg.Sweep}
		return timer.RunWithTicker(cctx, sweep, false, s.sweep)
	})

	err := wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// This is run via the RunWithTicker() helper
func (s *Service) announce(ctx context.Context) error {
	s.seq++
	msg := &protocol.PeerAnnouncementMessage{
		NodeID:         s.self,
		Addresses:      s.addrs,
		SequenceNumber: s.seq,
	}

	if err := s.ps.Publish(protocol.MethodPeerAnnouncement, msg); err != nil {
		// The link may come back, keep announcing
		log.Warnf("Failed to publish peer announcement: %v", err)
	}
	return nil
}

func (s *Service) sweep(ctx context.Context) error {
	s.Act(nil, s._sweep)
	return nil
}

// HandleAnnouncement validates an announcement and folds it into the table.
func (s *Service) HandleAnnouncement(msg *protocol.PeerAnnouncementMessage, from *net.UDPAddr) {
	if msg.NodeID.IsZero() {
		metrics.AnnouncementsDropped.Inc()
		log.Debugf("Dropping announcement without node id from %v", from)
		return
	}
	if msg.NodeID == s.self {
		return
	}

	var observed net.IP
	if from != nil {
		observed = from.IP
	}
	maddrs := transport.ParseAddrs(msg.Addresses)
	for i, m := range maddrs {
		maddrs[i] = transport.ResolveUnspecified(m, observed)
	}
	addrs := transport.Strings(maddrs)
	if len(msg.Addresses) > 0 && len(addrs) == 0 {
		metrics.AnnouncementsDropped.Inc()
		log.Debugf("Dropping announcement from %s: no usable address in %v", msg.NodeID, msg.Addresses)
		return
	}

	s.Act(nil, func() {
		s._observe(msg.NodeID, addrs, msg.SequenceNumber)
	})
}

func (s *Service) _observe(id peerid.ID, addrs []string, seq uint64) {
	prev, _ := s.table.Get(id)
	rec, fresh := s.table.Observe(id, addrs, seq, s.now())
	// Refreshes only move the expiry, which the book does not need
	if fresh || !slices.Equal(prev.Addresses, rec.Addresses) {
		s._persist(rec)
	}

	if fresh {
		log.Infof("Discovered peer %s at %v", id, rec.Addresses)
		metrics.PeersDiscovered.Inc()
		s._emit(Event{Kind: PeerDiscovered, Peer: rec.Clone()})
	}
}

func (s *Service) _sweep() {
	for _, rec := range s.table.Sweep(s.now()) {
		log.Infof("Peer %s expired, last seen %s", rec.NodeID, rec.LastSeen.Format(time.RFC3339))
		metrics.PeersExpired.Inc()
		s._emit(Event{Kind: PeerExpired, Peer: rec})
	}
}

func (s *Service) _persist(rec *peer.Record) {
	if s.book == nil {
		return
	}
	if _, err := s.book.Put(rec.Clone()); err != nil {
		log.Errorf("Failed to store peer record for %s: %v", rec.NodeID, err)
	}
}

func (s *Service) _emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Snapshot returns the live peers. It must not be called from an Events consumer that the
// service may be blocked on.
func (s *Service) Snapshot() []*peer.Record {
	var out []*peer.Record
	phony.Block(s, func() {
		out = s.table.Snapshot()
	})
	return out
}

// Discovery is the pubsub receiver; its method set defines the "Discovery.*" service methods.
type Discovery struct {
	svc *Service
}

func (d *Discovery) Announce(msg *protocol.PeerAnnouncementMessage, from *net.UDPAddr) {
	d.svc.HandleAnnouncement(msg, from)
}
