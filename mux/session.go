// Package mux splits one secured connection into many independent byte streams.
//
// Every frame carries its stream id and length. The receive loop only ever appends to per-stream
// buffers, so a stream nobody reads from never blocks the others.
package mux

import (
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultAcceptBacklog   = 64
	DefaultMaxStreamBuffer = 1 << 20
)

type config struct {
	maxFrameSize    int
	acceptBacklog   int
	maxStreamBuffer int
}

type Option func(*config)

func WithMaxFrameSize(n int) Option {
	return func(c *config) {
		c.maxFrameSize = n
	}
}

func WithAcceptBacklog(n int) Option {
	return func(c *config) {
		c.acceptBacklog = n
	}
}

func WithMaxStreamBuffer(n int) Option {
	return func(c *config) {
		c.maxStreamBuffer = n
	}
}

type Session struct {
	conn io.ReadWriteCloser
	cfg  config

	wmu  sync.Mutex
	wbuf []byte

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	accept    chan *Stream
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// New starts multiplexing over conn. Exactly one side of a connection must be the client;
// the client allocates odd stream ids and the server even ones.
func New(conn io.ReadWriteCloser, client bool, opts ...Option) *Session {
	cfg := config{
		maxFrameSize:    DefaultMaxFrameSize,
		acceptBacklog:   DefaultAcceptBacklog,
		maxStreamBuffer: DefaultMaxStreamBuffer,
	}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Session{
		conn:    conn,
		cfg:     cfg,
		streams: make(map[uint32]*Stream),
		accept:  make(chan *Stream, cfg.acceptBacklog),
		closed:  make(chan struct{}),
	}
	if client {
		s.nextID = 1
	} else {
		s.nextID = 2
	}

	go s.recvLoop()
	return s
}

// OpenStream creates a new outbound stream. The peer learns about it with the first frame.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID += 2
	st := newStream(id, s)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.writeFrame(header{stream: id, flags: flagSYN}, nil); err != nil {
		s.removeStream(id)
		return nil, err
	}
	return st, nil
}

// AcceptStream waits until the peer opens a stream.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.accept:
		return st, nil
	case <-s.closed:
		return nil, s.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes every stream and the underlying connection.
func (s *Session) Close() error {
	return s.shutdown(ErrSessionClosed)
}

// Done is closed once the session has terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Err returns the reason the session terminated, or nil while it is alive.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.closeErr()
	default:
		return nil
	}
}

func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) shutdown(reason error) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		streams := s.streams
		s.streams = make(map[uint32]*Stream)
		close(s.closed)
		s.mu.Unlock()

		for _, st := range streams {
			st.fail(ErrSessionClosed)
		}
		err = s.conn.Close()
	})
	return err
}

func (s *Session) writeFrame(h header, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}
	s.wbuf = encodeFrame(s.wbuf[:0], h, payload)
	if _, err := s.conn.Write(s.wbuf); err != nil {
		s.shutdown(err)
		return err
	}
	return nil
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) sendReset(id uint32) {
	if err := s.writeFrame(header{stream: id, flags: flagRST}, nil); err != nil {
		log.Debugf("mux: failed to reset stream %d: %v", id, err)
	}
}

// resetStream aborts a stream locally with cause and tells the peer. The reset is written
// asynchronously so the receive loop never waits on the write side.
func (s *Session) resetStream(id uint32, cause error) {
	s.mu.Lock()
	st := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()

	if st != nil {
		st.fail(cause)
	}
	go s.sendReset(id)
}

func (s *Session) recvLoop() {
	for {
		h, err := readHeader(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrSessionClosed
			}
			s.shutdown(err)
			return
		}

		if int(h.length) > s.cfg.maxFrameSize || h.flags&^knownFlags != 0 {
			ferr := &FramingError{Stream: h.stream, Reason: "oversized or unknown flags: " + h.String()}
			log.Warnf("mux: %v", ferr)
			if h.length > maxDiscard {
				s.shutdown(ferr)
				return
			}
			if _, err := io.CopyN(io.Discard, s.conn, int64(h.length)); err != nil {
				s.shutdown(err)
				return
			}
			s.resetStream(h.stream, ferr)
			continue
		}

		var payload []byte
		if h.length > 0 {
			payload = make([]byte, h.length)
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				s.shutdown(err)
				return
			}
		}

		s.handleFrame(h, payload)
	}
}

func (s *Session) handleFrame(h header, payload []byte) {
	if h.flags&flagRST != 0 {
		s.mu.Lock()
		st := s.streams[h.stream]
		delete(s.streams, h.stream)
		s.mu.Unlock()
		if st != nil {
			st.fail(ErrStreamReset)
		}
		return
	}

	s.mu.Lock()
	st := s.streams[h.stream]
	if st == nil && h.flags&flagSYN != 0 {
		st = s.acceptLocked(h.stream)
		if st == nil {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	if st == nil {
		// Data for a stream we do not know: either long gone or never opened.
		go s.sendReset(h.stream)
		return
	}

	if len(payload) > 0 {
		if !st.push(payload, s.cfg.maxStreamBuffer) {
			s.resetStream(h.stream, &FramingError{Stream: h.stream, Reason: "receive buffer overflow"})
			return
		}
	}
	if h.flags&flagFIN != 0 {
		st.remoteClose()
	}
}

// acceptLocked registers a stream opened by the peer. Called with s.mu held.
func (s *Session) acceptLocked(id uint32) *Stream {
	// The peer must allocate ids of the opposite parity to ours.
	if id == 0 || id%2 == s.nextID%2 {
		log.Warnf("mux: %v", &FramingError{Stream: id, Reason: "bad stream id parity"})
		go s.sendReset(id)
		return nil
	}

	st := newStream(id, s)
	select {
	case s.accept <- st:
		s.streams[id] = st
		return st
	default:
		log.Warnf("mux: stream %d refused: %v", id, ErrAcceptBacklog)
		go s.sendReset(id)
		return nil
	}
}
