package secure

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"floodmesh/peerid"

	"golang.org/x/crypto/chacha20poly1305"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxRecordPayload bounds the plaintext carried by one record. Larger writes are split.
	MaxRecordPayload = 64 << 10

	recordHeaderSize = 4
	maxRecordSize    = MaxRecordPayload + chacha20poly1305.Overhead
)

// Session is an authenticated, encrypted byte stream bound to both peers' ids.
// Records are <len:uint32><ciphertext>; the nonce and additional data are the per-direction record
// counter, so a replayed, reordered or modified record fails authentication and kills the session.
type Session struct {
	conn      net.Conn
	local     peerid.ID
	remote    peerid.ID
	remotePub ed25519.PublicKey

	wmu     sync.Mutex
	send    cipher.AEAD
	sendSeq uint64
	wbuf    []byte

	rmu     sync.Mutex
	recv    cipher.AEAD
	recvSeq uint64
	pending []byte
	rerr    error

	closeOnce sync.Once
}

func newSession(conn net.Conn, local, remote peerid.ID, remotePub ed25519.PublicKey, sendKey, recvKey [keySize]byte) (*Session, error) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Session{
		conn:      conn,
		local:     local,
		remote:    remote,
		remotePub: remotePub,
		send:      send,
		recv:      recv,
	}, nil
}

func (s *Session) LocalID() peerid.ID {
	return s.local
}

func (s *Session) RemoteID() peerid.ID {
	return s.remote
}

func (s *Session) RemotePublicKey() ed25519.PublicKey {
	return s.remotePub
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func recordNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

func recordAAD(seq uint64) []byte {
	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], seq)
	return aad[:]
}

// Write encrypts p into one or more records.
func (s *Session) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxRecordPayload {
			chunk = chunk[:MaxRecordPayload]
		}

		seq := s.sendSeq
		s.sendSeq++

		s.wbuf = append(s.wbuf[:0], 0, 0, 0, 0)
		s.wbuf = s.send.Seal(s.wbuf, recordNonce(seq), chunk, recordAAD(seq))
		binary.BigEndian.PutUint32(s.wbuf[:recordHeaderSize], uint32(len(s.wbuf)-recordHeaderSize))

		if _, err := s.conn.Write(s.wbuf); err != nil {
			return written, &ConnectionError{Op: "write", Err: err}
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Read returns decrypted application bytes in the order they were written by the peer.
func (s *Session) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for len(s.pending) == 0 {
		if s.rerr != nil {
			return 0, s.rerr
		}
		plain, err := s.readRecord()
		if err != nil {
			s.rerr = err
			if err == ErrDecrypt || err == ErrRecordTooLarge {
				log.Warnf("secure: terminating session with %s: %v", s.remote.Short(), err)
				s.Close()
			}
			return 0, err
		}
		s.pending = plain
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Session) readRecord() ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < chacha20poly1305.Overhead || n > maxRecordSize {
		return nil, ErrRecordTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}

	seq := s.recvSeq
	plain, err := s.recv.Open(buf[:0], recordNonce(seq), buf, recordAAD(seq))
	if err != nil {
		return nil, ErrDecrypt
	}
	s.recvSeq++
	return plain, nil
}

// Close closes the underlying connection. Pending reads and writes fail.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

var _ io.ReadWriteCloser = (*Session)(nil)
