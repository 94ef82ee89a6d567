package mux

import (
	"bytes"
	"io"
	"sync"
)

// Stream is one logical, ordered byte stream inside a Session.
type Stream struct {
	id   uint32
	sess *Session

	mu         sync.Mutex
	cond       *sync.Cond
	buf        bytes.Buffer
	remoteFin  bool
	localFin   bool
	err        error
	removeOnce sync.Once
}

func newStream(id uint32, sess *Session) *Stream {
	st := &Stream{id: id, sess: sess}
	st.cond = sync.NewCond(&st.mu)
	return st
}

func (st *Stream) ID() uint32 {
	return st.id
}

// Read blocks until data arrives, the peer closes its side (io.EOF) or the stream fails.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for st.buf.Len() == 0 {
		if st.err != nil {
			return 0, st.err
		}
		if st.remoteFin {
			return 0, io.EOF
		}
		st.cond.Wait()
	}
	return st.buf.Read(p)
}

// Write splits p into frames no larger than the session's maximum frame size.
func (st *Stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	if st.err != nil {
		err := st.err
		st.mu.Unlock()
		return 0, err
	}
	if st.localFin {
		st.mu.Unlock()
		return 0, ErrStreamClosed
	}
	st.mu.Unlock()

	written := 0
	max := st.sess.cfg.maxFrameSize
	for len(p) > 0 {
		chunk := p
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		if err := st.sess.writeFrame(header{stream: st.id}, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close signals end-of-data to the peer. Reading remains possible until the peer closes too.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.localFin || st.err != nil {
		st.mu.Unlock()
		return nil
	}
	st.localFin = true
	done := st.remoteFin
	st.mu.Unlock()

	err := st.sess.writeFrame(header{stream: st.id, flags: flagFIN}, nil)
	if done {
		st.remove()
	}
	return err
}

// Reset aborts the stream in both directions.
func (st *Stream) Reset() {
	st.fail(ErrStreamReset)
	st.remove()
	st.sess.sendReset(st.id)
}

func (st *Stream) push(data []byte, limit int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.err != nil || st.remoteFin {
		return true
	}
	if st.buf.Len()+len(data) > limit {
		return false
	}
	st.buf.Write(data)
	st.cond.Broadcast()
	return true
}

func (st *Stream) remoteClose() {
	st.mu.Lock()
	st.remoteFin = true
	done := st.localFin
	st.cond.Broadcast()
	st.mu.Unlock()

	if done {
		st.remove()
	}
}

func (st *Stream) fail(err error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.cond.Broadcast()
	st.mu.Unlock()
}

func (st *Stream) remove() {
	st.removeOnce.Do(func() {
		st.sess.removeStream(st.id)
	})
}

var _ io.ReadWriteCloser = (*Stream)(nil)
