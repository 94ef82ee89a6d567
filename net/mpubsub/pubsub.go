// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered callback.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"go/token"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxDatagramSize = 1400

	// Datagrams per second accepted from a single source address, and the burst above it.
	DefaultRateLimit = rate.Limit(20)
	DefaultRateBurst = 40

	maxTrackedSources = 1024
)

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

// ParseError describes a datagram that could not be dispatched. It is reported through the
// drop hook and never stops the listener.
type ParseError struct {
	From   net.Addr
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "mpubsub: dropped datagram from " + addrString(e.From) + ": " + e.Reason + ": " + e.Err.Error()
	}
	return "mpubsub: dropped datagram from " + addrString(e.From) + ": " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<unknown>"
	}
	return a.String()
}

var addrType = reflect.TypeOf((*net.UDPAddr)(nil))

type handlerType struct {
	method   reflect.Method
	argType  reflect.Type
	withFrom bool // handler takes the sender address as a second argument
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type Option func(*PubSub)

func WithRateLimit(r rate.Limit, burst int) Option {
	return func(ps *PubSub) {
		ps.limit = r
		ps.burst = burst
	}
}

func WithMaxDatagramSize(n int) Option {
	return func(ps *PubSub) {
		ps.maxDatagram = n
	}
}

// WithDropHook installs a callback invoked for every datagram that is rate limited or malformed.
func WithDropHook(f func(error)) Option {
	return func(ps *PubSub) {
		ps.onDropped = f
	}
}

type PubSub struct {
	rc         *net.UDPConn
	wc         *net.UDPConn
	serviceMap sync.Map

	maxDatagram int
	limit       rate.Limit
	burst       int
	onDropped   func(error)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wraps an already bound reader and a connected writer. Open builds both for a multicast group.
func New(rconn *net.UDPConn, wconn *net.UDPConn, opts ...Option) *PubSub {
	ps := &PubSub{
		rc:          rconn,
		wc:          wconn,
		maxDatagram: DefaultMaxDatagramSize,
		limit:       DefaultRateLimit,
		burst:       DefaultRateBurst,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(ps)
	}
	return ps
}

func (ps *PubSub) Register(rcvr any) {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.sub).Type().Name()
	if sname == "" {
		log.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
		return
	}
	if !token.IsExported(sname) {
		log.Errorf("mpubsub.Register: type %q is not exported", sname)
		return
	}
	s.name = sname

	// Install the methods
	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		log.Errorf("mpubsub.Register: type %s has no exported methods of suitable type", sname)
		return
	}
	ps.serviceMap.Store(sname, s)

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
	}
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// Handlers look like Method(args *T) or Method(args *T, from *net.UDPAddr) and return nothing.
func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// receiver, *args[, from]
		if mtype.NumIn() != 2 && mtype.NumIn() != 3 {
			log.Errorf("mpubsub.Register: method %q has %d input parameters; needs two or three", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer {
			log.Errorf("mpubsub.Register: argument type of method %q is not a pointer: %q", mname, argType)
			continue
		}
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("mpubsub.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		withFrom := mtype.NumIn() == 3
		if withFrom && mtype.In(2) != addrType {
			log.Errorf("mpubsub.Register: second argument of method %q must be *net.UDPAddr, got %q", mname, mtype.In(2))
			continue
		}
		if mtype.NumOut() != 0 {
			log.Errorf("mpubsub.Register: method %q has %d output parameters; needs exactly zero", mname, mtype.NumOut())
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType, withFrom: withFrom}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > ps.maxDatagram {
		return errors.New("mpubsub: message for " + serviceMethod + " exceeds the datagram size limit")
	}

	_, err := ps.wc.Write(buf.Bytes())
	return err
}

// Listen dispatches incoming datagrams until ctx is cancelled. Malformed or rate limited datagrams
// are dropped; they never stop the loop.
func (ps *PubSub) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read
		ps.rc.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, ps.maxDatagram+1)
	for {
		n, from, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				log.Debugf("mpubsub: listener on %s stopping", ps.rc.LocalAddr())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}

		if !ps.allow(from) {
			ps.drop(&ParseError{From: from, Reason: "rate limited"})
			continue
		}
		if n > ps.maxDatagram {
			ps.drop(&ParseError{From: from, Reason: "datagram too large"})
			continue
		}

		if err := ps.dispatch(buf[:n], from); err != nil {
			ps.drop(err)
		}
	}
}

func (ps *PubSub) dispatch(raw []byte, from *net.UDPAddr) error {
	// Wrap the message in a reader and pass on to CBOR decoder
	dec := cbor.NewDecoder(bytes.NewReader(raw))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		return &ParseError{From: from, Reason: "bad header", Err: err}
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		return &ParseError{From: from, Reason: "ill-formed service method " + msg.ServiceMethod}
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		return &ParseError{From: from, Reason: "unknown service " + serviceName}
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		return &ParseError{From: from, Reason: "unknown method " + msg.ServiceMethod}
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		return &ParseError{From: from, Reason: "bad arguments for " + msg.ServiceMethod, Err: err}
	}

	in := []reflect.Value{svc.sub, arg}
	if handler.withFrom {
		in = append(in, reflect.ValueOf(from))
	}
	handler.method.Func.Call(in)
	return nil
}

func (ps *PubSub) allow(from *net.UDPAddr) bool {
	if ps.limit == rate.Inf {
		return true
	}

	key := from.IP.String()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	l, ok := ps.limiters[key]
	if !ok {
		// A flood of spoofed sources must not grow the map without bound
		if len(ps.limiters) >= maxTrackedSources {
			clear(ps.limiters)
		}
		l = rate.NewLimiter(ps.limit, ps.burst)
		ps.limiters[key] = l
	}
	return l.Allow()
}

func (ps *PubSub) drop(err error) {
	log.Debugf("%v", err)
	if ps.onDropped != nil {
		ps.onDropped(err)
	}
}

func (ps *PubSub) LocalAddr() net.Addr {
	return ps.rc.LocalAddr()
}

func (ps *PubSub) Close() error {
	return errors.Join(ps.rc.Close(), ps.wc.Close())
}
