// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/godbus/dbus/v5"
	"golang.org/x/xerrors"
)

// BusKind selects which message bus a Session connects to.
type BusKind int

const (
	// SystemBus is where BlueZ lives on every stock installation.
	SystemBus BusKind = iota
	// SessionBus is only useful against a daemon started in a user
	// session, e.g. bluetoothd under a test harness.
	SessionBus
)

const (
	// DefaultCallTimeout bounds method calls that were issued without
	// an explicit deadline.
	DefaultCallTimeout = 30 * time.Second

	// DefaultEventQueueSize is the per-stream delivery queue capacity.
	DefaultEventQueueSize = 64

	signalChanSize = 128
)

// Options tunes a Session. The zero value of every field selects a
// default.
type Options struct {
	// CallTimeout is applied to calls issued without an explicit
	// deadline. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// EventQueueSize caps each event stream's delivery queue.
	// Defaults to DefaultEventQueueSize.
	EventQueueSize int

	// Block integrates an external runtime; see BlockFunc. When nil a
	// minimal internal wait is used.
	Block BlockFunc

	// Clock supplies timers. Defaults to the wall clock; tests inject
	// a mock.
	Clock clock.Clock
}

// busConn is the subset of the godbus connection the session drives.
// The transport itself (framing, auth, socket plumbing) stays behind
// it.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(opts ...dbus.MatchOption) error
	RemoveMatchSignal(opts ...dbus.MatchOption) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Close() error
}

// Session owns one bus connection and its single background driver.
// All public operations may be called from arbitrary goroutines; they
// block the calling goroutine only, never the driver.
type Session struct {
	conn        busConn
	clock       clock.Clock
	blockFn     BlockFunc
	callTimeout time.Duration
	queueSize   int

	cache *objectCache

	driverOnce   sync.Once
	shutdownOnce sync.Once
	signals      chan *dbus.Signal

	seedMu  sync.Mutex
	seeded  bool
	seedErr error

	mu       sync.Mutex
	closed   bool
	nextSub  uint64
	subs     map[uint64]*subscription
	inflight map[dbus.ObjectPath]map[*pending]struct{}
}

// Connect establishes a private connection to the given bus.
func Connect(kind BusKind, opts *Options) (*Session, error) {
	var conn *dbus.Conn
	var err error
	switch kind {
	case SessionBus:
		conn, err = dbus.ConnectSessionBus()
	default:
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return newSession(conn, opts), nil
}

func newSession(conn busConn, opts *Options) *Session {
	s := &Session{
		conn:        conn,
		clock:       clock.New(),
		callTimeout: DefaultCallTimeout,
		queueSize:   DefaultEventQueueSize,
		subs:        make(map[uint64]*subscription),
		inflight:    make(map[dbus.ObjectPath]map[*pending]struct{}),
	}
	if opts != nil {
		if opts.CallTimeout > 0 {
			s.callTimeout = opts.CallTimeout
		}
		if opts.EventQueueSize > 0 {
			s.queueSize = opts.EventQueueSize
		}
		if opts.Clock != nil {
			s.clock = opts.Clock
		}
		s.blockFn = opts.Block
	}
	s.cache = newObjectCache()
	return s
}

// Close tears down the driver, fails every pending call and closes
// every event stream with ErrDisconnected, then closes the
// connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	// The driver exits once godbus closes the signal channel, but it
	// may never have been started.
	s.shutdown()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// startDriver lazily starts the one driver goroutine per connection.
func (s *Session) startDriver() {
	s.driverOnce.Do(func() {
		s.signals = make(chan *dbus.Signal, signalChanSize)
		s.conn.Signal(s.signals)
		go s.driver()
	})
}

// driver is the only reader of inbound signal traffic. It applies
// object-tree deltas to the cache, fails calls whose target vanished,
// and fans signals out to subscription queues. Dispatch is serial, so
// per-path signal ordering is preserved.
func (s *Session) driver() {
	for sig := range s.signals {
		s.dispatch(sig)
	}
	s.shutdown()
}

func (s *Session) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case objectManagerInterface + "." + interfacesAddedMember,
		objectManagerInterface + "." + interfacesRemovedMember,
		propertiesInterface + "." + propertiesChangedMember:
		for _, gone := range s.cache.handleSignal(sig) {
			s.failInflight(gone, ErrObjectGone)
		}
	}

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if events := sub.filter(sig); len(events) > 0 {
			sub.push(events)
		}
	}
}

// shutdown is idempotent; it runs on explicit Close and on driver
// exit after connection loss.
func (s *Session) shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := s.subs
		inflight := s.inflight
		s.subs = make(map[uint64]*subscription)
		s.inflight = make(map[dbus.ObjectPath]map[*pending]struct{})
		s.mu.Unlock()

		for path, pendings := range inflight {
			for p := range pendings {
				if p.cancel(ErrDisconnected) {
					logger.Debug("failed pending call on shutdown:", path)
				}
			}
		}
		for _, sub := range subs {
			sub.markClosed()
		}
	})
}

// Call issues a method call and blocks until reply, error reply,
// timeout or connection loss. A zero timeout selects the session
// default; a negative timeout is an already-expired deadline and
// fast-fails with ErrCallTimeout before reaching the transport.
func (s *Session) Call(dest string, path dbus.ObjectPath, iface, method string,
	timeout time.Duration, args ...interface{}) ([]interface{}, error) {
	if timeout == 0 {
		timeout = s.callTimeout
	}
	return s.callDeadline(dest, path, iface, method, s.clock.Now().Add(timeout), args...)
}

func (s *Session) callDeadline(dest string, path dbus.ObjectPath, iface, method string,
	deadline time.Time, args ...interface{}) ([]interface{}, error) {
	remaining := deadline.Sub(s.clock.Now())
	if remaining <= 0 {
		return nil, ErrCallTimeout
	}
	if s.isClosed() {
		return nil, ErrDisconnected
	}
	s.startDriver()

	p := newPending()
	s.trackInflight(path, p)

	ch := make(chan *dbus.Call, 1)
	s.conn.Object(dest, path).Go(iface+"."+method, 0, ch, args...)
	go func() {
		call := <-ch
		p.complete(call.Body, translateCallError(call.Err))
		s.untrackInflight(path, p)
	}()

	return s.block(p, remaining)
}

// send issues a fire-and-forget call (NoReplyExpected). Failures are
// reported but never retried.
func (s *Session) send(dest string, path dbus.ObjectPath, iface, method string,
	args ...interface{}) error {
	if s.isClosed() {
		return ErrDisconnected
	}
	call := s.conn.Object(dest, path).Go(iface+"."+method, dbus.FlagNoReplyExpected, nil, args...)
	if call.Err != nil {
		return translateCallError(call.Err)
	}
	return nil
}

// EmitSignal publishes a signal on the session's connection.
// Best-effort: an error means the message never left this process.
func (s *Session) EmitSignal(path dbus.ObjectPath, iface, member string,
	values ...interface{}) error {
	if s.isClosed() {
		return ErrDisconnected
	}
	if err := s.conn.Emit(path, iface+"."+member, values...); err != nil {
		logger.Warning("emit failed:", err)
		return translateCallError(err)
	}
	return nil
}

func (s *Session) trackInflight(path dbus.ObjectPath, p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.inflight[path]
	if m == nil {
		m = make(map[*pending]struct{})
		s.inflight[path] = m
	}
	m[p] = struct{}{}
}

func (s *Session) untrackInflight(path dbus.ObjectPath, p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.inflight[path]
	delete(m, p)
	if len(m) == 0 {
		delete(s.inflight, path)
	}
}

// failInflight fails every in-flight call targeting path, so removal
// of the object surfaces as a typed error instead of a hang.
func (s *Session) failInflight(path dbus.ObjectPath, err error) {
	s.mu.Lock()
	pendings := make([]*pending, 0, len(s.inflight[path]))
	for p := range s.inflight[path] {
		pendings = append(pendings, p)
	}
	s.mu.Unlock()

	for _, p := range pendings {
		if p.cancel(err) {
			logger.Debugf("failed in-flight call for %s: %v", path, err)
		}
	}
}

// subscribe registers bus match rules and a bounded delivery queue.
// The filter maps raw signals to zero or more events.
func (s *Session) subscribe(rules [][]dbus.MatchOption,
	filter func(*dbus.Signal) []Event) (*subscription, error) {
	if s.isClosed() {
		return nil, ErrDisconnected
	}
	s.startDriver()
	for i, opts := range rules {
		if err := s.conn.AddMatchSignal(opts...); err != nil {
			for _, added := range rules[:i] {
				if rerr := s.conn.RemoveMatchSignal(added...); rerr != nil {
					logger.Warning("remove match rule:", rerr)
				}
			}
			return nil, xerrors.Errorf("add match rule: %w", translateCallError(err))
		}
	}

	sub := &subscription{
		s:      s,
		rules:  rules,
		filter: filter,
		cap:    s.queueSize,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.markClosed()
		return nil, ErrDisconnected
	}
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *Session) unsubscribe(sub *subscription) {
	s.mu.Lock()
	_, registered := s.subs[sub.id]
	delete(s.subs, sub.id)
	closed := s.closed
	s.mu.Unlock()

	if registered && !closed {
		for _, opts := range sub.rules {
			if err := s.conn.RemoveMatchSignal(opts...); err != nil {
				logger.Warning("remove match rule:", err)
			}
		}
	}
	sub.markClosed()
}

// ensureSeeded performs the two-phase cache population: match rules
// first (incoming deltas buffer in the cache), then the bulk
// enumeration, then replay. Runs at most once per session.
func (s *Session) ensureSeeded() error {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if s.seeded {
		return s.seedErr
	}
	s.seeded = true
	s.seedErr = s.seedCache()
	return s.seedErr
}

func (s *Session) seedCache() error {
	s.startDriver()

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember(interfacesAddedMember),
		},
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember(interfacesRemovedMember),
		},
		{
			dbus.WithMatchSender(bluezDBusServiceName),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember(propertiesChangedMember),
			dbus.WithMatchPathNamespace("/org/bluez"),
		},
	}
	for _, opts := range matches {
		if err := s.conn.AddMatchSignal(opts...); err != nil {
			return xerrors.Errorf("add match rule: %w", translateCallError(err))
		}
	}

	body, err := s.Call(bluezDBusServiceName, "/", objectManagerInterface,
		"GetManagedObjects", 0)
	if err != nil {
		return xerrors.Errorf("enumerate managed objects: %w", err)
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := dbus.Store(body, &objects); err != nil {
		return xerrors.Errorf("decode managed objects: %w", err)
	}
	for _, gone := range s.cache.seed(objects) {
		s.failInflight(gone, ErrObjectGone)
	}
	return nil
}
