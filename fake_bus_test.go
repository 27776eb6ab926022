// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

// fakeHandler serves method calls issued against the fake bus. A
// handled=false return leaves the call pending for manual completion
// via issuedCall.finish.
type fakeHandler func(path dbus.ObjectPath, method string, args []interface{}) (body []interface{}, err error, handled bool)

type issuedCall struct {
	Dest   string
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
	Flags  dbus.Flags

	ch   chan *dbus.Call
	call *dbus.Call
}

// finish delivers a reply for a call left pending by the handler.
func (ic *issuedCall) finish(body []interface{}, err error) {
	ic.call.Body = body
	ic.call.Err = err
	ic.ch <- ic.call
}

// fakeConn implements busConn in-process. Tests inject signals with
// deliver and script replies with the handler.
type fakeConn struct {
	mu      sync.Mutex
	handler fakeHandler
	sigCh   chan<- *dbus.Signal
	added   int
	removed int
	emitted []string
	issued  []*issuedCall
	closed  bool

	// failAddAfter rejects match-rule additions beyond the given
	// count; zero accepts all.
	failAddAfter int
}

func newFakeConn(handler fakeHandler) *fakeConn {
	return &fakeConn{handler: handler}
}

func (c *fakeConn) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{conn: c, dest: dest, path: path}
}

func (c *fakeConn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigCh = ch
}

func (c *fakeConn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigCh == ch {
		c.sigCh = nil
	}
}

func (c *fakeConn) AddMatchSignal(opts ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAddAfter > 0 && c.added >= c.failAddAfter {
		return dbus.Error{
			Name: "org.freedesktop.DBus.Error.AccessDenied",
			Body: []interface{}{"match rule rejected"},
		}
	}
	c.added++
	return nil
}

func (c *fakeConn) RemoveMatchSignal(opts ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed++
	return nil
}

func (c *fakeConn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, name)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return dbus.ErrClosed
	}
	c.closed = true
	if c.sigCh != nil {
		close(c.sigCh)
		c.sigCh = nil
	}
	return nil
}

// deliver injects an inbound signal as if it arrived from the bus.
func (c *fakeConn) deliver(sig *dbus.Signal) {
	c.mu.Lock()
	ch := c.sigCh
	c.mu.Unlock()
	if ch != nil {
		ch <- sig
	}
}

// calls returns a snapshot of all issued calls, including
// fire-and-forget sends.
func (c *fakeConn) calls() []*issuedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*issuedCall, len(c.issued))
	copy(out, c.issued)
	return out
}

func (c *fakeConn) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ic := range c.issued {
		if ic.Method == method {
			n++
		}
	}
	return n
}

type fakeObject struct {
	conn *fakeConn
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	ic := &issuedCall{
		Dest:   o.dest,
		Path:   o.path,
		Method: method,
		Args:   args,
		Flags:  flags,
		ch:     ch,
	}
	o.conn.mu.Lock()
	o.conn.issued = append(o.conn.issued, ic)
	handler := o.conn.handler
	o.conn.mu.Unlock()

	call := &dbus.Call{
		Destination: o.dest,
		Path:        o.path,
		Method:      method,
		Args:        args,
		Done:        ch,
	}
	ic.call = call
	if flags&dbus.FlagNoReplyExpected != 0 {
		return call
	}
	if handler != nil {
		if body, err, handled := handler(o.path, method, args); handled {
			call.Body = body
			call.Err = err
			ch <- call
		}
	}
	return call
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	ch := make(chan *dbus.Call, 1)
	o.Go(method, flags, ch, args...)
	return <-ch
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *fakeObject) GoWithContext(ctx context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	return o.Go(method, flags, ch, args...)
}

func (o *fakeObject) AddMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) RemoveMatchSignal(iface, member string, options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, nil
}

func (o *fakeObject) StoreProperty(p string, value interface{}) error {
	return nil
}

func (o *fakeObject) SetProperty(p string, v interface{}) error {
	return nil
}

func (o *fakeObject) Destination() string {
	return o.dest
}

func (o *fakeObject) Path() dbus.ObjectPath {
	return o.path
}

// Signal constructors for the BlueZ object-manager and properties
// interfaces, shaped exactly like godbus decodes them off the wire.

func sigInterfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Sender: ":1.3",
		Path:   "/",
		Name:   objectManagerInterface + "." + interfacesAddedMember,
		Body:   []interface{}{path, ifaces},
	}
}

func sigInterfacesRemoved(path dbus.ObjectPath, ifaces []string) *dbus.Signal {
	return &dbus.Signal{
		Sender: ":1.3",
		Path:   "/",
		Name:   objectManagerInterface + "." + interfacesRemovedMember,
		Body:   []interface{}{path, ifaces},
	}
}

func sigPropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant, invalidated []string) *dbus.Signal {
	return &dbus.Signal{
		Sender: ":1.3",
		Path:   path,
		Name:   propertiesInterface + "." + propertiesChangedMember,
		Body:   []interface{}{iface, changed, invalidated},
	}
}

// managedObjectsHandler serves GetManagedObjects with a fixed tree
// and rejects everything else, so tests notice unexpected traffic.
func managedObjectsHandler(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) fakeHandler {
	return func(path dbus.ObjectPath, method string, args []interface{}) ([]interface{}, error, bool) {
		if method == objectManagerInterface+".GetManagedObjects" {
			return []interface{}{objects}, nil, true
		}
		return nil, dbus.Error{
			Name: "org.freedesktop.DBus.Error.UnknownMethod",
			Body: []interface{}{"unexpected call " + method},
		}, true
	}
}

func ifaceProps(props map[string]interface{}) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(props))
	for name, value := range props {
		out[name] = dbus.MakeVariant(value)
	}
	return out
}
