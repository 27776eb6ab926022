// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

var (
	// ErrCallTimeout is returned when a call's deadline elapses before
	// the daemon replies. The remote side may still have performed the
	// operation; retrying non-idempotent calls is the caller's call.
	ErrCallTimeout = errors.New("blez: call timed out")

	// ErrDisconnected is returned when the bus connection is lost. All
	// pending calls and subscriptions of the session fail with it.
	ErrDisconnected = errors.New("blez: bus connection lost")

	// ErrObjectGone is returned for a call whose target object was
	// removed from the daemon's object tree, either while the call
	// was in flight or before it was issued.
	ErrObjectGone = errors.New("blez: remote object removed")

	// ErrHandleStale is returned when a handle's path no longer
	// resolves in the object cache. It matches ErrObjectGone under
	// errors.Is, since both mean the backing object vanished.
	ErrHandleStale = fmt.Errorf("%w: handle no longer resolves", ErrObjectGone)

	// ErrNotFound is returned by cache lookups for unknown paths.
	ErrNotFound = errors.New("blez: object not found")

	// ErrWrongInterface is returned when a path exists but does not
	// implement the expected BlueZ interface.
	ErrWrongInterface = errors.New("blez: object has wrong interface")

	// ErrStreamTimeout is returned by EventStream.Next when no event
	// arrives within the deadline.
	ErrStreamTimeout = errors.New("blez: event stream timed out")

	// ErrStreamClosed is returned by EventStream.Next after the stream
	// was closed, either explicitly or by connection loss.
	ErrStreamClosed = errors.New("blez: event stream closed")

	errPropertyMissing = errors.New("blez: property not present")
)

// TransportError reports a failure to establish or authenticate the
// bus connection. It is fatal to the session and never retried.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("blez: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is a domain error returned by the daemon, surfaced
// verbatim with its D-Bus error name and message.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("blez: remote error %s", e.Name)
	}
	return fmt.Sprintf("blez: remote error %s: %s", e.Name, e.Message)
}

// Well-known org.bluez error name suffixes, for consumers that want to
// branch on specific daemon rejections.
const (
	remoteErrNotReady     = "org.bluez.Error.NotReady"
	remoteErrInProgress   = "org.bluez.Error.InProgress"
	remoteErrNotSupported = "org.bluez.Error.NotSupported"
	remoteErrNotConnected = "org.bluez.Error.NotConnected"
)

// IsRemoteError reports whether err is a daemon rejection with the
// given D-Bus error name.
func IsRemoteError(err error, name string) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Name == name
	}
	return false
}

// translateCallError maps a godbus call failure into the package
// taxonomy.
func translateCallError(err error) error {
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		var msg string
		if len(dbusErr.Body) > 0 {
			if s, ok := dbusErr.Body[0].(string); ok {
				msg = s
			}
		}
		return &RemoteError{Name: dbusErr.Name, Message: msg}
	}
	if errors.Is(err, dbus.ErrClosed) {
		return ErrDisconnected
	}
	return err
}
