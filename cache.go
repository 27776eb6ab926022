// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// objectRecord is the last-known state of one remote object: which
// interfaces it implements and a per-interface property snapshot.
// Records are owned by the cache and only ever mutated under its
// lock.
type objectRecord struct {
	path  dbus.ObjectPath
	props map[string]map[string]dbus.Variant
}

func (r *objectRecord) hasKind(kind ObjectKind) bool {
	_, ok := r.props[kind.iface()]
	return ok
}

func (r *objectRecord) domainKinds() int {
	n := 0
	for iface := range r.props {
		if kindOfInterface(iface) != KindUnknown {
			n++
		}
	}
	return n
}

// objectCache mirrors the daemon's object tree. It is populated in
// two phases: signals arriving before the bulk enumeration are
// buffered and replayed after seeding, so no delta is lost or applied
// out of order. All mutation funnels through handleSignal/seed; no
// method call is ever issued while the lock is held.
type objectCache struct {
	mu      sync.RWMutex
	seeded  bool
	backlog []*dbus.Signal
	objects map[dbus.ObjectPath]*objectRecord
}

func newObjectCache() *objectCache {
	return &objectCache{
		objects: make(map[dbus.ObjectPath]*objectRecord),
	}
}

// handleSignal applies one object-tree delta and returns the paths of
// objects that ceased to exist, so the session can fail their
// in-flight calls.
func (c *objectCache) handleSignal(sig *dbus.Signal) (gone []dbus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seeded {
		c.backlog = append(c.backlog, sig)
		return nil
	}
	return c.applyLocked(sig)
}

// seed installs the bulk enumeration result and replays the buffered
// backlog on top of it, in arrival order. It returns the paths of
// objects the replay removed, so their in-flight calls can be failed
// like any post-seed removal.
func (c *objectCache) seed(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) (gone []dbus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, ifaces := range objects {
		c.addLocked(path, ifaces)
	}
	backlog := c.backlog
	c.backlog = nil
	c.seeded = true
	for _, sig := range backlog {
		gone = append(gone, c.applyLocked(sig)...)
	}
	return gone
}

func (c *objectCache) applyLocked(sig *dbus.Signal) (gone []dbus.ObjectPath) {
	switch sig.Name {
	case objectManagerInterface + "." + interfacesAddedMember:
		if path, ifaces, ok := decodeInterfacesAdded(sig); ok {
			c.addLocked(path, ifaces)
		}

	case objectManagerInterface + "." + interfacesRemovedMember:
		if path, ifaces, ok := decodeInterfacesRemoved(sig); ok {
			if c.removeLocked(path, ifaces) {
				gone = append(gone, path)
			}
		}

	case propertiesInterface + "." + propertiesChangedMember:
		if iface, changed, invalidated, ok := decodePropertiesChanged(sig); ok {
			c.changeLocked(sig.Path, iface, changed, invalidated)
		}
	}
	return gone
}

func (c *objectCache) addLocked(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	rec := c.objects[path]
	if rec == nil {
		rec = &objectRecord{
			path:  path,
			props: make(map[string]map[string]dbus.Variant),
		}
		c.objects[path] = rec
	}
	for iface, props := range ifaces {
		if _, dup := rec.props[iface]; dup {
			// A duplicate add is a protocol anomaly, not fatal.
			logger.Warningf("duplicate add for %s %s, overwriting", path, iface)
		}
		snapshot := make(map[string]dbus.Variant, len(props))
		for name, value := range props {
			snapshot[name] = value
		}
		rec.props[iface] = snapshot
	}
}

// removeLocked drops the listed interfaces and reports whether the
// object lost its last domain interface.
func (c *objectCache) removeLocked(path dbus.ObjectPath, ifaces []string) bool {
	rec := c.objects[path]
	if rec == nil {
		logger.Warning("remove for unknown object", path)
		return false
	}
	hadDomain := rec.domainKinds() > 0
	for _, iface := range ifaces {
		delete(rec.props, iface)
	}
	if len(rec.props) == 0 || (hadDomain && rec.domainKinds() == 0) {
		delete(c.objects, path)
		return hadDomain
	}
	return false
}

func (c *objectCache) changeLocked(path dbus.ObjectPath, iface string,
	changed map[string]dbus.Variant, invalidated []string) {
	rec := c.objects[path]
	if rec == nil {
		logger.Debug("property change for unknown object", path)
		return
	}
	props := rec.props[iface]
	if props == nil {
		props = make(map[string]dbus.Variant)
		rec.props[iface] = props
	}
	// The delta applies atomically: readers see either none or all of
	// it, never a partially updated snapshot.
	for name, value := range changed {
		props[name] = value
	}
	for _, name := range invalidated {
		delete(props, name)
	}
}

// lookup returns a copy of the property snapshot for path under the
// interface implementing kind.
func (c *objectCache) lookup(path dbus.ObjectPath, kind ObjectKind) (map[string]dbus.Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec := c.objects[path]
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.hasKind(kind) {
		return nil, ErrWrongInterface
	}
	props := rec.props[kind.iface()]
	snapshot := make(map[string]dbus.Variant, len(props))
	for name, value := range props {
		snapshot[name] = value
	}
	return snapshot, nil
}

func (c *objectCache) has(path dbus.ObjectPath, kind ObjectKind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := c.objects[path]
	return rec != nil && rec.hasKind(kind)
}

// prop returns one cached property value. errPropertyMissing means
// the value was invalidated or never announced and must be fetched
// live.
func (c *objectCache) prop(path dbus.ObjectPath, kind ObjectKind, name string) (dbus.Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec := c.objects[path]
	if rec == nil {
		return dbus.Variant{}, ErrNotFound
	}
	if !rec.hasKind(kind) {
		return dbus.Variant{}, ErrWrongInterface
	}
	value, ok := rec.props[kind.iface()][name]
	if !ok {
		return dbus.Variant{}, errPropertyMissing
	}
	return value, nil
}

// storeProp records the result of an on-demand fetch.
func (c *objectCache) storeProp(path dbus.ObjectPath, kind ObjectKind, name string, value dbus.Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.objects[path]
	if rec == nil || !rec.hasKind(kind) {
		return
	}
	rec.props[kind.iface()][name] = value
}

// pathsByKind lists all cached objects of the given kind under the
// optional path prefix, sorted so enumeration order is stable.
func (c *objectCache) pathsByKind(kind ObjectKind, prefix dbus.ObjectPath) []dbus.ObjectPath {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var paths []dbus.ObjectPath
	for path, rec := range c.objects {
		if !rec.hasKind(kind) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(string(path), string(prefix)+"/") {
			continue
		}
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}
