// Package device implements the process-visible device namespace (spec.md
// §3 "Device", §6 "Device namespace"). It is grounded on
// original_source/kernel/device.rs's Device/DeviceOps trait object and
// append-only DeviceSpace, kept here as a Go interface plus a name-keyed
// registry.
package device

import (
	"sync"

	"github.com/manticoreos/manticore/internal/errno"
	"github.com/manticoreos/manticore/internal/vm"
)

// ConfigOption selects which configuration bytes GetConfig returns
// (spec.md §6).
type ConfigOption int

const (
	ConfigEthernetMACAddress ConfigOption = iota
	ConfigIOQueue
)

// Listener is notified when a device has event data ready. Concretely this
// is a process's event queue, but device never depends on package process —
// it only needs something it can push raw event bytes into.
type Listener interface {
	PushEvent(raw []byte) bool
}

// Ops is the polymorphic capability set every named device exposes
// (spec.md §3 "Device", §4.6). Acquire takes the caller's own address
// space because spec.md's acquire(vmspace, listener) -> result maps the
// device's shared buffers into that specific process, not into whichever
// process happened to acquire the device first.
type Ops interface {
	Acquire(listener Listener, vmspace *vm.AddressSpace) errno.Errno
	Subscribe(flowSelector uint32) errno.Errno
	GetConfig(option ConfigOption) ([]byte, errno.Errno)
	ProcessIO()
}

// Device is one named, acquirable capability in the namespace.
type Device struct {
	Name string
	Ops  Ops
}

// Namespace is the process-wide, append-only table of named devices
// (spec.md §5: "Device registry and namespace: append-only after boot;
// readers see a stable list").
type Namespace struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func NewNamespace() *Namespace {
	return &Namespace{devices: make(map[string]*Device)}
}

// Register adds a device under name. Intended for boot-time use only.
func (n *Namespace) Register(name string, ops Ops) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices[name] = &Device{Name: name, Ops: ops}
}

// Lookup returns the device registered under name, if any.
func (n *Namespace) Lookup(name string) (*Device, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.devices[name]
	return d, ok
}

// DescriptorTable maps small integer descriptors (as returned by the
// acquire syscall) to the device each was acquired against, one per
// process (spec.md §3 "Process": "device_descriptor_table is a vector
// mapping small integer descriptors to acquired devices").
type DescriptorTable struct {
	entries []*Device
}

// Insert appends a device and returns its new descriptor.
func (t *DescriptorTable) Insert(d *Device) int {
	t.entries = append(t.entries, d)
	return len(t.entries) - 1
}

// Lookup resolves a descriptor to its device, failing with EINVAL on an
// out-of-range or unknown descriptor.
func (t *DescriptorTable) Lookup(desc int) (*Device, errno.Errno) {
	if desc < 0 || desc >= len(t.entries) || t.entries[desc] == nil {
		return nil, errno.EINVAL
	}
	return t.entries[desc], 0
}

// All returns every device this table has acquired, for the wait
// syscall's IO-queue drain step (spec.md §2 control flow).
func (t *DescriptorTable) All() []*Device {
	return t.entries
}
