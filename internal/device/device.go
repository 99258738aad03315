// Package device implements the Device Manager (spec.md §4.1): HCA
// enumeration, opening a device by index, and binding an active InfiniBand
// port.
package device

import (
	"fmt"
	"sync"

	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// Handle is the process-global device handle: the opened HCA context plus
// the selected port's id and LID. It outlives every PD/CQ/QP created
// against it (spec.md §3 Device handle invariant).
type Handle struct {
	ctx    *ibverbs.DeviceContext
	PortID uint8
	LID    uint16
	bound  bool
}

// Manager enumerates and opens HCAs. Concurrent creation is serialised by a
// mutex, matching spec.md §4.1's "process-global, one-per-process" usage
// model. Unlike a sync.Once barrier, the "already opened" latch is set only
// on a successful Open, so a failed attempt (e.g. an out-of-range index)
// never permanently locks out a subsequent, corrected call.
type Manager struct {
	mu     sync.Mutex
	opened bool
	handle *Handle
}

// NewManager returns an empty Device Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Enumerate returns the number of HCAs present, failing with
// DeviceUnavailable if none are found.
func (m *Manager) Enumerate() (int, *retcode.Retcode) {
	devices, err := ibverbs.ListDevices()
	if err != nil {
		return 0, retcode.Wrap(retcode.DeviceUnavailable, err)
	}
	if len(devices) == 0 {
		return 0, retcode.New(retcode.DeviceUnavailable).AppendStrf("no device found")
	}
	return len(devices), nil
}

// Open opens the device at the given index, failing with DeviceUnavailable
// if the index is out of range or the provider refuses. A prior successful
// Open on the same Manager makes subsequent calls fail with DeviceUnavailable
// ("already initialised"); a prior failed Open does not, and a later call
// with a corrected index proceeds normally.
func (m *Manager) Open(index int) (*Handle, *retcode.Retcode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		return nil, retcode.New(retcode.DeviceUnavailable).AppendStrf("device already initialised by a prior Open call")
	}

	ctx, err := ibverbs.OpenDeviceContext(index)
	if err != nil {
		return nil, retcode.Wrap(retcode.DeviceUnavailable, err)
	}

	handle := &Handle{ctx: ctx}
	m.opened = true
	m.handle = handle
	return handle, nil
}

// isActive reports whether a port's state qualifies for binding: ACTIVE or
// ACTIVE_DEFER, and the link layer is InfiniBand (spec.md §4.1, §8).
func isActive(p ibverbs.PortInfo) bool {
	if p.State != ibverbs.PortStateActive && p.State != ibverbs.PortStateActiveDefer {
		return false
	}
	return p.LinkLayer == "InfiniBand"
}

// SelectActivePort picks the ordinal-th (1-based) active InfiniBand port
// out of ports, in port-number order. This replaces the original
// implementation's `doPortBind`, whose `skipped_active_ports` counter was
// declared fresh inside the per-port loop and therefore always compared as
// 0 — only the first active port was ever reachable regardless of the
// requested ordinal (REDESIGN FLAG (a) in spec.md §9). Here the counter is
// carried across the whole loop, giving true "bind the ordinal-th active
// port" semantics.
//
// It also fixes a second, unflagged defect in the original's
// Hca::bind_port: a port whose state disqualifies it must report
// PortInactive, not fall through silently (spec.md §8 Boundary Behaviour:
// "Binding a port whose phys_state is neither ACTIVE nor ACTIVE_DEFER ->
// PortInactive").
func SelectActivePort(ports []ibverbs.PortInfo, ordinal int) (ibverbs.PortInfo, *retcode.Retcode) {
	if ordinal < 1 {
		return ibverbs.PortInfo{}, retcode.New(retcode.PortInactive).AppendStrf("ordinal must be >= 1, got %d", ordinal)
	}

	seenActive := 0
	for _, p := range ports {
		if !isActive(p) {
			continue
		}
		seenActive++
		if seenActive == ordinal {
			return p, nil
		}
	}

	if seenActive == 0 {
		return ibverbs.PortInfo{}, retcode.New(retcode.PortInactive).AppendStrf("no active InfiniBand port found")
	}
	return ibverbs.PortInfo{}, retcode.New(retcode.PortInactive).AppendStrf("requested ordinal %d exceeds %d active ports", ordinal, seenActive)
}

// BindPort queries every port 1..NumPorts on the handle's device and binds
// the ordinal-th active InfiniBand port found (ordinal defaults to 1 at
// the call site per spec.md §4.1's "port-number = 1" default). On success
// the handle's PortID/LID fields are populated and Bound() reports true.
func (h *Handle) BindPort(ordinal int) *retcode.Retcode {
	n := h.ctx.NumPorts()
	ports := make([]ibverbs.PortInfo, 0, n)
	for portNum := 1; portNum <= n; portNum++ {
		pi, err := h.ctx.QueryPort(portNum)
		if err != nil {
			continue
		}
		ports = append(ports, *pi)
	}

	selected, r := SelectActivePort(ports, ordinal)
	if r != nil {
		return r
	}

	h.PortID = uint8(selected.PortNum)
	h.LID = selected.LID
	h.bound = true
	return nil
}

// Bound reports whether a port has been successfully bound.
func (h *Handle) Bound() bool { return h.bound }

// Context returns the underlying cgo device context, for use by the
// PD/CQ registries that must create resources against it.
func (h *Handle) Context() *ibverbs.DeviceContext { return h.ctx }

// Close closes the device context. Callers must ensure every PD/CQ/QP
// created against it has already been destroyed.
func (h *Handle) Close() error {
	if h.ctx == nil {
		return nil
	}
	return h.ctx.Close()
}

// String renders the handle for diagnostics.
func (h *Handle) String() string {
	if !h.bound {
		return "device(unbound)"
	}
	return fmt.Sprintf("device(port=%d lid=0x%04x)", h.PortID, h.LID)
}
