// Package pd implements the Protection Domain Registry (spec.md §4.3): a PD
// owns its own MR and QP sub-caches, and tears them down in
// reverse-registration order before deallocating itself.
package pd

import (
	"github.com/sjoon-oh/hartebeest-go/internal/cache"
	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/device"
	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/mr"
	"github.com/sjoon-oh/hartebeest-go/internal/qp"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// PD is a single protection domain, owning its own MR and QP sub-caches
// (spec.md §3, §4.3). It never holds a live reference back to a QP it
// created beyond the QP's own lifetime — the cyclic-owner-reference fix
// documented in spec.md §9 lives on the qp.QP side (portID/lid captured by
// value), not here.
type PD struct {
	name   string
	device *device.Handle
	verbs  *ibverbs.ProtectionDomain

	mrs *cache.ResourceCache[*mr.MR]
	qps *cache.ResourceCache[*qp.QP]
}

// Name returns the PD's registry name.
func (p *PD) Name() string { return p.name }

// Registry holds PDs, process-globally named (spec.md §4.3).
type Registry struct {
	pds *cache.ResourceCache[*PD]
}

// NewRegistry returns an empty PD Registry.
func NewRegistry() *Registry {
	return &Registry{pds: cache.New[*PD]()}
}

// Create allocates a protection domain on handle's device context and
// registers it under name. Fails NameExists if name is already registered.
func (r *Registry) Create(handle *device.Handle, name string) (*PD, *retcode.Retcode) {
	if r.pds.IsRegistered(name) {
		return nil, retcode.New(retcode.NameExists)
	}

	verbsPD, err := handle.Context().AllocPD()
	if err != nil {
		return nil, retcode.Wrap(retcode.ProviderRefused, err)
	}

	p := &PD{
		name:   name,
		device: handle,
		verbs:  verbsPD,
		mrs:    cache.New[*mr.MR](),
		qps:    cache.New[*qp.QP](),
	}
	r.pds.Register(name, p)
	return p, nil
}

// Get returns the PD registered under name, if any.
func (r *Registry) Get(name string) (*PD, bool) {
	return r.pds.Get(name)
}

// RangeNames calls fn for every registered PD name in insertion order.
func (r *Registry) RangeNames(fn func(name string)) {
	r.pds.Range(func(name string, _ *PD) bool {
		fn(name)
		return true
	})
}

// CreateMR allocates and registers a memory region under this PD, keyed by
// name within the PD's own MR cache — two different PDs may register an MR
// under the same name, since each PD owns an independent cache (spec.md §3,
// end-to-end scenario #4 in spec.md §8 covers the intra-PD collision case).
func (p *PD) CreateMR(name string, length uint64, access int) (*mr.MR, *retcode.Retcode) {
	if p.mrs.IsRegistered(name) {
		return nil, retcode.New(retcode.NameExists)
	}

	m, r := mr.NewLocal(p.verbs, name, length, access)
	if r != nil {
		return nil, r
	}
	p.mrs.Register(name, m)
	return m, nil
}

// GetMR returns the MR registered under name within this PD, if any.
func (p *PD) GetMR(name string) (*mr.MR, bool) {
	return p.mrs.Get(name)
}

// RangeMRNames calls fn for every MR name registered under this PD, in
// insertion order.
func (p *PD) RangeMRNames(fn func(name string)) {
	p.mrs.Range(func(name string, _ *mr.MR) bool {
		fn(name)
		return true
	})
}

// DestroyMR destroys and deregisters the named MR.
func (p *PD) DestroyMR(name string) *retcode.Retcode {
	m, ok := p.mrs.Get(name)
	if !ok {
		return retcode.New(retcode.NameMissing)
	}
	if err := m.Destroy(); err != nil {
		return retcode.Wrap(retcode.ProviderRefused, err)
	}
	p.mrs.Deregister(name)
	return nil
}

// CreateQP creates a queue pair of the given transport under this PD, bound
// to sendCQ/recvCQ, using the tuned attributes for the transport. The QP
// captures the owning device's bound port/LID by value at creation time
// (spec.md §9), not a reference to this PD.
func (p *PD) CreateQP(name string, transport config.Transport, sendCQ, recvCQ *ibverbs.CompletionQueue, attrs config.Attributes) (*qp.QP, *retcode.Retcode) {
	if p.qps.IsRegistered(name) {
		return nil, retcode.New(retcode.NameExists)
	}
	if !p.device.Bound() {
		return nil, retcode.New(retcode.PortInactive).AppendStrf("device has no bound port")
	}

	q, r := qp.NewLocal(name, transport, p.verbs, sendCQ, recvCQ, p.device.PortID, p.device.LID, attrs.For(transport))
	if r != nil {
		return nil, r
	}
	p.qps.Register(name, q)
	return q, nil
}

// GetQP returns the QP registered under name within this PD, if any.
func (p *PD) GetQP(name string) (*qp.QP, bool) {
	return p.qps.Get(name)
}

// RangeQPNames calls fn for every QP name registered under this PD, in
// insertion order.
func (p *PD) RangeQPNames(fn func(name string)) {
	p.qps.Range(func(name string, _ *qp.QP) bool {
		fn(name)
		return true
	})
}

// DestroyQP destroys and deregisters the named QP.
func (p *PD) DestroyQP(name string) *retcode.Retcode {
	q, ok := p.qps.Get(name)
	if !ok {
		return retcode.New(retcode.NameMissing)
	}
	if err := q.Destroy(); err != nil {
		return retcode.Wrap(retcode.ProviderRefused, err)
	}
	p.qps.Deregister(name)
	return nil
}

// Destroy tears down every MR and QP owned by this PD in reverse
// registration order, MRs before QPs, then deallocates the PD itself
// (spec.md §3: "their destruction precedes the PD's", grounded on hb_pds.cc's
// ~Pd(), which walks mr_cache before qp_cache). The first failure aborts the
// remaining teardown and is returned.
func (p *PD) Destroy() *retcode.Retcode {
	var first *retcode.Retcode

	p.mrs.ReverseRange(func(name string, m *mr.MR) {
		if first != nil {
			return
		}
		if err := m.Destroy(); err != nil {
			first = retcode.Wrap(retcode.ProviderRefused, err)
		}
	})
	if first != nil {
		return first
	}

	p.qps.ReverseRange(func(name string, q *qp.QP) {
		if first != nil {
			return
		}
		if err := q.Destroy(); err != nil {
			first = retcode.Wrap(retcode.ProviderRefused, err)
		}
	})
	if first != nil {
		return first
	}

	if err := p.verbs.Dealloc(); err != nil {
		return retcode.Wrap(retcode.ProviderRefused, err)
	}
	return nil
}

// Destroy tears down and deregisters the named PD.
func (r *Registry) Destroy(name string) *retcode.Retcode {
	p, ok := r.pds.Get(name)
	if !ok {
		return retcode.New(retcode.PdMissing)
	}
	if err := p.Destroy(); err != nil {
		return err
	}
	r.pds.Deregister(name)
	return nil
}
