// Package hartebeest is the top-level orchestrator composing the Device
// Manager and the PD/MR/CQ/QP registries: it opens the device, creates local
// resources, connects a local QP to a remote identity tuple and exports this
// node's view (spec.md §1-§2), mirroring part of the original
// implementation's top-level facade
// (_examples/original_source/src/hartebeest.cc's HartebeestCore). Core does
// not run either Metadata Exchanger and has no post-send/poll wrapper; the
// caller drives the exchangers directly and issues data-plane operations
// through qp.QP.PostSend and cq.CQ.PollOne.
package hartebeest

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/cq"
	"github.com/sjoon-oh/hartebeest-go/internal/device"
	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/mr"
	"github.com/sjoon-oh/hartebeest-go/internal/netview"
	"github.com/sjoon-oh/hartebeest-go/internal/pd"
	"github.com/sjoon-oh/hartebeest-go/internal/qp"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// Core owns every process-local registry and the attribute table consulted
// by the QP state machine (spec.md §2's data-flow summary).
type Core struct {
	Attrs config.Attributes

	devices *device.Manager
	device  *device.Handle

	PDs *pd.Registry
	CQs *cq.Registry
}

// NewCore constructs an empty Core seeded with attrs.
func NewCore(attrs config.Attributes) *Core {
	return &Core{
		Attrs:   attrs,
		devices: device.NewManager(),
		PDs:     pd.NewRegistry(),
		CQs:     cq.NewRegistry(),
	}
}

// OpenDevice opens the deviceIndex-th HCA and binds the portOrdinal-th
// active InfiniBand port on it (spec.md §4.1).
func (c *Core) OpenDevice(deviceIndex, portOrdinal int) *retcode.Retcode {
	handle, r := c.devices.Open(deviceIndex)
	if r != nil {
		return r
	}
	if r := handle.BindPort(portOrdinal); r != nil {
		return r
	}
	c.device = handle
	return nil
}

// Device returns the bound device handle, or nil if OpenDevice has not
// succeeded yet.
func (c *Core) Device() *device.Handle { return c.device }

// CreateLocalPD creates a protection domain against the bound device.
func (c *Core) CreateLocalPD(name string) (*pd.PD, *retcode.Retcode) {
	if c.device == nil {
		return nil, retcode.New(retcode.DeviceUnavailable).AppendStrf("no device opened")
	}
	return c.PDs.Create(c.device, name)
}

// CreateLocalMR allocates and registers a buffer of length bytes under the
// named PD, using the library-wide default access rights (spec.md §4.2).
func (c *Core) CreateLocalMR(pdName, mrName string, length uint64) (*mr.MR, *retcode.Retcode) {
	p, ok := c.PDs.Get(pdName)
	if !ok {
		return nil, retcode.New(retcode.PdMissing).AppendStrf(pdName)
	}
	return p.CreateMR(mrName, length, ibverbs.DefaultMRAccess)
}

// CreateLocalCQ creates a completion queue of the configured depth bound to
// the device context.
func (c *Core) CreateLocalCQ(name string) (*cq.CQ, *retcode.Retcode) {
	if c.device == nil {
		return nil, retcode.New(retcode.DeviceUnavailable).AppendStrf("no device opened")
	}
	return c.CQs.Create(c.device, name, c.Attrs.CQDepth)
}

// CreateLocalQP creates a queue pair of the given transport under the named
// PD, bound to the named send/recv CQs, and immediately transitions it
// RESET->INIT (spec.md §2 data flow: "sets them to INIT").
func (c *Core) CreateLocalQP(pdName, qpName string, transport config.Transport, sendCQName, recvCQName string) (*qp.QP, *retcode.Retcode) {
	p, ok := c.PDs.Get(pdName)
	if !ok {
		return nil, retcode.New(retcode.PdMissing).AppendStrf(pdName)
	}
	sendCQ, ok := c.CQs.Get(sendCQName)
	if !ok {
		return nil, retcode.New(retcode.NameMissing).AppendStrf("send cq %q", sendCQName)
	}
	recvCQ, ok := c.CQs.Get(recvCQName)
	if !ok {
		return nil, retcode.New(retcode.NameMissing).AppendStrf("recv cq %q", recvCQName)
	}

	q, r := p.CreateQP(qpName, transport, cqVerbs(sendCQ), cqVerbs(recvCQ), c.Attrs)
	if r != nil {
		return nil, r
	}
	if r := q.TransitToInit(); r != nil {
		return nil, r
	}
	return q, nil
}

// ConnectLocalQP drives local through RTR then RTS against remote's
// identity tuple, using the attribute table for local's transport. Partial
// connect (RTR succeeds, RTS fails) leaves local in RTR per spec.md §4.5/§7;
// the error returned is TransitionRtsFailed and the caller decides whether
// to destroy or retry.
func (c *Core) ConnectLocalQP(ctx context.Context, local, remote *qp.QP) *retcode.Retcode {
	logger := klog.FromContext(ctx)
	r := local.Connect(remote, c.Attrs.For(local.Transport()))
	if r != nil {
		logger.Error(r, "qp connect did not reach RTS", "local", local.Name(), "remote", remote.Name(), "state", local.State())
		return r
	}
	return nil
}

// ExportView renders this node's local registries as a this-node-conf
// document for the Metadata Exchanger (spec.md §4.6 step 1, §6).
func (c *Core) ExportView(nid int) netview.ThisNodeConf {
	view := netview.ThisNodeConf{NID: nid}

	c.PDs.RangeNames(func(pdName string) {
		p, _ := c.PDs.Get(pdName)
		view.PDs = append(view.PDs, exportPD(p))
	})
	return view
}

func exportPD(p *pd.PD) netview.PDRecord {
	rec := netview.PDRecord{ID: p.Name()}
	p.RangeMRNames(func(name string) {
		m, _ := p.GetMR(name)
		rec.MRs = append(rec.MRs, netview.MRRecord{ID: m.Name(), Addr: m.Addr(), Size: m.Length(), RKey: m.RKey()})
	})
	p.RangeQPNames(func(name string) {
		q, _ := p.GetQP(name)
		rec.QPs = append(rec.QPs, netview.QPRecord{ID: q.Name(), QPNum: q.QPNum(), PortID: q.PortID(), LID: q.LID()})
	})
	return rec
}

func cqVerbs(c *cq.CQ) *ibverbs.CompletionQueue {
	return c.Verbs()
}
