// Package cq implements the Completion Queue Registry (spec.md §4.4):
// process-globally-named CQs bound to a device context, with a blocking
// poll-one primitive.
package cq

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/sjoon-oh/hartebeest-go/internal/cache"
	"github.com/sjoon-oh/hartebeest-go/internal/device"
	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/metrics"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// CQ is a single completion queue.
type CQ struct {
	name  string
	verbs *ibverbs.CompletionQueue
}

// Name returns the CQ's registry name.
func (c *CQ) Name() string { return c.name }

// Verbs returns the underlying live verbs descriptor, for use by the QP
// state machine when creating a QP that names this CQ as its send or
// receive queue.
func (c *CQ) Verbs() *ibverbs.CompletionQueue { return c.verbs }

// Registry holds CQs, process-globally named (not PD-scoped), per spec.md
// §4.4.
type Registry struct {
	cqs *cache.ResourceCache[*CQ]
}

// NewRegistry returns an empty CQ Registry.
func NewRegistry() *Registry {
	return &Registry{cqs: cache.New[*CQ]()}
}

// Create creates a CQ of the given depth bound to the device context and
// registers it under name. Fails NameExists if name is already registered.
func (r *Registry) Create(handle *device.Handle, name string, depth int) (*CQ, *retcode.Retcode) {
	if r.cqs.IsRegistered(name) {
		return nil, retcode.New(retcode.NameExists)
	}

	verbsCQ, err := handle.Context().CreateCQ(depth)
	if err != nil {
		return nil, retcode.Wrap(retcode.ProviderRefused, err)
	}

	c := &CQ{name: name, verbs: verbsCQ}
	r.cqs.Register(name, c)
	return c, nil
}

// Get returns the CQ registered under name, if any.
func (r *Registry) Get(name string) (*CQ, bool) {
	return r.cqs.Get(name)
}

// PollOne busy-spins on the CQ until one work completion is dequeued,
// returning success only if its status is IBV_WC_SUCCESS (spec.md §4.4,
// §5). The busy-spin itself is built on top of the non-blocking
// ibverbs.PollOne probe, per the REDESIGN NOTE in spec.md §9 separating the
// raw "not-ready" probe from the policy that decides how to wait on it.
func (c *CQ) PollOne(ctx context.Context) *retcode.Retcode {
	logger := klog.FromContext(ctx)
	attempts := 0
	for {
		wc, ok, err := c.verbs.PollOne()
		if err != nil {
			return retcode.Wrap(retcode.ProviderRefused, err)
		}
		if ok {
			if wc.Status != ibverbs.WCStatusSuccess {
				metrics.CompletionPolls.WithLabelValues("failure").Inc()
				return retcode.New(retcode.CompletionFailure).AppendStrf("cq %q: status=%d opcode=%d", c.name, wc.Status, wc.OpCode)
			}
			metrics.CompletionPolls.WithLabelValues("success").Inc()
			return nil
		}

		attempts++
		if attempts%100000 == 0 {
			logger.V(2).Info("poll-one still spinning", "cq", c.name, "attempts", attempts)
		}
		select {
		case <-ctx.Done():
			return retcode.Wrap(retcode.Timeout, ctx.Err())
		default:
			time.Sleep(0)
		}
	}
}

// Destroy releases the CQ's verbs descriptor and deregisters it.
func (r *Registry) Destroy(name string) *retcode.Retcode {
	c, ok := r.cqs.Get(name)
	if !ok {
		return retcode.New(retcode.NameMissing)
	}
	if err := c.verbs.Destroy(); err != nil {
		return retcode.Wrap(retcode.ProviderRefused, err)
	}
	r.cqs.Deregister(name)
	return nil
}
