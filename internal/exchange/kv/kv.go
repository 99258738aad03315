// Package kv implements the key-value-store Metadata Exchanger (spec.md
// §4.7): an alternative bootstrap over a memcached-compatible rendezvous
// store, with unbounded spin-wait fetches and a bounded generic barrier.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"k8s.io/klog/v2"

	"github.com/sjoon-oh/hartebeest-go/internal/metrics"
	"github.com/sjoon-oh/hartebeest-go/internal/mr"
	"github.com/sjoon-oh/hartebeest-go/internal/qp"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// client is the subset of *memcache.Client this exchanger needs, narrowed
// to an interface so the spin-wait and barrier policies can be unit tested
// against a fake store instead of a live memcached.
type client interface {
	Set(item *memcache.Item) error
	Get(key string) (*memcache.Item, error)
	Delete(key string) error
}

// Default key-prefix namespace (grounded on
// _examples/original_source/src/hb_memc.cc's pdef_memc_key_prefix[]).
const (
	barrierPrefix = "hartebeest-init"
	mrInfoPrefix  = "hartebeest-mrinfo"
	qpInfoPrefix  = "hartebeest-qpinfo"
)

// spinWaitInterval is the sleep between unbounded MR/QP fetch attempts and
// between barrier polls (spec.md §4.7: "500 ms sleep between attempts").
const spinWaitInterval = 500 * time.Millisecond

// barrierMaxAttempts bounds only the generic barrier wait, never the MR/QP
// fetches (spec.md §4.7, §5: "the general barrier is the only path that
// reports Timeout").
const barrierMaxAttempts = 10000

// Exchanger publishes and fetches MR/QP descriptors and generic barrier
// sentinels against a memcached-compatible store.
type Exchanger struct {
	store client
}

// New wraps a live memcached client.
func New(c *memcache.Client) *Exchanger {
	return &Exchanger{store: c}
}

// PushLocalMR publishes the serialised form of the named local MR under key
// (spec.md §4.7).
func (e *Exchanger) PushLocalMR(key string, m *mr.MR) *retcode.Retcode {
	return e.set(mrInfoPrefix+":"+key, []byte(m.Serialize()), retcode.KvSetFailed)
}

// FetchRemoteMR spin-waits on GET(key) with no wall-clock bound, 500 ms
// between attempts, returning the deserialised Remote MR once available
// (spec.md §4.7: "the MR/QP fetches have no wall-clock bound").
func (e *Exchanger) FetchRemoteMR(ctx context.Context, key string) (*mr.MR, *retcode.Retcode) {
	data, r := e.spinGet(ctx, mrInfoPrefix+":"+key)
	if r != nil {
		return nil, r
	}
	return mr.DeserializeRemote(string(data))
}

// PushLocalQP publishes the serialised form of the named local QP under key.
func (e *Exchanger) PushLocalQP(key string, q *qp.QP) *retcode.Retcode {
	return e.set(qpInfoPrefix+":"+key, []byte(q.Serialize()), retcode.KvSetFailed)
}

// FetchRemoteQP spin-waits on GET(key) with no wall-clock bound, returning
// the deserialised Remote QP once available.
func (e *Exchanger) FetchRemoteQP(ctx context.Context, key string) (*qp.QP, *retcode.Retcode) {
	data, r := e.spinGet(ctx, qpInfoPrefix+":"+key)
	if r != nil {
		return nil, r
	}
	return qp.DeserializeRemote(string(data))
}

// PushGeneral sets a sentinel value under key in the barrier namespace
// (spec.md §4.7).
func (e *Exchanger) PushGeneral(key string) *retcode.Retcode {
	return e.set(barrierPrefix+":"+key, []byte("1"), retcode.KvSetFailed)
}

// WaitGeneral polls for the sentinel set by PushGeneral with a bounded
// retry count (default 10 000 attempts at 500 ms each); exceeding the bound
// is reported as Timeout — the only path in this exchanger that can time
// out (spec.md §4.7, §5, end-to-end scenario #3 in spec.md §8).
func (e *Exchanger) WaitGeneral(ctx context.Context, key string) *retcode.Retcode {
	logger := klog.FromContext(ctx)
	fullKey := barrierPrefix + ":" + key

	for attempt := 0; attempt < barrierMaxAttempts; attempt++ {
		metrics.KVSpinWaitAttempts.WithLabelValues("barrier").Inc()
		_, err := e.store.Get(fullKey)
		if err == nil {
			metrics.ExchangeRounds.WithLabelValues("kv", "success").Inc()
			return nil
		}
		if err != memcache.ErrCacheMiss {
			metrics.ExchangeRounds.WithLabelValues("kv", "failed").Inc()
			return retcode.Wrap(retcode.KvGetFailed, err)
		}

		select {
		case <-ctx.Done():
			metrics.ExchangeRounds.WithLabelValues("kv", "failed").Inc()
			return retcode.Wrap(retcode.Timeout, ctx.Err())
		case <-time.After(spinWaitInterval):
		}
	}

	logger.V(1).Info("barrier wait exhausted retry bound", "key", key, "attempts", barrierMaxAttempts)
	metrics.ExchangeRounds.WithLabelValues("kv", "failed").Inc()
	return retcode.New(retcode.Timeout).AppendStrf("barrier %q: exceeded %d attempts", key, barrierMaxAttempts)
}

// DelGeneral deletes the sentinel set by PushGeneral.
func (e *Exchanger) DelGeneral(key string) *retcode.Retcode {
	fullKey := barrierPrefix + ":" + key
	if err := e.store.Delete(fullKey); err != nil && err != memcache.ErrCacheMiss {
		return retcode.Wrap(retcode.KvDelFailed, err)
	}
	return nil
}

func (e *Exchanger) set(key string, value []byte, onErr retcode.Code) *retcode.Retcode {
	item := &memcache.Item{Key: key, Value: value}
	if err := e.store.Set(item); err != nil {
		return retcode.Wrap(onErr, fmt.Errorf("kv set %q: %w", key, err))
	}
	return nil
}

// spinGet retries GET(key) forever, 500 ms apart, until it succeeds or ctx
// is cancelled. A caller wanting true spec.md-literal unbounded behaviour
// passes context.Background(); ctx is offered only so callers embedded in a
// larger cancellable pipeline aren't forced to leak a goroutine.
func (e *Exchanger) spinGet(ctx context.Context, key string) ([]byte, *retcode.Retcode) {
	for {
		metrics.KVSpinWaitAttempts.WithLabelValues("fetch").Inc()
		item, err := e.store.Get(key)
		if err == nil {
			return item.Value, nil
		}
		if err != memcache.ErrCacheMiss {
			return nil, retcode.Wrap(retcode.KvGetFailed, err)
		}

		select {
		case <-ctx.Done():
			return nil, retcode.Wrap(retcode.ExchangeFailed, ctx.Err())
		case <-time.After(spinWaitInterval):
		}
	}
}
