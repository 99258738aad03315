package kv

import (
	"context"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/qp"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// fakeStore is an in-memory stand-in for a memcached client, letting the
// barrier and fetch policies be exercised without a live server.
type fakeStore struct {
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (f *fakeStore) Set(item *memcache.Item) error {
	f.data[item.Key] = item.Value
	return nil
}

func (f *fakeStore) Get(key string) (*memcache.Item, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &memcache.Item{Key: key, Value: v}, nil
}

func (f *fakeStore) Delete(key string) error {
	if _, ok := f.data[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.data, key)
	return nil
}

// TestBarrierRoundTrip is end-to-end scenario #3 from spec.md §8: push then
// wait succeeds, del then wait times out.
func TestBarrierRoundTrip(t *testing.T) {
	e := &Exchanger{store: newFakeStore()}

	require.Nil(t, e.PushGeneral("done"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Nil(t, e.WaitGeneral(ctx, "done"))

	require.Nil(t, e.DelGeneral("done"))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	r := e.WaitGeneral(ctx2, "done")
	require.NotNil(t, r)
	assert.Equal(t, retcode.Timeout, r.Code())
}

func TestFetchRemoteMRReturnsPublished(t *testing.T) {
	store := newFakeStore()
	e := &Exchanger{store: store}

	store.data[mrInfoPrefix+":peer-mr"] = []byte("mr-1:10:20:30:40")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m, r := e.FetchRemoteMR(ctx, "peer-mr")
	require.Nil(t, r)
	assert.Equal(t, "mr-1", m.Name())
	assert.Equal(t, uint64(0x10), m.Addr())
}

func TestPushLocalQPKeyNamespace(t *testing.T) {
	store := newFakeStore()
	e := &Exchanger{store: store}

	q, r := qp.DeserializeRemote("qp-1:1:1:1:0")
	require.Nil(t, r)
	require.Nil(t, e.PushLocalQP("peer-qp", q))
	_, ok := store.data[qpInfoPrefix+":peer-qp"]
	assert.True(t, ok)
}
