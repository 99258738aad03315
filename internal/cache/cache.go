// Package cache implements the generic name->resource registry shared by
// every component that owns named RDMA objects (protection domains, memory
// regions, completion queues, queue pairs).
package cache

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// ResourceCache is a name->value registry with reject-on-duplicate
// registration. Unlike the original C++ implementation's std::map-backed
// cache, iteration here follows insertion order, which the network-view
// serialisation invariant (spec §3, §4.8) requires for deterministic output.
type ResourceCache[T any] struct {
	index map[string]int
	names []string
	vals  []T
}

// New returns an empty ResourceCache.
func New[T any]() *ResourceCache[T] {
	return &ResourceCache[T]{index: make(map[string]int)}
}

// IsRegistered reports whether name is already present.
func (c *ResourceCache[T]) IsRegistered(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Register inserts name->val. Returns NameExists if name is already present,
// Registered on success.
func (c *ResourceCache[T]) Register(name string, val T) *retcode.Retcode {
	if c.IsRegistered(name) {
		return retcode.New(retcode.NameExists)
	}
	c.index[name] = len(c.names)
	c.names = append(c.names, name)
	c.vals = append(c.vals, val)
	return retcode.New(retcode.Registered)
}

// Get returns the value registered under name, if any.
func (c *ResourceCache[T]) Get(name string) (T, bool) {
	i, ok := c.index[name]
	if !ok {
		var zero T
		return zero, false
	}
	return c.vals[i], true
}

// Deregister removes name from the registry without destroying the
// underlying resource; destruction remains the caller's responsibility.
// Returns NameMissing if name was not registered.
func (c *ResourceCache[T]) Deregister(name string) *retcode.Retcode {
	i, ok := c.index[name]
	if !ok {
		return retcode.New(retcode.NameMissing)
	}
	c.names = append(c.names[:i], c.names[i+1:]...)
	c.vals = append(c.vals[:i], c.vals[i+1:]...)
	delete(c.index, name)
	for j := i; j < len(c.names); j++ {
		c.index[c.names[j]] = j
	}
	return retcode.New(retcode.OK)
}

// Len reports the number of registered resources.
func (c *ResourceCache[T]) Len() int {
	return len(c.names)
}

// Names returns the registered names in insertion order. The returned slice
// must not be mutated by the caller.
func (c *ResourceCache[T]) Names() []string {
	return c.names
}

// Range calls fn for every entry in insertion order, stopping early if fn
// returns false.
func (c *ResourceCache[T]) Range(fn func(name string, val T) bool) {
	for i, name := range c.names {
		if !fn(name, c.vals[i]) {
			return
		}
	}
}

// ReverseRange calls fn for every entry in reverse-insertion order, the
// order registries must use to tear down owned resources (spec §3: "their
// destruction precedes the PD's").
func (c *ResourceCache[T]) ReverseRange(fn func(name string, val T)) {
	for i := len(c.names) - 1; i >= 0; i-- {
		fn(c.names[i], c.vals[i])
	}
}

// DebugDump logs every registered name at verbosity level 2, mirroring the
// original implementation's out_cache_status() diagnostic.
func (c *ResourceCache[T]) DebugDump(ctx context.Context, label string) {
	logger := klog.FromContext(ctx)
	logger.V(2).Info("resource cache status", "label", label, "count", c.Len(), "names", c.names)
}
