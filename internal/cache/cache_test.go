package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

func TestRegisterRejectsDuplicate(t *testing.T) {
	c := New[int]()
	r := c.Register("x", 1)
	assert.Equal(t, retcode.Registered, r.Code())
	assert.Equal(t, 1, c.Len())

	r2 := c.Register("x", 2)
	assert.Equal(t, retcode.NameExists, r2.Code())
	assert.Equal(t, 1, c.Len())
}

func TestSameNameDifferentCacheSucceeds(t *testing.T) {
	c1 := New[int]()
	c2 := New[int]()
	assert.Equal(t, retcode.Registered, c1.Register("x", 1).Code())
	assert.Equal(t, retcode.Registered, c2.Register("x", 2).Code())
}

func TestInsertionOrderIteration(t *testing.T) {
	c := New[string]()
	c.Register("c", "3")
	c.Register("a", "1")
	c.Register("b", "2")

	var got []string
	c.Range(func(name string, val string) bool {
		got = append(got, name)
		return true
	})
	assert.Equal(t, []string{"c", "a", "b"}, got)
	assert.Equal(t, []string{"c", "a", "b"}, c.Names())
}

func TestReverseRangeTeardownOrder(t *testing.T) {
	c := New[int]()
	c.Register("first", 1)
	c.Register("second", 2)
	c.Register("third", 3)

	var order []string
	c.ReverseRange(func(name string, val int) {
		order = append(order, name)
	})
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestDeregisterThenReRegister(t *testing.T) {
	c := New[int]()
	c.Register("x", 1)
	r := c.Deregister("x")
	assert.Equal(t, retcode.OK, r.Code())
	assert.Equal(t, 0, c.Len())

	r2 := c.Deregister("x")
	assert.Equal(t, retcode.NameMissing, r2.Code())

	assert.Equal(t, retcode.Registered, c.Register("x", 2).Code())
	v, ok := c.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}
