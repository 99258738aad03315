package retcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndString(t *testing.T) {
	r := New(PortInactive)
	require.NotNil(t, r)
	assert.Equal(t, PortInactive, r.Code())
	assert.Equal(t, "HCAINITR: PORT INACTIVE", r.Error())
}

func TestOk(t *testing.T) {
	assert.True(t, Ok(nil))
	assert.True(t, Ok(New(OK)))
	assert.False(t, Ok(New(NameExists)))
}

func TestAppendStrPreservesCode(t *testing.T) {
	r := New(TransitionRtsFailed)
	r.AppendStr(ProviderRefused)
	assert.Equal(t, TransitionRtsFailed, r.Code())
	assert.Contains(t, r.Error(), "QP: TRANSITION TO RTS FAILED")
	assert.Contains(t, r.Error(), "PROVIDER: CALL REFUSED")
}

func TestAppendStrfPreservesCode(t *testing.T) {
	r := New(NameExists).AppendStrf("mr %q in pd %q", "mr-1", "pd-1")
	assert.Equal(t, NameExists, r.Code())
	assert.Contains(t, r.Error(), `mr "mr-1" in pd "pd-1"`)
}

func TestWrapPreservesCode(t *testing.T) {
	r := Wrap(ProviderRefused, assertErr("ibv_reg_mr failed"))
	assert.Equal(t, ProviderRefused, r.Code())
	assert.Contains(t, r.Error(), "ibv_reg_mr failed")
}

func TestAppendStrExplicitCompound(t *testing.T) {
	r := New(Compound).AppendStr(TransitionRtsFailed).AppendStr(ProviderRefused)
	assert.Equal(t, Compound, r.Code())
	assert.Contains(t, r.Error(), "QP: TRANSITION TO RTS FAILED")
	assert.Contains(t, r.Error(), "PROVIDER: CALL REFUSED")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
