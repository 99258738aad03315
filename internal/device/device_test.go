package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

func ibPort(num int, state ibverbs.PortState) ibverbs.PortInfo {
	return ibverbs.PortInfo{PortNum: num, State: state, LinkLayer: "InfiniBand", LID: uint16(1000 + num)}
}

// TestSelectActivePort_Scenario6 is end-to-end scenario #6 from spec.md §8:
// port 1 ACTIVE+IB, port 2 DOWN+IB. Default ordinal (1) must succeed;
// asking for the (nonexistent) second active port must fail.
func TestSelectActivePort_Scenario6(t *testing.T) {
	ports := []ibverbs.PortInfo{
		ibPort(1, ibverbs.PortStateActive),
		ibPort(2, ibverbs.PortStateDown),
	}

	got, r := SelectActivePort(ports, 1)
	require.Nil(t, r)
	assert.Equal(t, 1, got.PortNum)

	_, r2 := SelectActivePort(ports, 2)
	require.NotNil(t, r2)
	assert.Equal(t, retcode.PortInactive, r2.Code())
}

// TestSelectActivePort_TrueOrdinalSemantics is the fix for REDESIGN FLAG (a):
// with three active ports, ordinal 2 must select the *second* active port,
// not always the first.
func TestSelectActivePort_TrueOrdinalSemantics(t *testing.T) {
	ports := []ibverbs.PortInfo{
		ibPort(1, ibverbs.PortStateDown),
		ibPort(2, ibverbs.PortStateActive),
		ibPort(3, ibverbs.PortStateActive),
		ibPort(4, ibverbs.PortStateActive),
	}

	first, r := SelectActivePort(ports, 1)
	require.Nil(t, r)
	assert.Equal(t, 2, first.PortNum)

	second, r := SelectActivePort(ports, 2)
	require.Nil(t, r)
	assert.Equal(t, 3, second.PortNum, "ordinal 2 must select the second active port, not repeat the first")

	third, r := SelectActivePort(ports, 3)
	require.Nil(t, r)
	assert.Equal(t, 4, third.PortNum)
}

func TestSelectActivePort_ActiveDeferCounts(t *testing.T) {
	ports := []ibverbs.PortInfo{ibPort(1, ibverbs.PortStateActiveDefer)}
	got, r := SelectActivePort(ports, 1)
	require.Nil(t, r)
	assert.Equal(t, 1, got.PortNum)
}

func TestSelectActivePort_NonInfiniBandExcluded(t *testing.T) {
	eth := ibPort(1, ibverbs.PortStateActive)
	eth.LinkLayer = "Ethernet"
	_, r := SelectActivePort([]ibverbs.PortInfo{eth}, 1)
	require.NotNil(t, r)
	assert.Equal(t, retcode.PortInactive, r.Code())
}

func TestSelectActivePort_NoneActive(t *testing.T) {
	ports := []ibverbs.PortInfo{ibPort(1, ibverbs.PortStateDown)}
	_, r := SelectActivePort(ports, 1)
	require.NotNil(t, r)
	assert.Equal(t, retcode.PortInactive, r.Code())
}
