package qp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/mr"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// TestSerializeDeserializeRoundTrip is the round-trip law from spec.md §8:
// parse_qp_tuple(format_qp_tuple(q)) == q.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	q := &QP{name: "qp-1", position: RemotePos, transport: config.UC, qpNum: 0x42, portID: 1, lid: 0xabcd}
	text := q.Serialize()

	parsed, r := DeserializeRemote(text)
	require.Nil(t, r)
	assert.Equal(t, "qp-1", parsed.Name())
	assert.Equal(t, uint32(0x42), parsed.QPNum())
	assert.Equal(t, uint8(1), parsed.PortID())
	assert.Equal(t, uint16(0xabcd), parsed.LID())
	assert.Equal(t, config.UC, parsed.Transport())
	assert.Equal(t, RemotePos, parsed.Position())
}

func TestSerializeFormat(t *testing.T) {
	q := &QP{name: "qp-1", qpNum: 16, portID: 1, lid: 256, transport: config.RC}
	assert.Equal(t, "qp-1:10:1:100:0", q.Serialize())
}

func TestTransitInitOnRemoteIsPreconditionViolation(t *testing.T) {
	q := &QP{name: "remote-qp", position: RemotePos}
	r := q.TransitToInit()
	require.NotNil(t, r)
	assert.Equal(t, retcode.PreconditionViolation, r.Code())
}

// TestTransitRTRFailsOnZeroLID is the boundary behaviour from spec.md §8:
// "INIT->RTR with a Remote QP whose LID is 0 -> TransitionRtrFailed".
func TestTransitRTRFailsOnZeroLID(t *testing.T) {
	local := &QP{name: "local-qp", position: LocalPos, state: Init}
	remote := &QP{name: "remote-qp", position: RemotePos, lid: 0}

	r := local.TransitToRTR(remote, config.DefaultAttributes().RC)
	require.NotNil(t, r)
	assert.Equal(t, retcode.TransitionRtrFailed, r.Code())
	assert.Equal(t, Init, local.State(), "state must not advance on failure")
}

func TestDeserializeWrongFieldCount(t *testing.T) {
	_, r := DeserializeRemote("qp-1:1:2")
	require.NotNil(t, r)
	assert.Equal(t, retcode.ExchangeParseError, r.Code())
}

// TestPostSendOnRemoteIsPreconditionViolation: the one-sided send path is
// local-QP-only, same as the transition methods — a Remote QP is an
// identity-only shell and never drives verbs (spec.md §3).
func TestPostSendOnRemoteIsPreconditionViolation(t *testing.T) {
	q := &QP{name: "remote-qp", position: RemotePos}
	local, r := mr.DeserializeRemote("mr-1:1000:200:0:0")
	require.Nil(t, r)

	r = q.PostSend(0, local, 0, 16, local)
	require.NotNil(t, r)
	assert.Equal(t, retcode.PreconditionViolation, r.Code())
}

// TestTransportPrefixedAttrs is end-to-end scenario #5 from spec.md §8.
func TestTransportPrefixedAttrs(t *testing.T) {
	attrs := config.DefaultAttributes()
	attrs.UC.RQPSN = 42

	assert.Equal(t, 42, attrs.For(config.UC).RQPSN)
	assert.Equal(t, 3185, attrs.For(config.RC).RQPSN)
}
