// Package qp implements the Queue Pair state machine (spec.md §4.5): RESET
// -> INIT -> RTR -> RTS across RC/UC/UD transports, and the identity-tuple
// serialisation used to address a remote QP.
package qp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/metrics"
	"github.com/sjoon-oh/hartebeest-go/internal/mr"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// State is the QP's shadow of the provider's connection state.
type State int

const (
	Reset State = iota
	Init
	RTR
	RTS
	Error
)

func (s State) String() string {
	switch s {
	case Reset:
		return "Reset"
	case Init:
		return "Init"
	case RTR:
		return "RTR"
	case RTS:
		return "RTS"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Position distinguishes a Local QP (live verbs handle, drives the state
// machine) from a Remote QP (identity-only shell, never transitions).
type Position int

const (
	LocalPos Position = iota
	RemotePos
)

// QP is a single queue pair, local or remote (spec.md §3).
type QP struct {
	name      string
	position  Position
	transport config.Transport
	state     State

	verbs *ibverbs.QueuePair // Local only

	// portID/lid are captured at creation time from the owning PD's device
	// handle, not kept as a live back-reference to the PD — the fix for the
	// cyclic-owner-reference design note in spec.md §9.
	portID uint8
	lid    uint16
	qpNum  uint32
}

func transportToVerbs(t config.Transport) int {
	switch t {
	case config.UC:
		return ibverbs.QPTypeUC
	case config.UD:
		return ibverbs.QPTypeUD
	default:
		return ibverbs.QPTypeRC
	}
}

// NewLocal creates a queue pair of the given transport under verbsPD, bound
// to sendCQ/recvCQ, capturing portID/lid from the owning device handle at
// creation time.
func NewLocal(name string, transport config.Transport, verbsPD *ibverbs.ProtectionDomain, sendCQ, recvCQ *ibverbs.CompletionQueue, portID uint8, lid uint16, attrs config.TransportAttrs) (*QP, *retcode.Retcode) {
	params := ibverbs.QPInitParams{
		Transport:  transportToVerbs(transport),
		MaxSendWR:  attrs.CapMaxSendWR,
		MaxRecvWR:  attrs.CapMaxRecvWR,
		MaxSendSGE: attrs.CapMaxSendSGE,
		MaxRecvSGE: attrs.CapMaxRecvSGE,
		MaxInline:  attrs.CapMaxInlineData,
	}

	verbsQP, err := verbsPD.CreateQP(sendCQ, recvCQ, params)
	if err != nil {
		return nil, retcode.Wrap(retcode.ProviderRefused, err)
	}

	return &QP{
		name:      name,
		position:  LocalPos,
		transport: transport,
		state:     Reset,
		verbs:     verbsQP,
		portID:    portID,
		lid:       lid,
		qpNum:     verbsQP.QPNum(),
	}, nil
}

// Name, Transport, Position, State, QPNum, PortID, LID are plain accessors.
func (q *QP) Name() string               { return q.name }
func (q *QP) Transport() config.Transport { return q.transport }
func (q *QP) Position() Position          { return q.position }
func (q *QP) State() State                { return q.state }
func (q *QP) QPNum() uint32               { return q.qpNum }
func (q *QP) PortID() uint8               { return q.portID }
func (q *QP) LID() uint16                 { return q.lid }

// TransitToInit performs RESET->INIT (spec.md §4.5). A no-op, successful,
// if the QP is already Init (verbs permits re-entering INIT with matching
// attributes). A precondition violation on a Remote QP.
func (q *QP) TransitToInit() *retcode.Retcode {
	if q.position == RemotePos {
		return retcode.New(retcode.PreconditionViolation).AppendStrf("INIT on remote qp %q", q.name)
	}
	if q.state == Init {
		return nil
	}

	accessFlags := ibverbs.DefaultMRAccess
	if err := q.verbs.ModifyToInit(q.portID, 0, accessFlags); err != nil {
		metrics.QPTransitions.WithLabelValues("init", "failed").Inc()
		return retcode.Wrap(retcode.TransitionInitFailed, err)
	}
	q.state = Init
	metrics.QPTransitions.WithLabelValues("init", "ok").Inc()
	return nil
}

// TransitToRTR performs INIT->RTR using remote's identity tuple as the
// address-handle destination (spec.md §4.5). Fails TransitionRtrFailed if
// remote's LID is zero (spec.md §8 boundary behaviour) or the provider call
// fails.
func (q *QP) TransitToRTR(remote *QP, attrs config.TransportAttrs) *retcode.Retcode {
	if q.position == RemotePos {
		return retcode.New(retcode.PreconditionViolation).AppendStrf("RTR on remote qp %q", q.name)
	}
	if remote.LID() == 0 {
		return retcode.New(retcode.TransitionRtrFailed).AppendStrf("remote qp %q has LID 0", remote.name)
	}

	params := ibverbs.RTRParams{
		PathMTU:         attrs.PathMTU,
		RQPSN:           attrs.RQPSN,
		MinRnrTimer:     attrs.MinRnrTimer,
		MaxDestRdAtomic: attrs.MaxDestRdAtomic,
		AHIsGlobal:      attrs.AHIsGlobal,
		AHServiceLevel:  attrs.AHServiceLevel,
		AHSrcPathBits:   attrs.AHSrcPathBits,
		DestQPNum:       remote.QPNum(),
		DestLID:         remote.LID(),
		DestPortNum:     remote.PortID(),
	}
	if err := q.verbs.ModifyToRTR(params); err != nil {
		metrics.QPTransitions.WithLabelValues("rtr", "failed").Inc()
		return retcode.Wrap(retcode.TransitionRtrFailed, err)
	}
	q.state = RTR
	metrics.QPTransitions.WithLabelValues("rtr", "ok").Inc()
	return nil
}

// TransitToRTS performs RTR->RTS (spec.md §4.5).
func (q *QP) TransitToRTS(attrs config.TransportAttrs) *retcode.Retcode {
	if q.position == RemotePos {
		return retcode.New(retcode.PreconditionViolation).AppendStrf("RTS on remote qp %q", q.name)
	}

	params := ibverbs.RTSParams{
		SQPSN:       attrs.SQPSN,
		Timeout:     attrs.Timeout,
		RetryCnt:    attrs.RetryCnt,
		RnrRetry:    attrs.RnrRetry,
		MaxRdAtomic: attrs.MaxRdAtomic,
	}
	if err := q.verbs.ModifyToRTS(params); err != nil {
		metrics.QPTransitions.WithLabelValues("rts", "failed").Inc()
		return retcode.Wrap(retcode.TransitionRtsFailed, err)
	}
	q.state = RTS
	metrics.QPTransitions.WithLabelValues("rts", "ok").Inc()
	return nil
}

// Connect is the composition RTR-then-RTS (spec.md §4.5). If RTR succeeds
// but RTS fails, the QP is left in RTR and TransitionRtsFailed is returned
// — the caller decides whether to destroy or retry (spec.md §7).
func (q *QP) Connect(remote *QP, attrs config.TransportAttrs) *retcode.Retcode {
	if r := q.TransitToRTR(remote, attrs); r != nil {
		return r
	}
	if r := q.TransitToRTS(attrs); r != nil {
		return r
	}
	return nil
}

// QueryState queries the provider's live qp_state and compares it to the
// shadow state, returning StateDrift on divergence (spec.md §4.5: "the two
// are compared and any divergence is flagged as StateDrift").
func (q *QP) QueryState() (State, *retcode.Retcode) {
	if q.position == RemotePos {
		return q.state, nil
	}
	live, err := q.verbs.QueryState()
	if err != nil {
		return q.state, retcode.Wrap(retcode.ProviderRefused, err)
	}
	liveState := fromVerbsState(live)
	if liveState != q.state {
		return liveState, retcode.New(retcode.StateDrift).AppendStrf("shadow=%s provider=%s", q.state, liveState)
	}
	return liveState, nil
}

// fromVerbsState maps the provider's ibv_qp_state enum (IBV_QPS_RESET=0,
// INIT=1, RTR=2, RTS=3, SQD=4, SQE=5, ERR=6) onto the library's state set.
func fromVerbsState(v int) State {
	switch v {
	case 0:
		return Reset
	case 1:
		return Init
	case 2:
		return RTR
	case 3:
		return RTS
	default:
		return Error
	}
}

// Serialize renders the QP's identity tuple
// "name:qp_num_hex:port_id_hex:LID_hex:transport_hex" (spec.md §4.5, §6).
func (q *QP) Serialize() string {
	return fmt.Sprintf("%s:%x:%x:%x:%x", q.name, q.qpNum, q.portID, q.lid, int(q.transport))
}

// DeserializeRemote parses a serialised QP tuple into a Remote QP shell
// carrying only identity — no verbs-live state machine (spec.md §4.5).
func DeserializeRemote(text string) (*QP, *retcode.Retcode) {
	fields := splitFields(text)
	if len(fields) != 5 {
		return nil, retcode.New(retcode.ExchangeParseError).AppendStrf("qp tuple %q: want 5 fields, got %d", text, len(fields))
	}

	qpNum, err1 := strconv.ParseUint(fields[1], 16, 32)
	portID, err2 := strconv.ParseUint(fields[2], 16, 8)
	lid, err3 := strconv.ParseUint(fields[3], 16, 16)
	transport, err4 := strconv.ParseUint(fields[4], 16, 32)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, retcode.New(retcode.ExchangeParseError).AppendStrf("qp tuple %q: malformed hex field", text)
	}

	return &QP{
		name:      fields[0],
		position:  RemotePos,
		transport: config.Transport(transport),
		qpNum:     uint32(qpNum),
		portID:    uint8(portID),
		lid:       uint16(lid),
	}, nil
}

func splitFields(text string) []string {
	replaced := strings.ReplaceAll(text, ":", " ")
	return strings.Fields(replaced)
}

// PostSend issues a single signalled one-sided RDMA work request from
// local, at localOffset for length bytes, targeting the remote MR's
// (address, rkey) — spec.md §1: "the library also issues one-sided RDMA
// operations and polls completions". The state machine itself never polls
// for completions; that remains a separate CQ operation (spec.md §4.5 tie-break).
func (q *QP) PostSend(op ibverbs.WorkRequestOp, local *mr.MR, localOffset, length uint64, remote *mr.MR) *retcode.Retcode {
	if q.position == RemotePos {
		return retcode.New(retcode.PreconditionViolation).AppendStrf("post-send on remote qp %q", q.name)
	}
	if err := q.verbs.PostSend(op, local.Verbs(), localOffset, length, remote.Addr(), remote.RKey()); err != nil {
		return retcode.Wrap(retcode.BadWorkRequest, err)
	}
	return nil
}

// Destroy releases the local verbs QP. A no-op on a Remote QP.
func (q *QP) Destroy() error {
	if q.position != LocalPos || q.verbs == nil {
		return nil
	}
	return q.verbs.Destroy()
}
