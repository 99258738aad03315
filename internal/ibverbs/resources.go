/*
 * Copyright The Kubernetes Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ibverbs (this file) extends the device/port query bindings with
// the PD/MR/CQ/QP verbs calls the registries and the QP state machine
// build on.
package ibverbs

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <stdlib.h>
#include <string.h>

// wr.wr is a union; cgo cannot address a union member directly from Go, so
// this helper sets the rdma arm of the union on the C side.
static void set_rdma_wr(struct ibv_send_wr *wr, uint64_t remote_addr, uint32_t rkey) {
    wr->wr.rdma.remote_addr = remote_addr;
    wr->wr.rdma.rkey = rkey;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Access rights requested for every memory region in this system (spec.md
// §4.2: "local-write ∪ remote-read ∪ remote-write is the default for all
// callers").
const DefaultMRAccess = int(C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ | C.IBV_ACCESS_REMOTE_WRITE)

// ProtectionDomain wraps a live ibv_pd.
type ProtectionDomain struct {
	pd *C.struct_ibv_pd
}

// AllocPD allocates a protection domain on the device context.
func (d *DeviceContext) AllocPD() (*ProtectionDomain, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, fmt.Errorf("ibv_alloc_pd failed")
	}
	return &ProtectionDomain{pd: pd}, nil
}

// Dealloc releases the protection domain. The caller must have already
// destroyed every MR and QP registered under it.
func (p *ProtectionDomain) Dealloc() error {
	if p.pd == nil {
		return nil
	}
	if rc := C.ibv_dealloc_pd(p.pd); rc != 0 {
		return fmt.Errorf("ibv_dealloc_pd failed: %d", int(rc))
	}
	p.pd = nil
	return nil
}

// MemoryRegion wraps a live ibv_mr plus the Go-owned backing buffer.
type MemoryRegion struct {
	mr     *C.struct_ibv_mr
	Buffer []byte
}

// RegisterMR registers buf (already allocated and zeroed by the caller) as
// an RDMA memory region under pd with the given access rights.
func (p *ProtectionDomain) RegisterMR(buf []byte, access int) (*MemoryRegion, error) {
	var addr unsafe.Pointer
	if len(buf) > 0 {
		addr = unsafe.Pointer(&buf[0])
	}
	mr := C.ibv_reg_mr(p.pd, addr, C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr failed")
	}
	return &MemoryRegion{mr: mr, Buffer: buf}, nil
}

// Addr, Length, LKey, RKey report the live descriptor fields serialised
// into the MR wire tuple.
func (m *MemoryRegion) Addr() uint64   { return uint64(uintptr(m.mr.addr)) }
func (m *MemoryRegion) Length() uint64 { return uint64(m.mr.length) }
func (m *MemoryRegion) LKey() uint32   { return uint32(m.mr.lkey) }
func (m *MemoryRegion) RKey() uint32   { return uint32(m.mr.rkey) }

// Deregister releases the verbs MR descriptor. The backing Go buffer is
// freed by the garbage collector once unreferenced; no explicit free call
// is needed (unlike the original's aligned_alloc/free pairing).
func (m *MemoryRegion) Deregister() error {
	if m.mr == nil {
		return nil
	}
	if rc := C.ibv_dereg_mr(m.mr); rc != 0 {
		return fmt.Errorf("ibv_dereg_mr failed: %d", int(rc))
	}
	m.mr = nil
	return nil
}

// CompletionQueue wraps a live ibv_cq.
type CompletionQueue struct {
	cq *C.struct_ibv_cq
}

// CreateCQ creates a completion queue of the given depth bound to the
// device context (spec.md §4.4).
func (d *DeviceContext) CreateCQ(depth int) (*CompletionQueue, error) {
	cq := C.ibv_create_cq(d.ctx, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("ibv_create_cq failed")
	}
	return &CompletionQueue{cq: cq}, nil
}

// WorkCompletion mirrors the fields of ibv_wc this library inspects.
type WorkCompletion struct {
	WRID   uint64
	Status int
	OpCode int
}

// PollOne polls for a single work completion, returning ok=false when the
// queue currently has nothing to report (a non-blocking probe; the blocking
// busy-spin documented in spec.md §4.4/§5 is the caller's responsibility,
// built on top of this primitive per the REDESIGN NOTE in spec.md §9).
func (c *CompletionQueue) PollOne() (WorkCompletion, bool, error) {
	var wc C.struct_ibv_wc
	n := C.ibv_poll_cq(c.cq, 1, &wc)
	if n < 0 {
		return WorkCompletion{}, false, fmt.Errorf("ibv_poll_cq failed: %d", int(n))
	}
	if n == 0 {
		return WorkCompletion{}, false, nil
	}
	return WorkCompletion{
		WRID:   uint64(wc.wr_id),
		Status: int(wc.status),
		OpCode: int(wc.opcode),
	}, true, nil
}

// Destroy releases the completion queue.
func (c *CompletionQueue) Destroy() error {
	if c.cq == nil {
		return nil
	}
	if rc := C.ibv_destroy_cq(c.cq); rc != 0 {
		return fmt.Errorf("ibv_destroy_cq failed: %d", int(rc))
	}
	c.cq = nil
	return nil
}

// WCStatusSuccess is IBV_WC_SUCCESS, the only status poll-one accepts.
const WCStatusSuccess = int(C.IBV_WC_SUCCESS)

// QPInitParams mirrors the fields of ibv_qp_init_attr the state machine
// sets from the per-transport attribute table at creation time.
type QPInitParams struct {
	Transport                                        int // C.IBV_QPT_RC / _UC / _UD
	MaxSendWR, MaxRecvWR, MaxSendSGE, MaxRecvSGE, MaxInline int
}

const (
	QPTypeRC = int(C.IBV_QPT_RC)
	QPTypeUC = int(C.IBV_QPT_UC)
	QPTypeUD = int(C.IBV_QPT_UD)
)

// QueuePair wraps a live ibv_qp.
type QueuePair struct {
	qp *C.struct_ibv_qp
}

// CreateQP creates a queue pair under pd, bound to the given send/recv
// completion queues.
func (p *ProtectionDomain) CreateQP(sendCQ, recvCQ *CompletionQueue, params QPInitParams) (*QueuePair, error) {
	var attr C.struct_ibv_qp_init_attr
	attr.qp_type = C.enum_ibv_qp_type(params.Transport)
	attr.send_cq = sendCQ.cq
	attr.recv_cq = recvCQ.cq
	attr.cap.max_send_wr = C.uint32_t(params.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(params.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(params.MaxSendSGE)
	attr.cap.max_recv_sge = C.uint32_t(params.MaxRecvSGE)
	attr.cap.max_inline_data = C.uint32_t(params.MaxInline)

	qp := C.ibv_create_qp(p.pd, &attr)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp failed")
	}
	return &QueuePair{qp: qp}, nil
}

// QPNum returns the live provider-assigned queue pair number.
func (q *QueuePair) QPNum() uint32 { return uint32(q.qp.qp_num) }

// QueryState returns the provider's live qp_state (spec.md §4.5: "Querying
// qp_state ... MUST reflect the provider's view, not the library's shadow
// state").
func (q *QueuePair) QueryState() (int, error) {
	var attr C.struct_ibv_qp_attr
	var initAttr C.struct_ibv_qp_init_attr
	if rc := C.ibv_query_qp(q.qp, &attr, C.IBV_QP_STATE, &initAttr); rc != 0 {
		return 0, fmt.Errorf("ibv_query_qp failed: %d", int(rc))
	}
	return int(attr.qp_state), nil
}

// ModifyToInit performs the RESET->INIT transition.
func (q *QueuePair) ModifyToInit(portNum uint8, pkeyIndex uint16, accessFlags int) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = C.uint16_t(pkeyIndex)
	attr.port_num = C.uint8_t(portNum)
	attr.qp_access_flags = C.uint32_t(accessFlags)

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if rc := C.ibv_modify_qp(q.qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("ibv_modify_qp(INIT) failed: %d", int(rc))
	}
	return nil
}

// RTRParams carries the fields consulted from the attribute table plus the
// remote QP's identity (spec.md §4.5, Init -> RTR).
type RTRParams struct {
	PathMTU, RQPSN, MinRnrTimer, MaxDestRdAtomic int
	AHIsGlobal, AHServiceLevel, AHSrcPathBits    int
	DestQPNum                                   uint32
	DestLID                                     uint16
	DestPortNum                                 uint8
}

// ModifyToRTR performs the INIT->RTR transition.
func (q *QueuePair) ModifyToRTR(p RTRParams) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.enum_ibv_mtu(p.PathMTU)
	attr.dest_qp_num = C.uint32_t(p.DestQPNum)
	attr.rq_psn = C.uint32_t(p.RQPSN)
	attr.max_dest_rd_atomic = C.uint8_t(p.MaxDestRdAtomic)
	attr.min_rnr_timer = C.uint8_t(p.MinRnrTimer)

	ahAttr := &attr.ah_attr
	ahAttr.is_global = C.uint8_t(p.AHIsGlobal)
	ahAttr.sl = C.uint8_t(p.AHServiceLevel)
	ahAttr.src_path_bits = C.uint8_t(p.AHSrcPathBits)
	ahAttr.dlid = C.uint16_t(p.DestLID)
	ahAttr.port_num = C.uint8_t(p.DestPortNum)

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if rc := C.ibv_modify_qp(q.qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("ibv_modify_qp(RTR) failed: %d", int(rc))
	}
	return nil
}

// RTSParams carries the fields consulted from the attribute table (spec.md
// §4.5, RTR -> RTS).
type RTSParams struct {
	SQPSN, Timeout, RetryCnt, RnrRetry, MaxRdAtomic int
}

// ModifyToRTS performs the RTR->RTS transition.
func (q *QueuePair) ModifyToRTS(p RTSParams) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.sq_psn = C.uint32_t(p.SQPSN)
	attr.timeout = C.uint8_t(p.Timeout)
	attr.retry_cnt = C.uint8_t(p.RetryCnt)
	attr.rnr_retry = C.uint8_t(p.RnrRetry)
	attr.max_rd_atomic = C.uint8_t(p.MaxRdAtomic)

	mask := C.IBV_QP_STATE | C.IBV_QP_SQ_PSN | C.IBV_QP_TIMEOUT |
		C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY | C.IBV_QP_MAX_QP_RD_ATOMIC
	if rc := C.ibv_modify_qp(q.qp, &attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("ibv_modify_qp(RTS) failed: %d", int(rc))
	}
	return nil
}

// WorkRequestOp selects the one-sided operation a post-send issues.
type WorkRequestOp int

const (
	OpRDMAWrite WorkRequestOp = iota
	OpRDMARead
)

// PostSend posts a single signalled one-sided work request.
func (q *QueuePair) PostSend(op WorkRequestOp, local *MemoryRegion, localOffset, length uint64, remoteAddr uint64, remoteRKey uint32) error {
	var sge C.struct_ibv_sge
	sge.addr = C.uint64_t(local.Addr() + localOffset)
	sge.length = C.uint32_t(length)
	sge.lkey = local.mr.lkey

	var wr C.struct_ibv_send_wr
	wr.wr_id = 0
	wr.sg_list = &sge
	wr.num_sge = 1
	wr.send_flags = C.IBV_SEND_SIGNALED
	if op == OpRDMAWrite {
		wr.opcode = C.IBV_WR_RDMA_WRITE
	} else {
		wr.opcode = C.IBV_WR_RDMA_READ
	}
	C.set_rdma_wr(&wr, C.uint64_t(remoteAddr), C.uint32_t(remoteRKey))

	var badWr *C.struct_ibv_send_wr
	if rc := C.ibv_post_send(q.qp, &wr, &badWr); rc != 0 {
		return fmt.Errorf("ibv_post_send failed: %d", int(rc))
	}
	return nil
}

// Destroy releases the queue pair.
func (q *QueuePair) Destroy() error {
	if q.qp == nil {
		return nil
	}
	if rc := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("ibv_destroy_qp failed: %d", int(rc))
	}
	q.qp = nil
	return nil
}
