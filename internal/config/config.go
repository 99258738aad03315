// Package config loads the two external configuration surfaces the core
// consumes: the bootstrap environment variables, and the per-transport
// tuned-attribute table used by the QP state machine. The attribute table is
// a typed struct per transport rather than the original implementation's
// stringly-typed name table, per the REDESIGN FLAG in spec.md §9 — the
// transport prefix ("rc:", "uc:", "ud:") becomes the struct selector instead
// of a string-key prefix.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// Transport identifies the RDMA transport a queue pair speaks.
type Transport int

const (
	RC Transport = iota
	UC
	UD
)

// String renders the transport's attribute-table prefix, e.g. "rc".
func (t Transport) String() string {
	switch t {
	case RC:
		return "rc"
	case UC:
		return "uc"
	case UD:
		return "ud"
	default:
		return "unknown"
	}
}

// Env holds the bootstrap environment recognised by the library (spec §6).
type Env struct {
	NodeID       int
	Participants int
	ExcIPPort    string
	ConfPath     string // optional, defaults to "" meaning "use built-in defaults"
}

// LoadEnv reads HARTEBEEST_NID, HARTEBEEST_PARTICIPANTS,
// HARTEBEEST_EXC_IP_PORT (all required) and the optional
// HARTEBEEST_CONF_PATH, returning EnvVarMissing if a required variable is
// absent.
func LoadEnv() (Env, *retcode.Retcode) {
	var env Env

	nid, ok := os.LookupEnv("HARTEBEEST_NID")
	if !ok {
		return env, retcode.New(retcode.EnvVarMissing).AppendStrf("HARTEBEEST_NID")
	}
	n, err := strconv.Atoi(nid)
	if err != nil {
		return env, retcode.New(retcode.EnvVarMissing).AppendStrf("HARTEBEEST_NID: %v", err)
	}
	env.NodeID = n

	participants, ok := os.LookupEnv("HARTEBEEST_PARTICIPANTS")
	if !ok {
		return env, retcode.New(retcode.EnvVarMissing).AppendStrf("HARTEBEEST_PARTICIPANTS")
	}
	p, err := strconv.Atoi(participants)
	if err != nil {
		return env, retcode.New(retcode.EnvVarMissing).AppendStrf("HARTEBEEST_PARTICIPANTS: %v", err)
	}
	env.Participants = p

	excIPPort, ok := os.LookupEnv("HARTEBEEST_EXC_IP_PORT")
	if !ok {
		return env, retcode.New(retcode.EnvVarMissing).AppendStrf("HARTEBEEST_EXC_IP_PORT")
	}
	env.ExcIPPort = excIPPort

	env.ConfPath = os.Getenv("HARTEBEEST_CONF_PATH")
	return env, nil
}

// TransportAttrs is the tuned-attribute set consulted by the QP state
// machine for a single transport, per spec.md §4.5/§6. Field names follow
// the verbs attribute they feed directly.
type TransportAttrs struct {
	CapMaxSendWR     int `json:"cap.max_send_wr"`
	CapMaxRecvWR     int `json:"cap.max_recv_wr"`
	CapMaxSendSGE    int `json:"cap.max_send_sge"`
	CapMaxRecvSGE    int `json:"cap.max_recv_sge"`
	CapMaxInlineData int `json:"cap.max_inline_data"`

	PathMTU         int `json:"path_mtu"`
	RQPSN           int `json:"rq_psn"`
	SQPSN           int `json:"sq_psn"`
	AHIsGlobal      int `json:"ah_attr.is_global"`
	AHServiceLevel  int `json:"ah_attr.sl"`
	AHSrcPathBits   int `json:"ah_attr.src_path_bits"`
	MaxDestRdAtomic int `json:"max_dest_rd_atomic"`
	MinRnrTimer     int `json:"min_rnr_timer"`
	Timeout         int `json:"timeout"`
	RetryCnt        int `json:"retry_cnt"`
	RnrRetry        int `json:"rnr_retry"`
	MaxRdAtomic     int `json:"max_rd_atomic"`
}

func defaultTransportAttrs() TransportAttrs {
	return TransportAttrs{
		CapMaxSendWR:     128,
		CapMaxRecvWR:     128,
		CapMaxSendSGE:    16,
		CapMaxRecvSGE:    16,
		CapMaxInlineData: 256,

		PathMTU:         4096,
		RQPSN:           3185,
		SQPSN:           3185,
		AHIsGlobal:      0,
		AHServiceLevel:  0,
		AHSrcPathBits:   0,
		MaxDestRdAtomic: 16,
		MinRnrTimer:     12,
		Timeout:         14,
		RetryCnt:        7,
		RnrRetry:        7,
		MaxRdAtomic:     1,
	}
}

// Attributes is the full, transport-indexed tuned-attribute table, plus the
// process-global CQ depth.
type Attributes struct {
	CQDepth int `json:"cq_depth"`

	RC TransportAttrs `json:"rc"`
	UC TransportAttrs `json:"uc"`
	UD TransportAttrs `json:"ud"`
}

// DefaultAttributes returns the attribute table seeded with the defaults in
// spec.md §4.5, identical for every transport until overridden.
func DefaultAttributes() Attributes {
	return Attributes{
		CQDepth: 128,
		RC:      defaultTransportAttrs(),
		UC:      defaultTransportAttrs(),
		UD:      defaultTransportAttrs(),
	}
}

// For returns the TransportAttrs for the given transport.
func (a Attributes) For(t Transport) TransportAttrs {
	switch t {
	case RC:
		return a.RC
	case UC:
		return a.UC
	case UD:
		return a.UD
	default:
		return defaultTransportAttrs()
	}
}

// LoadAttributes seeds the default attribute table and, if path is
// non-empty, overrides individual fields from the JSON file at path. A
// missing file is reported as CfgFileMissing; a malformed file as
// CfgParseError — matching hb_cfgldr.cc's init_params() exception handling.
func LoadAttributes(path string) (Attributes, *retcode.Retcode) {
	attrs := DefaultAttributes()
	if path == "" {
		return attrs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return attrs, retcode.New(retcode.CfgFileMissing).AppendStrf(path)
		}
		return attrs, retcode.Wrap(retcode.CfgFileMissing, err)
	}

	// Decode onto the seeded defaults so a file that only overrides a
	// handful of fields (e.g. "uc:rq_psn") leaves the rest at their
	// built-in values — matching the original's per-field override
	// behaviour rather than a full replace.
	if err := json.Unmarshal(data, &attrs); err != nil {
		return attrs, retcode.Wrap(retcode.CfgParseError, fmt.Errorf("%s: %w", path, err))
	}
	return attrs, nil
}
