// Package retcode implements the dense outcome-code scheme used across every
// component of the coordination library: a classified Code plus a
// human-readable string, with optional compounding context for logs.
package retcode

import "fmt"

// Code classifies the outcome of a single control-plane operation.
type Code int

const (
	OK Code = iota

	// Device Manager
	DeviceUnavailable
	PortInactive
	NotInfiniBand
	ProviderRefused

	// Registries (cache, PD, MR, CQ)
	NameExists
	NameMissing
	PdMissing
	Oom
	Registered

	// QP state machine
	TransitionInitFailed
	TransitionRtrFailed
	TransitionRtsFailed
	StateDrift
	PreconditionViolation

	// Configuration
	CfgFileMissing
	EnvVarMissing
	CfgParseError

	// Exchangers
	ExchangeSocketError
	ExchangeParseError
	ExchangeFailed
	KvSetFailed
	KvGetFailed
	KvDelFailed
	Timeout

	// Data plane
	BadWorkRequest
	CompletionFailure

	// Classifies a result that is the union of several codes. It is only
	// ever set explicitly via New(Compound); AppendStr/AppendStrf never
	// change a Retcode's code to Compound.
	Compound
)

var strs = map[Code]string{
	OK:                    "OK",
	DeviceUnavailable:     "HCAINITR: DEVICE UNAVAILABLE",
	PortInactive:          "HCAINITR: PORT INACTIVE",
	NotInfiniBand:         "HCAINITR: NOT INFINIBAND LAYER",
	ProviderRefused:       "PROVIDER: CALL REFUSED",
	NameExists:            "CACHE: ALREADY EXISTS",
	NameMissing:           "CACHE: RESOURCE NOT FOUND",
	PdMissing:             "PD: NOT FOUND",
	Oom:                   "ALLOC: OUT OF MEMORY",
	Registered:            "CACHE: REGISTERED OK",
	TransitionInitFailed:  "QP: TRANSITION TO INIT FAILED",
	TransitionRtrFailed:   "QP: TRANSITION TO RTR FAILED",
	TransitionRtsFailed:   "QP: TRANSITION TO RTS FAILED",
	StateDrift:            "QP: PROVIDER STATE DISAGREES WITH SHADOW STATE",
	PreconditionViolation: "QP: PRECONDITION VIOLATION",
	CfgFileMissing:        "CFGLDR: CONFIGURATION FILE NOT FOUND",
	EnvVarMissing:         "CFGLDR: ENVVAR NOT FOUND",
	CfgParseError:         "CFGLDR: JSON PARSE ERROR",
	ExchangeSocketError:   "EXCHANGE: SOCKET ERROR",
	ExchangeParseError:    "EXCHANGE: PARSE ERROR",
	ExchangeFailed:        "EXCHANGE: FAILED",
	KvSetFailed:           "MEMCACHED: SET FAILED",
	KvGetFailed:           "MEMCACHED: GET FAILED",
	KvDelFailed:           "MEMCACHED: DEL FAILED",
	Timeout:               "TIMEOUT: BOUNDED RETRY EXHAUSTED",
	BadWorkRequest:        "QP: BAD WORK REQUEST",
	CompletionFailure:     "CQ: COMPLETION STATUS NOT SUCCESS",
	Compound:              "COMPOUND",
}

// String returns the constant human-readable string for c.
func (c Code) String() string {
	if s, ok := strs[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN CODE(%d)", int(c))
}

// Retcode is a classified outcome with optional appended context, suitable
// for direct logging and for callers that need to branch on Code(). It
// implements error so it composes with ordinary Go error handling.
type Retcode struct {
	code Code
	msg  string
}

// New builds a Retcode from a Code, using the code's constant string.
func New(code Code) *Retcode {
	return &Retcode{code: code, msg: code.String()}
}

// Code reports the classified outcome.
func (r *Retcode) Code() Code {
	if r == nil {
		return OK
	}
	return r.code
}

// Error implements error.
func (r *Retcode) Error() string {
	if r == nil {
		return OK.String()
	}
	return r.msg
}

// AppendStr appends another code's string to r as auxiliary context,
// mirroring the original implementation's append_str(code) overload. r keeps
// its own classified code — New(X).AppendStr(Y) is still classified X, not
// Y or Compound. Use Compound explicitly (New(Compound).AppendStr(...)) when
// a result is genuinely the union of two codes with no single classification.
func (r *Retcode) AppendStr(code Code) *Retcode {
	r.msg = r.msg + ", " + code.String()
	return r
}

// AppendStrf appends a formatted auxiliary string to r, mirroring the
// original implementation's append_str(code, aux_str) overload. It never
// changes r's classified code — New(X).AppendStrf(...) is still classified
// X, so callers can rely on Code() after attaching diagnostic context.
func (r *Retcode) AppendStrf(format string, args ...any) *Retcode {
	r.msg = r.msg + ", " + fmt.Sprintf(format, args...)
	return r
}

// Ok reports whether r represents success (nil or explicit OK).
func Ok(r *Retcode) bool {
	return r == nil || r.code == OK
}

// Wrap classifies a lower-level error (typically from a cgo verbs call or
// socket I/O) as the given code, appending the original error's text as
// auxiliary context. The returned Retcode's Code() is always code, never
// Compound — callers branch on it exactly as if they'd called New(code).
func Wrap(code Code, err error) *Retcode {
	r := New(code)
	if err != nil {
		r.AppendStrf("%v", err)
	}
	return r
}
