// Package mr implements the Memory Region Registry (spec.md §4.2):
// allocation, registration, and the textual wire tuple used to address a
// region remotely.
package mr

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// Kind distinguishes a Local MR (backed by a buffer and owned by a PD) from
// a Remote MR (an identity-only tuple obtained by deserialisation).
type Kind int

const (
	Local Kind = iota
	Remote
)

// MR is a single memory region, local or remote (spec.md §3).
type MR struct {
	name string
	kind Kind

	verbs *ibverbs.MemoryRegion // Local only

	addr   uint64
	length uint64
	lkey   uint32
	rkey   uint32
}

// alignment is the buffer alignment spec.md §4.2 requires ("allocates a
// buffer aligned to 64 bytes"), matching the original's alloc_buffer(len, 64).
const alignment = 64

// alignedBuffer returns a zeroed slice of exactly length bytes whose first
// element is 64-byte aligned, by over-allocating and slicing into the
// aligned region.
func alignedBuffer(length uint64) []byte {
	raw := make([]byte, length+alignment)
	addr := uintptr(0)
	if len(raw) > 0 {
		addr = uintptr(unsafe.Pointer(&raw[0]))
	}
	offset := (alignment - int(addr%alignment)) % alignment
	return raw[offset : offset+int(length) : offset+int(length)]
}

// NewLocal allocates a zeroed, 64-byte-aligned buffer of length bytes and
// registers it as an RDMA memory region under verbsPD with the requested
// access rights (spec.md §4.2 allocate-and-register). The caller is
// responsible for checking for a pre-existing name in the owning PD's
// registry before calling this (NameExists is a registry-level concern).
func NewLocal(verbsPD *ibverbs.ProtectionDomain, name string, length uint64, access int) (*MR, *retcode.Retcode) {
	buf := alignedBuffer(length)
	verbsMR, err := verbsPD.RegisterMR(buf, access)
	if err != nil {
		return nil, retcode.Wrap(retcode.ProviderRefused, err)
	}
	return &MR{name: name, kind: Local, verbs: verbsMR}, nil
}

// Name returns the MR's registry name.
func (m *MR) Name() string { return m.name }

// Kind reports whether this is a Local or Remote MR.
func (m *MR) Kind() Kind { return m.kind }

// Buffer returns the backing buffer for a Local MR (nil for Remote).
func (m *MR) Buffer() []byte {
	if m.kind != Local || m.verbs == nil {
		return nil
	}
	return m.verbs.Buffer
}

// Verbs returns the underlying live verbs descriptor for a Local MR (nil for
// Remote), for use by the QP state machine when posting one-sided work
// requests that name this MR as the local side.
func (m *MR) Verbs() *ibverbs.MemoryRegion {
	if m.kind != Local {
		return nil
	}
	return m.verbs
}

// Addr, Length, LKey, RKey report the descriptor fields serialised into the
// wire tuple. For a Local MR these are read live from the verbs descriptor;
// for a Remote MR they were set at deserialisation time.
func (m *MR) Addr() uint64 {
	if m.kind == Local {
		return m.verbs.Addr()
	}
	return m.addr
}

func (m *MR) Length() uint64 {
	if m.kind == Local {
		return m.verbs.Length()
	}
	return m.length
}

func (m *MR) LKey() uint32 {
	if m.kind == Local {
		return m.verbs.LKey()
	}
	return m.lkey
}

func (m *MR) RKey() uint32 {
	if m.kind == Local {
		return m.verbs.RKey()
	}
	return m.rkey
}

// Serialize renders the MR as the textual tuple
// "name:addr_hex:length_hex:lkey_hex:rkey_hex" (spec.md §4.2, §6). All
// numeric fields are hex, matching the original implementation's
// flatten_info (a single std::hex on the stream persists across every
// subsequent field).
func (m *MR) Serialize() string {
	return fmt.Sprintf("%s:%x:%x:%x:%x", m.name, m.Addr(), m.Length(), m.LKey(), m.RKey())
}

// DeserializeRemote parses a serialised MR tuple into a Remote MR shell
// carrying only the identity fields — no backing buffer, no owning PD
// (spec.md §3, §4.2). Whitespace separators are accepted in addition to
// colons, matching the original's unflatten_info.
func DeserializeRemote(text string) (*MR, *retcode.Retcode) {
	fields := splitFields(text)
	if len(fields) != 5 {
		return nil, retcode.New(retcode.ExchangeParseError).AppendStrf("mr tuple %q: want 5 fields, got %d", text, len(fields))
	}

	addr, err1 := strconv.ParseUint(fields[1], 16, 64)
	length, err2 := strconv.ParseUint(fields[2], 16, 64)
	lkey, err3 := strconv.ParseUint(fields[3], 16, 32)
	rkey, err4 := strconv.ParseUint(fields[4], 16, 32)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, retcode.New(retcode.ExchangeParseError).AppendStrf("mr tuple %q: malformed hex field", text)
	}

	return &MR{
		name:   fields[0],
		kind:   Remote,
		addr:   addr,
		length: length,
		lkey:   uint32(lkey),
		rkey:   uint32(rkey),
	}, nil
}

// splitFields replaces ':' with whitespace first, then splits on
// whitespace, accepting either separator on read (spec.md §4.5 "whitespace
// separators are accepted on read", applied uniformly to the MR tuple too).
func splitFields(text string) []string {
	replaced := strings.ReplaceAll(text, ":", " ")
	return strings.Fields(replaced)
}

// Destroy deregisters a Local MR's verbs descriptor. The Go-owned backing
// buffer is left to the garbage collector once unreferenced — there is no
// explicit free call, unlike the original's aligned_alloc/free pairing
// (spec.md §4.2: "the underlying buffer is freed only after verbs
// deregistration succeeds", satisfied here by GC ordering once verbs is
// unregistered and the MR value is dropped).
func (m *MR) Destroy() error {
	if m.kind != Local || m.verbs == nil {
		return nil
	}
	return m.verbs.Deregister()
}
