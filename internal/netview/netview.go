// Package netview implements the network-view document shapes exchanged by
// both Metadata Exchangers (spec.md §3, §6): the pre-conf participant list,
// this node's own view, and the aggregated post-conf array.
package netview

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Participant is one entry in pre-conf's "participants" array.
type Participant struct {
	NID   int    `json:"nid"`
	IP    string `json:"ip"`
	Alias string `json:"alias,omitempty"`
}

// PreConf is the shared bootstrap topology every participant reads at
// startup (spec.md §6). Index is the zero-based position of *this* node in
// Participants; node-id 0 always designates the aggregator.
type PreConf struct {
	Port         int           `json:"port"`
	Index        int           `json:"index"`
	Participants []Participant `json:"participants"`
}

// ParsePreConf decodes a pre-conf document.
func ParsePreConf(data []byte) (PreConf, *retcode.Retcode) {
	var p PreConf
	if err := jsonAPI.Unmarshal(data, &p); err != nil {
		return p, retcode.Wrap(retcode.CfgParseError, err)
	}
	return p, nil
}

// MRRecord is one memory region within a PD record (spec.md §6: "i","a","s","r").
type MRRecord struct {
	ID   string `json:"i"`
	Addr uint64 `json:"a"`
	Size uint64 `json:"s"`
	RKey uint32 `json:"r"`
}

// QPRecord is one queue pair within a PD record (spec.md §6: "i","q","p","l").
type QPRecord struct {
	ID     string `json:"i"`
	QPNum  uint32 `json:"q"`
	PortID uint8  `json:"p"`
	LID    uint16 `json:"l"`
}

// PDRecord is one protection domain's exported view (spec.md §6).
type PDRecord struct {
	ID  string     `json:"i"`
	MRs []MRRecord `json:"m"`
	QPs []QPRecord `json:"q"`
}

// ThisNodeConf is the document a single node exports to the exchanger
// ("my-conf" in spec.md §4.6, "this-node-conf" in §6): "n" (node-id) and "p"
// (ordered list of PD records).
type ThisNodeConf struct {
	NID int        `json:"n"`
	PDs []PDRecord `json:"p"`
}

// Serialize encodes this node's view as the this-node-conf JSON document.
func (t ThisNodeConf) Serialize() ([]byte, *retcode.Retcode) {
	data, err := jsonAPI.Marshal(t)
	if err != nil {
		return nil, retcode.Wrap(retcode.CfgParseError, err)
	}
	return data, nil
}

// ParseThisNodeConf decodes a this-node-conf document.
func ParseThisNodeConf(data []byte) (ThisNodeConf, *retcode.Retcode) {
	var t ThisNodeConf
	if err := jsonAPI.Unmarshal(data, &t); err != nil {
		return t, retcode.Wrap(retcode.ExchangeParseError, err)
	}
	return t, nil
}

// PostConf is the network-wide view: the JSON array of every node's
// ThisNodeConf, produced by the aggregator and broadcast to every peer
// (spec.md §4.6 step 4, §6). Invariant: after a successful exchange, every
// participating node holds an identical PostConf (spec.md §3, §8).
type PostConf []ThisNodeConf

// Serialize encodes the aggregated network view.
func (p PostConf) Serialize() ([]byte, *retcode.Retcode) {
	data, err := jsonAPI.Marshal([]ThisNodeConf(p))
	if err != nil {
		return nil, retcode.Wrap(retcode.CfgParseError, err)
	}
	return data, nil
}

// ParsePostConf decodes a post-conf document.
func ParsePostConf(data []byte) (PostConf, *retcode.Retcode) {
	var p PostConf
	if err := jsonAPI.Unmarshal(data, &p); err != nil {
		return nil, retcode.Wrap(retcode.ExchangeParseError, err)
	}
	return p, nil
}

// ByNID returns the node record for nid, if present, supporting the
// aggregator's per-peer routing and a caller locating its own view within a
// received post-conf.
func (p PostConf) ByNID(nid int) (ThisNodeConf, bool) {
	for _, n := range p {
		if n.NID == nid {
			return n, true
		}
	}
	return ThisNodeConf{}, false
}
