package netview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExportImportRoundTrip is the round-trip law from spec.md §8:
// export_view · import_view = id on the network-view JSON.
func TestExportImportRoundTrip(t *testing.T) {
	view := ThisNodeConf{
		NID: 1,
		PDs: []PDRecord{
			{
				ID:  "pd-1",
				MRs: []MRRecord{{ID: "mr-1", Addr: 0xdeadbeef, Size: 512, RKey: 0x1234}},
				QPs: []QPRecord{{ID: "qp-1", QPNum: 42, PortID: 1, LID: 0xabcd}},
			},
		},
	}

	data, r := view.Serialize()
	require.Nil(t, r)

	parsed, r := ParseThisNodeConf(data)
	require.Nil(t, r)
	assert.Equal(t, view, parsed)
}

func TestPostConfRoundTrip(t *testing.T) {
	post := PostConf{
		{NID: 0, PDs: []PDRecord{{ID: "pd-1"}}},
		{NID: 1, PDs: []PDRecord{{ID: "pd-1"}}},
	}

	data, r := post.Serialize()
	require.Nil(t, r)

	parsed, r := ParsePostConf(data)
	require.Nil(t, r)
	assert.Equal(t, post, parsed)

	node, ok := parsed.ByNID(1)
	require.True(t, ok)
	assert.Equal(t, 1, node.NID)
}

func TestParsePreConf(t *testing.T) {
	doc := []byte(`{"port":18515,"index":0,"participants":[{"nid":0,"ip":"10.0.0.1"},{"nid":1,"ip":"10.0.0.2"}]}`)

	pre, r := ParsePreConf(doc)
	require.Nil(t, r)
	assert.Equal(t, 18515, pre.Port)
	assert.Len(t, pre.Participants, 2)
	assert.Equal(t, 1, pre.Participants[1].NID)
}

func TestParsePostConfMalformed(t *testing.T) {
	_, r := ParsePostConf([]byte("not json"))
	require.NotNil(t, r)
}
