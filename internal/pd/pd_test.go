package pd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/cache"
	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/device"
	"github.com/sjoon-oh/hartebeest-go/internal/mr"
	"github.com/sjoon-oh/hartebeest-go/internal/qp"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

// TestCreateMRDuplicateName is end-to-end scenario #4 from spec.md §8:
// registering a second MR under a name already present in the same PD's
// cache fails NameExists before any provider call is attempted.
func TestCreateMRDuplicateName(t *testing.T) {
	p := &PD{name: "pd-0", mrs: cache.New[*mr.MR](), qps: cache.New[*qp.QP]()}
	p.mrs.Register("buf-1", &mr.MR{})

	_, r := p.CreateMR("buf-1", 4096, 0)
	require.NotNil(t, r)
	assert.Equal(t, retcode.NameExists, r.Code())
}

func TestCreateQPDuplicateName(t *testing.T) {
	p := &PD{name: "pd-0", mrs: cache.New[*mr.MR](), qps: cache.New[*qp.QP]()}
	p.qps.Register("qp-1", &qp.QP{})

	_, r := p.CreateQP("qp-1", config.RC, nil, nil, config.DefaultAttributes())
	require.NotNil(t, r)
	assert.Equal(t, retcode.NameExists, r.Code())
}

// TestCreateQPOnUnboundDevice is a precondition violation: a PD whose device
// has no bound port cannot create a QP (spec.md §3 Device handle invariant).
func TestCreateQPOnUnboundDevice(t *testing.T) {
	p := &PD{name: "pd-0", device: &device.Handle{}, mrs: cache.New[*mr.MR](), qps: cache.New[*qp.QP]()}

	_, r := p.CreateQP("qp-1", config.RC, nil, nil, config.DefaultAttributes())
	require.NotNil(t, r)
	assert.Equal(t, retcode.PortInactive, r.Code())
}

func TestRegistryDestroyMissingPD(t *testing.T) {
	reg := NewRegistry()
	r := reg.Destroy("nonexistent")
	require.NotNil(t, r)
	assert.Equal(t, retcode.PdMissing, r.Code())
}

func TestDestroyMissingMRAndQP(t *testing.T) {
	p := &PD{name: "pd-0", mrs: cache.New[*mr.MR](), qps: cache.New[*qp.QP]()}

	r := p.DestroyMR("missing")
	require.NotNil(t, r)
	assert.Equal(t, retcode.NameMissing, r.Code())

	r = p.DestroyQP("missing")
	require.NotNil(t, r)
	assert.Equal(t, retcode.NameMissing, r.Code())
}

// TestMRCacheReverseTeardownOrder checks the order PD.Destroy walks a PD's
// MR cache in: the reverse of the order the MRs were registered in. Destroy
// itself is not called, since it deallocates a live verbs PD.
func TestMRCacheReverseTeardownOrder(t *testing.T) {
	p := &PD{name: "pd-0", mrs: cache.New[*mr.MR](), qps: cache.New[*qp.QP]()}

	var order []string
	p.mrs.Register("first", &mr.MR{})
	p.mrs.Register("second", &mr.MR{})
	p.mrs.ReverseRange(func(name string, m *mr.MR) {
		order = append(order, name)
	})

	assert.Equal(t, []string{"second", "first"}, order)
}
