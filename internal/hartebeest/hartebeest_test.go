package hartebeest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

func TestCreateLocalPDWithoutDeviceFails(t *testing.T) {
	c := NewCore(config.DefaultAttributes())

	_, r := c.CreateLocalPD("pd-1")
	require.NotNil(t, r)
	assert.Equal(t, retcode.DeviceUnavailable, r.Code())
}

func TestCreateLocalMRMissingPD(t *testing.T) {
	c := NewCore(config.DefaultAttributes())

	_, r := c.CreateLocalMR("nonexistent", "mr-1", 512)
	require.NotNil(t, r)
	assert.Equal(t, retcode.PdMissing, r.Code())
}

func TestCreateLocalQPMissingPD(t *testing.T) {
	c := NewCore(config.DefaultAttributes())

	_, r := c.CreateLocalQP("nonexistent", "qp-1", config.RC, "send", "recv")
	require.NotNil(t, r)
	assert.Equal(t, retcode.PdMissing, r.Code())
}

func TestExportViewEmptyCore(t *testing.T) {
	c := NewCore(config.DefaultAttributes())

	view := c.ExportView(0)
	assert.Equal(t, 0, view.NID)
	assert.Empty(t, view.PDs)
}
