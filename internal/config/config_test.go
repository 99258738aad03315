package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

func TestLoadEnvMissing(t *testing.T) {
	os.Unsetenv("HARTEBEEST_NID")
	os.Unsetenv("HARTEBEEST_PARTICIPANTS")
	os.Unsetenv("HARTEBEEST_EXC_IP_PORT")

	_, r := LoadEnv()
	require.NotNil(t, r)
	assert.Equal(t, retcode.EnvVarMissing, r.Code())
}

func TestLoadEnvOK(t *testing.T) {
	t.Setenv("HARTEBEEST_NID", "1")
	t.Setenv("HARTEBEEST_PARTICIPANTS", "3")
	t.Setenv("HARTEBEEST_EXC_IP_PORT", "10.0.0.1:11211")

	env, r := LoadEnv()
	require.Nil(t, r)
	assert.Equal(t, 1, env.NodeID)
	assert.Equal(t, 3, env.Participants)
	assert.Equal(t, "10.0.0.1:11211", env.ExcIPPort)
	assert.Equal(t, "", env.ConfPath)
}

func TestDefaultAttributesMatchSpec(t *testing.T) {
	a := DefaultAttributes()
	assert.Equal(t, 128, a.CQDepth)
	assert.Equal(t, 3185, a.RC.RQPSN)
	assert.Equal(t, 1, a.RC.MaxRdAtomic)
	assert.Equal(t, 16, a.RC.MaxDestRdAtomic)
}

// TestTransportPrefixOverride is end-to-end scenario #5 from spec.md §8:
// a uc:rq_psn override must not affect rc:rq_psn.
func TestTransportPrefixOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attrs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"uc":{"rq_psn":42}}`), 0644))

	attrs, r := LoadAttributes(path)
	require.Nil(t, r)
	assert.Equal(t, 42, attrs.For(UC).RQPSN)
	assert.Equal(t, 3185, attrs.For(RC).RQPSN)
}

func TestLoadAttributesMissingFile(t *testing.T) {
	_, r := LoadAttributes(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NotNil(t, r)
	assert.Equal(t, retcode.CfgFileMissing, r.Code())
}

func TestLoadAttributesMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))

	_, r := LoadAttributes(path)
	require.NotNil(t, r)
	assert.Equal(t, retcode.CfgParseError, r.Code())
}

func TestTransportString(t *testing.T) {
	assert.Equal(t, "rc", RC.String())
	assert.Equal(t, "uc", UC.String())
	assert.Equal(t, "ud", UD.String())
}
