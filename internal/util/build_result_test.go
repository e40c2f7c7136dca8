package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildResultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	res := &BuildResult{
		ID: "abc123",
		Builds: []BuildEntry{
			{Platform: "linux/amd64", Ref: "localhost:5001/app:abc123-linux-amd64", Digest: "sha256:deadbeef"},
			{Platform: "linux/arm64", Ref: "localhost:5001/app:abc123-linux-arm64"},
		},
	}
	require.NoError(t, WriteBuildResult(dir, res))

	got, err := ReadBuildResult(dir)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	ref, err := got.FirstRef()
	require.NoError(t, err)
	assert.Equal(t, "localhost:5001/app:abc123-linux-amd64", ref)
}

func TestReadBuildResultMissing(t *testing.T) {
	_, err := ReadBuildResult(t.TempDir())
	assert.Error(t, err)
}

func TestFirstRefEmpty(t *testing.T) {
	res := &BuildResult{}
	_, err := res.FirstRef()
	assert.Error(t, err)
}
