package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizePath("/a/b/"))
	assert.Equal(t, "/a/b", NormalizePath("/a//b"))
	assert.Equal(t, "", NormalizePath("."))
}

func TestEnsureTrailingSep(t *testing.T) {
	assert.Equal(t, "/a/", EnsureTrailingSep("/a"))
	assert.Equal(t, "/a/", EnsureTrailingSep("/a/"))
	assert.Equal(t, "", EnsureTrailingSep(""))
}

func TestRemoveTrailingSep(t *testing.T) {
	assert.Equal(t, "/a", RemoveTrailingSep("/a/"))
	assert.Equal(t, "/a", RemoveTrailingSep("/a"))
	assert.Equal(t, "/", RemoveTrailingSep("/"))
}

func TestVolumeOf(t *testing.T) {
	assert.Equal(t, "/", VolumeOf("/a/b/c"))
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitPath("/a/b"))
	assert.Nil(t, SplitPath("/"))
}

func TestParentPath(t *testing.T) {
	assert.Equal(t, "/a", ParentPath("/a/b"))
	assert.Equal(t, "", ParentPath("/"))
}
