package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangedSetMembership(t *testing.T) {
	s := NewChangedSet(true, []string{"/b/", "/a/"}, []string{"/a/open.txt"})

	assert.True(t, s.Valid())
	assert.True(t, s.Contains("/a/"))
	assert.True(t, s.Contains("/b/"))
	assert.False(t, s.Contains("/c/"))
	assert.True(t, s.OpenFile("/a/open.txt"))
	assert.False(t, s.OpenFile("/a/closed.txt"))
}

func TestChangedSetInvalidMeansEverything(t *testing.T) {
	s := NewChangedSet(false, nil, nil)
	assert.False(t, s.Valid())
	assert.True(t, s.Contains("/anything/"))
}

func TestChangedSetAdd(t *testing.T) {
	s := NewChangedSet(true, []string{"/b/"}, nil)
	s.Add("/a/")
	s.Add("/c/")
	s.Add("/b/") // duplicate

	assert.True(t, s.Contains("/a/"))
	assert.True(t, s.Contains("/b/"))
	assert.True(t, s.Contains("/c/"))
	assert.False(t, s.Contains("/d/"))
}

func TestChangedSetAddOpenFile(t *testing.T) {
	s := NewChangedSet(true, nil, nil)
	s.AddOpenFile("/x/y")
	assert.True(t, s.OpenFile("/x/y"))
}

func TestAllDirsSource(t *testing.T) {
	var src Source = AllDirsSource{}
	assert.False(t, src.CanWatch("/"))
	dirs, open, err := src.SnapshotChangedSet(nil, "/")
	assert.NoError(t, err)
	assert.Nil(t, dirs)
	assert.Nil(t, open)
}
