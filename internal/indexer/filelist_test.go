package indexer

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapindex/internal/storage"
)

func TestEscapeListName(t *testing.T) {
	assert.Equal(t, `plain`, escapeListName("plain"))
	assert.Equal(t, `with\"quote`, escapeListName(`with"quote`))
	assert.Equal(t, `back\\slash`, escapeListName(`back\slash`))
}

func TestListWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	lw := NewListWriter(&buf, false)

	require.NoError(t, lw.WriteFile(&storage.FileAndHash{Name: "x", Size: 10, ChangeIndicator: 100}, nil))
	require.NoError(t, lw.WriteDirOpen(&storage.FileAndHash{Name: "sub", IsDir: true}, nil))
	require.NoError(t, lw.WriteDirClose())
	require.NoError(t, lw.Flush())

	assert.Equal(t, "f\"x\" 10 100\nd\"sub\"\nd\"..\"\n", buf.String())
}

func TestListWriterProperSymlinkClose(t *testing.T) {
	var buf bytes.Buffer
	lw := NewListWriter(&buf, true)
	require.NoError(t, lw.WriteDirOpen(&storage.FileAndHash{Name: "sub", IsDir: true}, nil))
	require.NoError(t, lw.WriteDirClose())
	require.NoError(t, lw.Flush())
	assert.Equal(t, "d\"sub\"\nu\n", buf.String())
}

func TestListWriterExtras(t *testing.T) {
	var buf bytes.Buffer
	lw := NewListWriter(&buf, false)

	extras := &Extras{}
	extras.AddHex(ExtraSHA256, []byte{0xde, 0xad})
	extras.Add(ExtraSymTarget, "/target dir")
	require.NoError(t, lw.WriteFile(&storage.FileAndHash{Name: "f", Size: 1, ChangeIndicator: 2}, extras))
	require.NoError(t, lw.Flush())

	assert.Equal(t, "f\"f\" 1 2#sha256=dead&sym_target=%2Ftarget+dir\n", buf.String())
}

func TestParseListLine(t *testing.T) {
	entry, err := ParseListLine(`f"na\"me" 42 1234#sha256=00ff`)
	require.NoError(t, err)
	assert.False(t, entry.IsDir)
	assert.Equal(t, `na"me`, entry.Name)
	assert.Equal(t, int64(42), entry.Size)
	assert.Equal(t, int64(1234), entry.CI)
	assert.Equal(t, "sha256=00ff", entry.Extras)

	entry, err = ParseListLine(`d"sub"`)
	require.NoError(t, err)
	assert.True(t, entry.IsDir)
	assert.False(t, entry.IsClose)
	assert.Equal(t, "sub", entry.Name)

	entry, err = ParseListLine(`d".."`)
	require.NoError(t, err)
	assert.True(t, entry.IsClose)

	entry, err = ParseListLine("u")
	require.NoError(t, err)
	assert.True(t, entry.IsClose)

	entry, err = ParseListLine("")
	require.NoError(t, err)
	assert.Nil(t, entry)

	_, err = ParseListLine("garbage")
	assert.Error(t, err)
}

func TestParseListLineRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	lw := NewListWriter(&buf, false)
	f := &storage.FileAndHash{Name: `we"ird\name`, Size: 7, ChangeIndicator: 99}
	require.NoError(t, lw.WriteFile(f, nil))
	require.NoError(t, lw.Flush())

	entry, err := ParseListLine(strings.TrimSuffix(buf.String(), "\n"))
	require.NoError(t, err)
	assert.Equal(t, f.Name, entry.Name)
	assert.Equal(t, f.Size, entry.Size)
	assert.Equal(t, f.ChangeIndicator, entry.CI)
}

// writeLastList stages a previous file list for cursor tests.
func writeLastList(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filelist.ub")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))
	return path
}

func TestLastListCursorDepth(t *testing.T) {
	path := writeLastList(t,
		`d"a"`,
		`f"x" 1 1`,
		`d".."`,
		`f"top" 2 2`,
	)
	c, err := OpenLastList(path)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.Valid())
	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, "a", c.Entry().Name)
	c.Advance()
	assert.Equal(t, 1, c.Depth())
	assert.Equal(t, "x", c.Entry().Name)
	c.Advance()
	assert.True(t, c.Entry().IsClose)
	c.Advance()
	assert.Equal(t, 0, c.Depth())
	assert.Equal(t, "top", c.Entry().Name)
	c.Advance()
	assert.False(t, c.Valid())
	require.NoError(t, c.Err())
}

func TestOpenLastListMissing(t *testing.T) {
	c, err := OpenLastList(filepath.Join(t.TempDir(), "nope.ub"))
	require.NoError(t, err)
	assert.Nil(t, c)
}

// emit is a small DSL driving an Emitter for keep tests.
func emitList(t *testing.T, cursorPath string, emit func(e *Emitter)) string {
	t.Helper()
	var cursor *LastListCursor
	if cursorPath != "" {
		var err error
		cursor, err = OpenLastList(cursorPath)
		require.NoError(t, err)
		defer cursor.Close()
	}
	var buf bytes.Buffer
	e := NewEmitter(NewListWriter(&buf, false), cursor)
	emit(e)
	require.NoError(t, e.Finish())
	return buf.String()
}

// Entries present in the previous list but gone from the filesystem are
// carried forward in order.
func TestEmitterKeepsDeletedEntries(t *testing.T) {
	prev := writeLastList(t,
		`d"a"`,
		`f"gone" 5 50`,
		`f"x" 10 100`,
		`d".."`,
	)
	got := emitList(t, prev, func(e *Emitter) {
		require.NoError(t, e.EmitDirOpen(&storage.FileAndHash{Name: "a", IsDir: true}, nil))
		require.NoError(t, e.EmitFile(&storage.FileAndHash{Name: "x", Size: 10, ChangeIndicator: 100}, nil))
		require.NoError(t, e.EmitDirClose())
	})
	assert.Equal(t, "d\"a\"\nf\"gone\" 5 50\nf\"x\" 10 100\nd\"..\"\n", got)
}

// A matching entry is emitted once, with the new metadata winning.
func TestEmitterNewMetadataWins(t *testing.T) {
	prev := writeLastList(t,
		`d"a"`,
		`f"y" 20 200`,
		`d".."`,
	)
	got := emitList(t, prev, func(e *Emitter) {
		require.NoError(t, e.EmitDirOpen(&storage.FileAndHash{Name: "a", IsDir: true}, nil))
		require.NoError(t, e.EmitFile(&storage.FileAndHash{Name: "y", Size: 25, ChangeIndicator: 250}, nil))
		require.NoError(t, e.EmitDirClose())
	})
	assert.Equal(t, "d\"a\"\nf\"y\" 25 250\nd\"..\"\n", got)
}

// A whole subtree only present in the previous list is copied verbatim.
func TestEmitterKeepsWholeSubtree(t *testing.T) {
	prev := writeLastList(t,
		`d"a"`,
		`f"x" 10 100`,
		`d"olddir"`,
		`f"deep" 1 10`,
		`d".."`,
		`d".."`,
	)
	got := emitList(t, prev, func(e *Emitter) {
		require.NoError(t, e.EmitDirOpen(&storage.FileAndHash{Name: "a", IsDir: true}, nil))
		require.NoError(t, e.EmitFile(&storage.FileAndHash{Name: "x", Size: 10, ChangeIndicator: 100}, nil))
		require.NoError(t, e.EmitDirClose())
	})
	assert.Equal(t,
		"d\"a\"\nf\"x\" 10 100\nd\"olddir\"\nf\"deep\" 1 10\nd\"..\"\nd\"..\"\n",
		got)
}

// Trailing top-level entries of the previous list survive Finish.
func TestEmitterKeepsTrailingEntries(t *testing.T) {
	prev := writeLastList(t,
		`f"a" 1 1`,
		`f"z" 9 9`,
	)
	got := emitList(t, prev, func(e *Emitter) {
		require.NoError(t, e.EmitFile(&storage.FileAndHash{Name: "a", Size: 1, ChangeIndicator: 1}, nil))
	})
	assert.Equal(t, "f\"a\" 1 1\nf\"z\" 9 9\n", got)
}

// Without a cursor the emitter degrades to plain writing.
func TestEmitterNoCursor(t *testing.T) {
	got := emitList(t, "", func(e *Emitter) {
		require.NoError(t, e.EmitDirOpen(&storage.FileAndHash{Name: "a", IsDir: true}, nil))
		require.NoError(t, e.EmitFile(&storage.FileAndHash{Name: "x", Size: 10, ChangeIndicator: 100}, nil))
		require.NoError(t, e.EmitDirClose())
	})
	assert.Equal(t, "d\"a\"\nf\"x\" 10 100\nd\"..\"\n", got)
}
