package config

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("a.b.c", "hello"))

	v, ok := c.Get("a.b.c")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	require.NoError(t, c.Set("a.b.c", "world"))
	v, ok = c.Get("a.b.c")
	require.True(t, ok)
	assert.Equal(t, "world", v)
}

func TestGetAbsentPath(t *testing.T) {
	c := New()
	_, ok := c.Get("missing.path")
	assert.False(t, ok)
}

func TestCallbackLeafRecomputesOnRead(t *testing.T) {
	c := New()
	n := 0
	require.NoError(t, c.SetFunc("info.seq", func() string {
		n++
		return "seq-" + string(rune('0'+n))
	}))

	v1, ok := c.Get("info.seq")
	require.True(t, ok)
	v2, ok := c.Get("info.seq")
	require.True(t, ok)
	assert.NotEqual(t, v1, v2)
}

func TestSymbolicLinkResolution(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("storage.url", "file:///tmp/x"))
	require.NoError(t, c.SetLink("alias", "storage/url"))

	v, ok := c.Get("alias")
	require.True(t, ok)
	assert.Equal(t, "file:///tmp/x", v)
}

func TestSymbolicLinkAscending(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("a.target", "value"))
	require.NoError(t, c.SetLink("a.b.link", "../target"))

	v, ok := c.Get("a.b.link")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestSymbolicLinkRejectsEmptyAndNonAscending(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("a.target", "v"))

	err := c.SetLink("bad1", "")
	assert.Error(t, err)

	err = c.SetLink("bad2", "a/../target")
	assert.Error(t, err)
}

func TestSymbolicLinkCycleFails(t *testing.T) {
	c := New()
	require.NoError(t, c.SetLink("a", "b"))
	require.NoError(t, c.SetLink("b", "a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestMergeOverwriteSemantics(t *testing.T) {
	dst := New()
	require.NoError(t, dst.Set("a.b", "dst"))

	src := New()
	require.NoError(t, src.Set("a.b", "src"))
	require.NoError(t, src.Set("a.c", "src-only"))

	dst.Merge(src, false)
	v, _ := dst.Get("a.b")
	assert.Equal(t, "dst", v, "overwrite=false keeps existing value")
	v, _ = dst.Get("a.c")
	assert.Equal(t, "src-only", v)

	dst.Merge(src, true)
	v, _ = dst.Get("a.b")
	assert.Equal(t, "src", v, "overwrite=true replaces existing value")
}

func TestBrowseDoubleStarVisitsEveryValueOnce(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("a.b", "1"))
	require.NoError(t, c.Set("a.c", "2"))
	require.NoError(t, c.Set("x.y.z", "3"))

	var got []string
	err := c.Browse("**", func(v Visit) error {
		got = append(got, v.Path)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, []string{"a.b", "a.c", "x.y.z"}, got)
}

func TestBrowseSingleStarMatchesOneSegment(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("a.b", "1"))
	require.NoError(t, c.Set("a.c", "2"))
	require.NoError(t, c.Set("a.d.e", "3"))

	var got []string
	err := c.Browse("a.*", func(v Visit) error {
		got = append(got, v.Path)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(got)
	assert.Equal(t, []string{"a.b", "a.c"}, got)
}

func TestSetSubPublishesSubtree(t *testing.T) {
	parent := New()
	child := New()
	require.NoError(t, child.Set("url", "tcp://host:1"))

	require.NoError(t, parent.SetSub("children.tcp", child))

	v, ok := parent.Get("children.tcp.url")
	require.True(t, ok)
	assert.Equal(t, "tcp://host:1", v)
}
