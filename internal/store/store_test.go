package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDocumentPutGetFlushReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.json")

	doc, err := Open[widget](path)
	require.NoError(t, err)

	doc.Put("a", widget{Name: "alpha", Count: 1})
	doc.Put("b", widget{Name: "beta", Count: 2})
	require.NoError(t, doc.Flush())

	reloaded, err := Open[widget](path)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())

	got, ok := reloaded.Get("a")
	require.True(t, ok)
	require.Equal(t, "alpha", got.Name)
}

func TestDocumentOpenMissingFileIsFreshStart(t *testing.T) {
	doc, err := Open[widget](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, 0, doc.Len())
}

func TestDocumentDeleteIsReflectedAfterFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.json")

	doc, err := Open[widget](path)
	require.NoError(t, err)
	doc.Put("a", widget{Name: "alpha"})
	doc.Delete("a")
	require.NoError(t, doc.Flush())

	reloaded, err := Open[widget](path)
	require.NoError(t, err)
	require.Equal(t, 0, reloaded.Len())
}

func TestLRUEvictsOldest(t *testing.T) {
	c := NewLRU[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a"

	_, ok := c.Get("a")
	require.False(t, ok)

	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
}
