//go:build linux

package elf

import (
	"debug/elf"
	"debug/gosym"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func selfPclntab(t *testing.T) *gosym.Table {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := elf.Open(exe)
	require.NoError(t, err)
	defer f.Close()

	text := f.Section(".text")
	require.NotNil(t, text)
	pclntab := f.Section(".gopclntab")
	if pclntab == nil {
		pclntab = f.Section(".data.rel.ro.gopclntab")
	}
	require.NotNil(t, pclntab)
	data, err := pclntab.Data()
	require.NoError(t, err)
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	require.NoError(t, err)
	return tab
}

// TestGoTableSelf checks pclntab resolution of the running test binary against
// the standard library parser.
func TestGoTableSelf(t *testing.T) {
	tab := selfPclntab(t)

	exe, err := os.Executable()
	require.NoError(t, err)
	me, err := NewMMapedElfFile(exe)
	require.NoError(t, err)
	defer me.Close()

	goTable, err := me.NewGoTable()
	require.NoError(t, err)
	require.Equal(t, len(tab.Funcs), goTable.Size())

	checked := 0
	for i := range tab.Funcs {
		fn := &tab.Funcs[i]
		// entries shared with a neighbor are ambiguous, either name is fine
		if i > 0 && tab.Funcs[i-1].Entry == fn.Entry {
			continue
		}
		if i+1 < len(tab.Funcs) && tab.Funcs[i+1].Entry == fn.Entry {
			continue
		}
		if fn.End <= fn.Entry || len(fn.Name) > 512 {
			continue
		}
		require.Equal(t, fn.Name, goTable.Resolve(fn.Entry), "entry %x", fn.Entry)
		require.Equal(t, fn.Name, goTable.Resolve(fn.End-1), "end %x", fn.End)
		checked++
	}
	require.Greater(t, checked, 100)

	// out of range on both sides
	require.Equal(t, "", goTable.Resolve(goTable.Index.Entry.Value(0)-1))
	require.Equal(t, "", goTable.Resolve(goTable.Index.End))
}

// TestGoTableResolveAfterClose verifies that dropping the descriptor between
// rounds does not change what addresses resolve to.
func TestGoTableResolveAfterClose(t *testing.T) {
	tab := selfPclntab(t)
	require.NotEmpty(t, tab.Funcs)
	var fn *gosym.Func
	for i := len(tab.Funcs) / 2; i < len(tab.Funcs)-1; i++ {
		c := &tab.Funcs[i]
		if c.End > c.Entry && tab.Funcs[i+1].Entry != c.Entry && tab.Funcs[i-1].Entry != c.Entry {
			fn = c
			break
		}
	}
	require.NotNil(t, fn)

	exe, err := os.Executable()
	require.NoError(t, err)
	me, err := NewMMapedElfFile(exe)
	require.NoError(t, err)

	goTable, err := me.NewGoTable()
	require.NoError(t, err)
	require.Equal(t, fn.Name, goTable.Resolve(fn.Entry))

	goTable.Cleanup()
	require.False(t, goTable.IsDead())
	require.Equal(t, fn.Name, goTable.Resolve(fn.Entry))
}
