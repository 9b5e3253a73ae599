package symtab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymTab(t *testing.T) {
	sym := NewSymbolTab([]Symbol{
		{Start: 0x1000, Name: "0x1000"},
		{Start: 0x1200, Name: "0x1200"},
		{Start: 0x1300, Name: "0x1300"},
	})
	expect := func(t *testing.T, expected string, at uint64) {
		resolved := sym.Resolve(at)
		require.Equal(t, expected, resolved.Name)
	}
	bases := []uint64{0, 0x4000}
	for _, base := range bases {
		sym.Rebase(base)
		expect(t, "", base+0xef)
		expect(t, "0x1000", base+0x1000)
		expect(t, "0x1000", base+0x1100)
		expect(t, "0x1200", base+0x1200)
		expect(t, "0x1200", base+0x12ff)
		expect(t, "0x1300", base+0x1300)
		expect(t, "0x1300", base+0x2000)
	}
}

func TestKallsymsParse(t *testing.T) {
	data := []byte(`ffffffff81000000 T _text
ffffffff81001000 t secondary_startup_64
ffffffff81002000 D some_data
ffffffff81003000 T do_sys_open
ffffffffc0000000 t bpf_prog_run	[bpf]
`)
	tab, err := NewKallsymsFromData(data)
	require.NoError(t, err)

	s := tab.Resolve(0xffffffff81003042)
	require.Equal(t, "do_sys_open", s.Name)
	require.Equal(t, "kernel", s.Module)

	s = tab.Resolve(0xffffffffc0000123)
	require.Equal(t, "bpf_prog_run", s.Name)
	require.Equal(t, "bpf", s.Module)

	// data symbols are skipped, the range belongs to the previous text symbol
	s = tab.Resolve(0xffffffff81002500)
	require.Equal(t, "secondary_startup_64", s.Name)
}

func TestKallsymsAllZeros(t *testing.T) {
	data := []byte(`0000000000000000 T _text
0000000000000000 T do_sys_open
`)
	tab, err := NewKallsymsFromData(data)
	require.NoError(t, err)
	require.Equal(t, 0, tab.Length())
}
