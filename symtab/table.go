package symtab

import (
	"sort"
)

// SymbolTab is a plain sorted symbol list, used for kallsyms and for tests.
type SymbolTab struct {
	symbols []Symbol
	base    uint64
}

type Symbol struct {
	Start  uint64
	Name   string
	Module string
}

// NewSymbolTab expects symbols sorted by Start.
func NewSymbolTab(symbols []Symbol) *SymbolTab {
	return &SymbolTab{symbols: symbols}
}

func (t *SymbolTab) Refresh() {}

func (t *SymbolTab) Cleanup() {}

func (t *SymbolTab) Length() int {
	return len(t.symbols)
}

func (t *SymbolTab) Rebase(base uint64) {
	t.base = base
}

func (t *SymbolTab) Resolve(addr uint64) Symbol {
	if len(t.symbols) == 0 {
		return Symbol{}
	}
	addr -= t.base
	if addr < t.symbols[0].Start {
		return Symbol{}
	}
	i := sort.Search(len(t.symbols), func(i int) bool {
		return addr < t.symbols[i].Start
	})
	i--
	return t.symbols[i]
}
