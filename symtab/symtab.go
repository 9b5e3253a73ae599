package symtab

import (
	"github.com/rlaisqls/ebpf-monitoring/symtab/elf"
)

// SymbolTable maps an instruction pointer to a Symbol. Implementations cache
// aggressively; Refresh is called once per profiling round and Cleanup when
// the owner releases file descriptors between rounds.
type SymbolTable interface {
	Refresh()
	Cleanup()
	Resolve(addr uint64) Symbol
}

// SymbolNameResolver resolves a module-relative address to a bare function
// name. IsDead reports that the backing file disappeared or changed, telling
// caches to drop the entry and reload.
type SymbolNameResolver interface {
	Refresh()
	Cleanup()
	DebugInfo() elf.SymTabDebugInfo
	IsDead() bool
	Resolve(addr uint64) string
}

type noopSymbolNameResolver struct{}

func (n *noopSymbolNameResolver) Refresh() {}

func (n *noopSymbolNameResolver) Cleanup() {}

func (n *noopSymbolNameResolver) DebugInfo() elf.SymTabDebugInfo {
	return elf.SymTabDebugInfo{Name: "noop"}
}

func (n *noopSymbolNameResolver) IsDead() bool {
	return false
}

func (n *noopSymbolNameResolver) Resolve(uint64) string {
	return ""
}
