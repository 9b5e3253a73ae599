package elf

import (
	"debug/elf"
	"fmt"

	"github.com/rlaisqls/ebpf-monitoring/symtab/gosym"
)

// GoTable resolves addresses through the Go runtime's pclntab. Go binaries
// are routinely stripped of .symtab, but the runtime table survives stripping
// and covers every Go function. Entry addresses are indexed up front; names
// are read from the file on demand.
type GoTable struct {
	Index          gosym.FlatFuncIndex
	File           *MMapedElfFile
	gopclnSection  elf.SectionHeader
	funcNameOffset uint64
}

func (g *GoTable) IsDead() bool {
	return g.File.err != nil
}

func (g *GoTable) Size() int {
	return g.Index.Entry.Length()
}

func (g *GoTable) Refresh() {}

func (g *GoTable) Cleanup() {
	g.File.Close()
}

func (g *GoTable) DebugInfo() SymTabDebugInfo {
	return SymTabDebugInfo{
		Name: fmt.Sprintf("GoTable %p", g),
		Size: g.Index.Entry.Length(),
		File: g.File.fpath,
	}
}

func (g *GoTable) Resolve(addr uint64) string {
	if g.Index.Entry.Length() == 0 {
		return ""
	}
	if addr >= g.Index.End {
		return ""
	}
	i := g.Index.Entry.FindIndex(addr)
	if i == -1 {
		return ""
	}
	name, _ := g.goSymbolName(i)
	return name
}

func (g *GoTable) goSymbolName(idx int) (string, error) {
	nameOffset := g.Index.Name[idx]
	// funcnametab lives inside the pclntab section, file offset relative
	name, ok := g.File.getString(int(g.gopclnSection.Offset+g.funcNameOffset+uint64(nameOffset)), nil)
	if !ok {
		return "", fmt.Errorf("go table name %d not found", nameOffset)
	}
	return name, nil
}

var (
	errGoTooOld       = fmt.Errorf("go symtab too old")
	errGoFailed       = fmt.Errorf("go symtab parsing failed")
	errGoPCLNNotFound = fmt.Errorf("no gopclntab section")
	errGoNoFuncs      = fmt.Errorf("no symbols in the go symtab")
)

func (f *MMapedElfFile) NewGoTable() (*GoTable, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	text := f.Section(".text")
	if text == nil {
		return nil, errGoPCLNNotFound
	}
	pclntab := f.Section(".gopclntab")
	if pclntab == nil {
		// PIE binaries built with the external linker
		pclntab = f.Section(".data.rel.ro.gopclntab")
	}
	if pclntab == nil {
		return nil, errGoPCLNNotFound
	}
	pclntabData := gosym.NewFilePCLNData(f.fd, int(pclntab.Offset))
	pcln := gosym.NewLineTableStreaming(pclntabData, text.Addr)
	if !pcln.IsGo12() {
		return nil, errGoTooOld
	}
	funcs := pcln.Go12Funcs()
	if pcln.IsFailed() {
		return nil, errGoFailed
	}
	if funcs.Entry.Length() == 0 || len(funcs.Name) == 0 {
		return nil, errGoNoFuncs
	}
	return &GoTable{
		Index:          funcs,
		File:           f,
		gopclnSection:  *pclntab,
		funcNameOffset: pcln.FuncNameOffset(),
	}, nil
}

// GoTableWithFallback consults the pclntab first and falls back to the ELF
// symbol table, which still knows the cgo and assembly entry points the
// runtime table does not cover.
type GoTableWithFallback struct {
	GoTable  *GoTable
	SymTable *SymbolTable
}

func (g *GoTableWithFallback) IsDead() bool {
	return g.GoTable.File.err != nil
}

func (g *GoTableWithFallback) Size() int {
	return g.GoTable.Size() + g.SymTable.Size()
}

func (g *GoTableWithFallback) Refresh() {}

func (g *GoTableWithFallback) Cleanup() {
	g.GoTable.Cleanup()
	g.SymTable.Cleanup() // same file, close is idempotent
}

func (g *GoTableWithFallback) DebugInfo() SymTabDebugInfo {
	return SymTabDebugInfo{
		Name: fmt.Sprintf("GoTableWithFallback %p", g),
		Size: g.Size(),
		File: g.GoTable.File.fpath,
	}
}

func (g *GoTableWithFallback) Resolve(addr uint64) string {
	name := g.GoTable.Resolve(addr)
	if name != "" {
		return name
	}
	return g.SymTable.Resolve(addr)
}
