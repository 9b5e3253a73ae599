package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/ulikunitz/xz"

	"github.com/rlaisqls/ebpf-monitoring/symtab/gosym"
)

type SymbolsOptions struct {
	DemangleOptions []demangle.Option
}

// FlatIndex is the sorted address index of one binary's symbols. Names are
// 4-byte references into the source string tables rather than materialized
// strings; Links holds the string-table headers they point into.
type FlatIndex struct {
	Links  []elf.SectionHeader
	Names  []Name
	Values gosym.PCIndex
}

// SymbolTable resolves a module-relative address to a function name using the
// .symtab/.dynsym sections of one ELF file. Immutable after construction,
// safe for concurrent readers.
type SymbolTable struct {
	Index     FlatIndex
	File      *MMapedElfFile
	SymReader SymbolReader

	demangleOptions []demangle.Option
}

func (st *SymbolTable) IsDead() bool {
	return st.File.err != nil
}

func (st *SymbolTable) Size() int {
	return len(st.Index.Names)
}

func (st *SymbolTable) Refresh() {}

func (st *SymbolTable) Cleanup() {
	st.File.Close()
}

func (st *SymbolTable) Resolve(addr uint64) string {
	if len(st.Index.Names) == 0 {
		return ""
	}
	i := st.Index.Values.FindIndex(addr)
	if i == -1 {
		return ""
	}
	name, _ := st.symbolName(i)
	return name
}

func (st *SymbolTable) DebugInfo() SymTabDebugInfo {
	return SymTabDebugInfo{
		Name:          fmt.Sprintf("SymbolTable %p", st),
		Size:          len(st.Index.Names),
		File:          st.File.fpath,
		MiniDebugInfo: SymbolReader(st.File) != st.SymReader,
	}
}

func (st *SymbolTable) symbolName(idx int) (string, error) {
	link := &st.Index.Links[st.Index.Names[idx].LinkIndex()]
	nameIndex := st.Index.Names[idx].NameIndex()
	s, ok := st.SymReader.getString(int(nameIndex)+int(link.Offset), st.demangleOptions)
	if !ok {
		return "", fmt.Errorf("elf getString")
	}
	return s, nil
}

func (f *File) newSymbolTable(opt *SymbolsOptions, symReader SymbolReader, file *MMapedElfFile) (*SymbolTable, error) {
	sym, symStrtab, err := f.getSymbols(elf.SHT_SYMTAB, sectionTypeSym)
	if err != nil && !errors.Is(err, ErrNoSymbols) {
		return nil, err
	}
	dynsym, dynStrtab, err := f.getSymbols(elf.SHT_DYNSYM, sectionTypeDynSym)
	if err != nil && !errors.Is(err, ErrNoSymbols) {
		return nil, err
	}
	total := len(sym) + len(dynsym)
	if total == 0 {
		return nil, ErrNoSymbols
	}
	all := make([]SymbolIndex, 0, total)
	all = append(all, sym...)
	all = append(all, dynsym...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].Value == all[j].Value {
			return all[i].Name < all[j].Name
		}
		return all[i].Value < all[j].Value
	})

	res := &SymbolTable{
		Index: FlatIndex{
			// indexed by SectionLinkIndex: 0 = symtab, 1 = dynsym
			Links:  []elf.SectionHeader{symStrtab, dynStrtab},
			Names:  make([]Name, total),
			Values: gosym.NewPCIndex(total),
		},
		File:            file,
		SymReader:       symReader,
		demangleOptions: opt.DemangleOptions,
	}
	for i := range all {
		res.Index.Names[i] = all[i].Name
		res.Index.Values.Set(i, all[i].Value)
	}
	return res, nil
}

func (f *MMapedElfFile) NewSymbolTable(opt *SymbolsOptions) (*SymbolTable, error) {
	return f.File.newSymbolTable(opt, f, f)
}

// NewMiniDebugInfoSymbolTable parses the xz-compressed ELF image embedded in
// .gnu_debugdata, present on stripped distro binaries.
func (f *MMapedElfFile) NewMiniDebugInfoSymbolTable(opt *SymbolsOptions) (*SymbolTable, error) {
	sec := f.Section(".gnu_debugdata")
	if sec == nil {
		return nil, ErrNoSymbols
	}
	data, err := f.SectionData(sec)
	if err != nil {
		return nil, err
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var uncompressed bytes.Buffer
	if _, err = io.Copy(&uncompressed, r); err != nil {
		return nil, err
	}
	mini, err := NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, err
	}
	// names live in the minidebug image, not in the parent file
	return mini.newSymbolTable(opt, mini, f)
}

type SymTabDebugInfo struct {
	Name          string `river:"name,attr,optional"`
	Size          int    `river:"symbol_count,attr,optional"`
	File          string `river:"file,attr,optional"`
	MiniDebugInfo bool   `river:"mini_debug_info,attr,optional"`
	LastUsedRound int    `river:"last_used_round,attr,optional"`
}
