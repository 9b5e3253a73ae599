package elf

import (
	"debug/elf"
	"errors"
	"fmt"
)

// symbols from .symtab and .dynsym

var ErrNoSymbols = errors.New("no symbols in ELF file")

type SymbolIndex struct {
	Name  Name
	Value uint64
}

// SectionLinkIndex distinguishes which string table a Name points into.
type SectionLinkIndex uint8

const (
	sectionTypeSym    SectionLinkIndex = 0
	sectionTypeDynSym SectionLinkIndex = 1
)

// Name packs a string-table offset and the table it belongs to into 4 bytes.
type Name uint32

func NewName(nameIndex uint32, linkIndex SectionLinkIndex) Name {
	return Name((nameIndex & 0x7fffffff) | uint32(linkIndex)<<31)
}

func (n Name) NameIndex() uint32 {
	return uint32(n) & 0x7fffffff
}

func (n Name) LinkIndex() SectionLinkIndex {
	return SectionLinkIndex(n >> 31)
}

func (f *File) getSymbols(typ elf.SectionType, link SectionLinkIndex) ([]SymbolIndex, elf.SectionHeader, error) {
	sec := f.sectionByType(typ)
	if sec == nil {
		return nil, elf.SectionHeader{}, ErrNoSymbols
	}
	if sec.Link <= 0 || sec.Link >= uint32(len(f.Sections)) {
		return nil, elf.SectionHeader{}, fmt.Errorf("section %s has invalid string table link", sec.Name)
	}
	strtab := f.Sections[sec.Link]

	data, err := f.SectionData(sec)
	if err != nil {
		return nil, elf.SectionHeader{}, fmt.Errorf("cannot load symbol section: %w", err)
	}

	var res []SymbolIndex
	switch f.Class {
	case elf.ELFCLASS64:
		res, err = f.parseSymbols64(data, link)
	case elf.ELFCLASS32:
		res, err = f.parseSymbols32(data, link)
	default:
		err = fmt.Errorf("unknown ELF class %v", f.Class)
	}
	if err != nil {
		return nil, elf.SectionHeader{}, err
	}
	return res, strtab, nil
}

func (f *File) parseSymbols64(data []byte, link SectionLinkIndex) ([]SymbolIndex, error) {
	const symSize = 24
	if len(data)%symSize != 0 {
		return nil, errors.New("length of symbol section is not a multiple of Sym64Size")
	}
	bo := f.ByteOrder
	var res []SymbolIndex
	// the first entry is the null symbol
	for off := symSize; off+symSize <= len(data); off += symSize {
		name := bo.Uint32(data[off : off+4])
		info := data[off+4]
		value := bo.Uint64(data[off+8 : off+16])
		if name == 0 || value == 0 {
			continue
		}
		if elf.ST_TYPE(info) != elf.STT_FUNC {
			continue
		}
		res = append(res, SymbolIndex{Name: NewName(name, link), Value: value})
	}
	return res, nil
}

func (f *File) parseSymbols32(data []byte, link SectionLinkIndex) ([]SymbolIndex, error) {
	const symSize = 16
	if len(data)%symSize != 0 {
		return nil, errors.New("length of symbol section is not a multiple of Sym32Size")
	}
	bo := f.ByteOrder
	var res []SymbolIndex
	for off := symSize; off+symSize <= len(data); off += symSize {
		name := bo.Uint32(data[off : off+4])
		value := bo.Uint32(data[off+4 : off+8])
		info := data[off+12]
		if name == 0 || value == 0 {
			continue
		}
		if elf.ST_TYPE(info) != elf.STT_FUNC {
			continue
		}
		res = append(res, SymbolIndex{Name: NewName(name, link), Value: uint64(value)})
	}
	return res, nil
}
