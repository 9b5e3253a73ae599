package elf

import (
	"bytes"
	"debug/elf"
	"io"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// SymbolReader reads entries out of an ELF string table, demangling on the
// way out. Implemented by both in-memory and file-backed ELF files so a
// minidebug symbol index can keep reading names from its parent file.
type SymbolReader interface {
	getString(start int, demangleOptions []demangle.Option) (string, bool)
}

// File is a parsed ELF header plus section/program header tables, detached
// from debug/elf so the backing reader can be closed and swapped.
type File struct {
	elf.FileHeader
	Sections []elf.SectionHeader
	Progs    []elf.ProgHeader

	reader      io.ReaderAt
	stringCache map[int]string
}

func NewFile(r io.ReaderAt) (*File, error) {
	res := &File{reader: r}
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	res.FileHeader = ef.FileHeader
	res.Progs = make([]elf.ProgHeader, len(ef.Progs))
	for i := range ef.Progs {
		res.Progs[i] = ef.Progs[i].ProgHeader
	}
	res.Sections = make([]elf.SectionHeader, len(ef.Sections))
	for i := range ef.Sections {
		res.Sections[i] = ef.Sections[i].SectionHeader
	}
	return res, nil
}

func (f *File) Section(name string) *elf.SectionHeader {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

func (f *File) sectionByType(typ elf.SectionType) *elf.SectionHeader {
	for i := range f.Sections {
		if f.Sections[i].Type == typ {
			return &f.Sections[i]
		}
	}
	return nil
}

func (f *File) SectionData(s *elf.SectionHeader) ([]byte, error) {
	res := make([]byte, s.Size)
	if _, err := f.reader.ReadAt(res, int64(s.Offset)); err != nil {
		return nil, err
	}
	return res, nil
}

// getString extracts a NUL-terminated string from the string table at start.
func (f *File) getString(start int, demangleOptions []demangle.Option) (string, bool) {
	if s, ok := f.stringCache[start]; ok {
		return s, true
	}
	const chunk = 128
	var buf [chunk]byte
	sb := strings.Builder{}
	for i := 0; i < 10; i++ {
		n, err := f.reader.ReadAt(buf[:], int64(start+i*chunk))
		if n == 0 && err != nil {
			return "", false
		}
		idx := bytes.IndexByte(buf[:n], 0)
		if idx < 0 {
			// a short read without a terminator means the table ends mid-string
			if err != nil {
				return "", false
			}
			sb.Write(buf[:n])
			continue
		}
		sb.Write(buf[:idx])
		s := sb.String()
		if len(demangleOptions) > 0 {
			s = demangle.Filter(s, demangleOptions...)
		}
		if f.stringCache == nil {
			f.stringCache = make(map[int]string)
		}
		f.stringCache[start] = s
		return s, true
	}
	return "", false
}
