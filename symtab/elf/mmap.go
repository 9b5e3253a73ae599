package elf

import (
	"debug/elf"
	"fmt"
	"os"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/ianlancetaylor/demangle"
)

const elfReadCacheSize = 32 * 1024

// MMapedElfFile is a file-backed ELF image. The descriptor is opened lazily
// and may be dropped between profiling rounds (Close); any later read reopens
// it. A reopen failure marks the table dead so cached users reload.
type MMapedElfFile struct {
	File

	fpath string
	err   error
	fd    *os.File
}

func NewMMapedElfFile(fpath string) (*MMapedElfFile, error) {
	res := &MMapedElfFile{fpath: fpath}
	if err := res.ensureOpen(); err != nil {
		return nil, err
	}
	parsed, err := NewFile(res.File.reader)
	if err != nil {
		res.Close()
		return nil, err
	}
	res.File = *parsed
	return res, nil
}

func (f *MMapedElfFile) FilePath() string {
	return f.fpath
}

func (f *MMapedElfFile) ensureOpen() error {
	if f.fd != nil {
		return nil
	}
	if f.err != nil {
		return f.err
	}
	fd, err := os.Open(f.fpath)
	if err != nil {
		f.err = fmt.Errorf("open elf file %s: %w", f.fpath, err)
		return f.err
	}
	f.fd = fd
	f.File.reader = bufra.NewBufReaderAt(fd, elfReadCacheSize)
	return nil
}

func (f *MMapedElfFile) Close() {
	if f.fd != nil {
		_ = f.fd.Close()
		f.fd = nil
	}
	f.File.reader = nil
	f.stringCache = nil
}

func (f *MMapedElfFile) SectionData(s *elf.SectionHeader) ([]byte, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	return f.File.SectionData(s)
}

func (f *MMapedElfFile) getString(start int, demangleOptions []demangle.Option) (string, bool) {
	if err := f.ensureOpen(); err != nil {
		return "", false
	}
	return f.File.getString(start, demangleOptions)
}
