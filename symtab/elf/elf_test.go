package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// hand-assembled ELF images so the tests do not depend on prebuilt testdata
// binaries

type elf64Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type elf64Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func writeElf(t *testing.T, parts ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range parts {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, p))
	}
	return buf.Bytes()
}

// buildSymtabElf assembles an executable with two functions in .symtab. The
// .strtab is placed last in the file with no padding after it, so resolving
// the final name exercises the short-read path at EOF.
func buildSymtabElf(t *testing.T) []byte {
	t.Helper()
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strtab := []byte("\x00iter_next\x00main_loop\x00")

	const (
		ehsize    = 64
		shentsize = 64
		shnum     = 5
		symSize   = 24
	)
	shstrOff := uint64(ehsize)
	symOff := shstrOff + uint64(len(shstrtab))
	shOff := symOff + 3*symSize
	strOff := shOff + shnum*shentsize

	ehdr := elf64Ehdr{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     shOff,
		Ehsize:    ehsize,
		Phentsize: 56,
		Shentsize: shentsize,
		Shnum:     shnum,
		Shstrndx:  4,
	}
	copy(ehdr.Ident[:], "\x7fELF")
	ehdr.Ident[4] = byte(elf.ELFCLASS64)
	ehdr.Ident[5] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[6] = 1

	funcInfo := uint8(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC))
	syms := []elf64Sym{
		{},
		{Name: 1, Info: funcInfo, Shndx: 1, Value: 0x1000},  // iter_next
		{Name: 11, Info: funcInfo, Shndx: 1, Value: 0x2000}, // main_loop
	}
	shdrs := []elf64Shdr{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), Addr: 0x1000, Addralign: 16},
		{Name: 7, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: 3 * symSize, Link: 3, Entsize: symSize, Addralign: 8},
		{Name: 15, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(strtab)), Addralign: 1},
		{Name: 23, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}
	return writeElf(t, ehdr, shstrtab, syms, shdrs, strtab)
}

func writeTestElf(t *testing.T, data []byte) string {
	t.Helper()
	fpath := filepath.Join(t.TempDir(), "elf")
	require.NoError(t, os.WriteFile(fpath, data, 0o600))
	return fpath
}

func TestSymbolTableResolve(t *testing.T) {
	fpath := writeTestElf(t, buildSymtabElf(t))
	me, err := NewMMapedElfFile(fpath)
	require.NoError(t, err)
	defer me.Close()

	st, err := me.NewSymbolTable(&SymbolsOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, st.Size())

	require.Equal(t, "iter_next", st.Resolve(0x1000))
	require.Equal(t, "iter_next", st.Resolve(0x1fff))
	require.Equal(t, "", st.Resolve(0xfff))
}

func TestSymbolTableNameAtEOF(t *testing.T) {
	fpath := writeTestElf(t, buildSymtabElf(t))
	me, err := NewMMapedElfFile(fpath)
	require.NoError(t, err)
	defer me.Close()

	st, err := me.NewSymbolTable(&SymbolsOptions{})
	require.NoError(t, err)

	// the last string table entry ends exactly at the end of the file
	require.Equal(t, "main_loop", st.Resolve(0x2000))
}

func TestSymbolTableResolveAfterClose(t *testing.T) {
	fpath := writeTestElf(t, buildSymtabElf(t))
	me, err := NewMMapedElfFile(fpath)
	require.NoError(t, err)

	st, err := me.NewSymbolTable(&SymbolsOptions{})
	require.NoError(t, err)

	cold := []string{st.Resolve(0x1000), st.Resolve(0x2000), st.Resolve(0xfff)}

	// dropping the descriptor must not change resolution, the file is
	// reopened lazily
	st.Cleanup()
	require.False(t, st.IsDead())
	warm := []string{st.Resolve(0x1000), st.Resolve(0x2000), st.Resolve(0xfff)}
	require.Equal(t, cold, warm)
}

func TestSymbolTableDeadAfterFileRemoved(t *testing.T) {
	fpath := writeTestElf(t, buildSymtabElf(t))
	me, err := NewMMapedElfFile(fpath)
	require.NoError(t, err)

	st, err := me.NewSymbolTable(&SymbolsOptions{})
	require.NoError(t, err)
	require.Equal(t, "iter_next", st.Resolve(0x1000))

	st.Cleanup()
	require.NoError(t, os.Remove(fpath))

	require.Equal(t, "", st.Resolve(0x1000))
	require.True(t, st.IsDead())
}
