package elf

import (
	"debug/elf"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildNoteElf(t *testing.T, id []byte) []byte {
	t.Helper()
	shstrtab := []byte("\x00.note.gnu.build-id\x00.shstrtab\x00")

	note := writeElf(t,
		uint32(4),       // namesz, "GNU\x00"
		uint32(len(id)), // descsz
		uint32(3),       // NT_GNU_BUILD_ID
		[]byte("GNU\x00"),
		id,
	)

	const (
		ehsize    = 64
		shentsize = 64
		shnum     = 3
	)
	noteOff := uint64(ehsize)
	shstrOff := noteOff + uint64(len(note))
	shOff := shstrOff + uint64(len(shstrtab))

	ehdr := elf64Ehdr{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     shOff,
		Ehsize:    ehsize,
		Phentsize: 56,
		Shentsize: shentsize,
		Shnum:     shnum,
		Shstrndx:  2,
	}
	copy(ehdr.Ident[:], "\x7fELF")
	ehdr.Ident[4] = byte(elf.ELFCLASS64)
	ehdr.Ident[5] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[6] = 1

	shdrs := []elf64Shdr{
		{},
		{Name: 1, Type: uint32(elf.SHT_NOTE), Flags: uint64(elf.SHF_ALLOC), Off: noteOff, Size: uint64(len(note)), Addralign: 4},
		{Name: 20, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}
	return writeElf(t, ehdr, note, shstrtab, shdrs)
}

func TestGNUBuildID(t *testing.T) {
	id := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14,
	}
	fpath := writeTestElf(t, buildNoteElf(t, id))
	me, err := NewMMapedElfFile(fpath)
	require.NoError(t, err)
	defer me.Close()

	buildID, err := me.BuildID()
	require.NoError(t, err)
	require.True(t, buildID.GNU())
	require.Equal(t, hex.EncodeToString(id), buildID.ID)
}

func TestBuildIDMissing(t *testing.T) {
	fpath := writeTestElf(t, buildSymtabElf(t))
	me, err := NewMMapedElfFile(fpath)
	require.NoError(t, err)
	defer me.Close()

	_, err = me.BuildID()
	require.ErrorIs(t, err, ErrNoBuildIDSection)
}
