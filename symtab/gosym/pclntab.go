// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Derived from go1.20.5 debug/gosym/pclntab.go: function-name resolution
// only, reading through PCLNData instead of a resident []byte, and producing
// a FlatFuncIndex instead of []Func.

package gosym

import (
	"encoding/binary"
	"sync"
)

// version of the pclntab
type version int

const (
	verUnknown version = iota
	ver11
	ver12
	ver116
	ver118
	ver120
)

// A LineTable is the in-binary runtime function table. Only the pieces needed
// to map a PC to a function name are parsed.
type LineTable struct {
	PCLNData PCLNData
	PC       uint64

	// keeps parsing of pclntab synchronous
	mu sync.Mutex

	version version

	binary            binary.ByteOrder
	quantum           uint32
	ptrsize           uint32
	textStart         uint64 // address of runtime.text symbol (1.18+)
	funcdataOffset    uint64
	functabOffset     uint64
	nfunctab          uint32
	funcnametabOffset uint64
	failed            bool
	tmpbuf            [8]uint8
}

// NewLineTable returns a new PC table corresponding to the encoded data.
// Text must be the start address of the corresponding text segment.
func NewLineTable(data []byte, text uint64) *LineTable {
	return &LineTable{PCLNData: &MemPCLNData{data}, PC: text}
}

func NewLineTableStreaming(data PCLNData, text uint64) *LineTable {
	return &LineTable{PCLNData: data, PC: text}
}

// Go 1.2 symbol table format.
// See golang.org/s/go12symtab.
//
// Rather than try to avoid index out of bounds errors, we trust Go to detect
// them, recover from the panics and treat them as indicative of a malformed
// or incomplete table.

// IsGo12 reports whether this is a Go 1.2 (or later) symbol table.
func (t *LineTable) IsGo12() bool {
	t.parsePclnTab()
	return t.version >= ver12
}

const (
	go12magic  = 0xfffffffb
	go116magic = 0xfffffffa
	go118magic = 0xfffffff0
	go120magic = 0xfffffff1
)

// uintptrAt returns the pointer-sized value encoded at at.
// The pointer size is dictated by the table being read.
func (t *LineTable) uintptrAt(at int) uint64 {
	tmpbuf := t.tmpbuf[:t.ptrsize]
	_ = t.PCLNData.ReadAt(tmpbuf, at)
	if t.ptrsize == 4 {
		return uint64(t.binary.Uint32(tmpbuf))
	}
	return t.binary.Uint64(tmpbuf)
}

// parsePclnTab parses the pclntab, setting the version.
func (t *LineTable) parsePclnTab() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.version != verUnknown {
		return
	}

	// Setting the version is the last thing we do: error paths through this
	// code default the version to 1.1 (unsupported).
	t.version = ver11

	if !disableRecover {
		defer func() {
			// If we panic parsing, assume it's a Go 1.1 pclntab.
			if r := recover(); r != nil {
				t.failed = true
			}
		}()
	}
	header := make([]byte, 16)
	err := t.PCLNData.ReadAt(header, 0)
	if err != nil {
		return
	}

	// Check header: 4-byte magic, two zeros, pc quantum, pointer size.
	if header[4] != 0 || header[5] != 0 ||
		(header[6] != 1 && header[6] != 2 && header[6] != 4) || // pc quantum
		(header[7] != 4 && header[7] != 8) { // pointer size
		return
	}

	var possibleVersion version
	leMagic := binary.LittleEndian.Uint32(header)
	beMagic := binary.BigEndian.Uint32(header)
	switch {
	case leMagic == go12magic:
		t.binary, possibleVersion = binary.LittleEndian, ver12
	case beMagic == go12magic:
		t.binary, possibleVersion = binary.BigEndian, ver12
	case leMagic == go116magic:
		t.binary, possibleVersion = binary.LittleEndian, ver116
	case beMagic == go116magic:
		t.binary, possibleVersion = binary.BigEndian, ver116
	case leMagic == go118magic:
		t.binary, possibleVersion = binary.LittleEndian, ver118
	case beMagic == go118magic:
		t.binary, possibleVersion = binary.BigEndian, ver118
	case leMagic == go120magic:
		t.binary, possibleVersion = binary.LittleEndian, ver120
	case beMagic == go120magic:
		t.binary, possibleVersion = binary.BigEndian, ver120
	default:
		return
	}
	t.version = possibleVersion

	// quantum and ptrSize are the same between 1.2, 1.16, and 1.18
	t.quantum = uint32(header[6])
	t.ptrsize = uint32(header[7])

	offset := func(word uint32) uint64 {
		at := 8 + word*t.ptrsize
		return t.uintptrAt(int(at))
	}
	switch possibleVersion {
	case ver118, ver120:
		t.nfunctab = uint32(offset(0))
		t.textStart = t.PC // use the start PC instead of reading from the table, which may be unrelocated
		t.funcnametabOffset = offset(3)
		t.funcdataOffset = offset(7)
		t.functabOffset = offset(7)
	case ver116:
		t.nfunctab = uint32(offset(0))
		t.funcnametabOffset = offset(2)
		t.funcdataOffset = offset(6)
		t.functabOffset = offset(6)
	case ver12:
		t.nfunctab = uint32(t.uintptrAt(8))
		t.funcdataOffset = 0
		t.funcnametabOffset = 0
		t.functabOffset = uint64(8 + t.ptrsize)
	default:
		panic("unreachable")
	}
}

// FlatFuncIndex is the flattened function table: Entry is the sorted array of
// function entry addresses for binary search, Name holds offsets into
// funcnametab (located in the pclntab section), End is the address one past
// the last function.
type FlatFuncIndex struct {
	Entry PCIndex
	Name  []uint32
	End   uint64
}

// Go12Funcs returns the function index derived from the Go 1.2+ pcln table.
func (t *LineTable) Go12Funcs() (res FlatFuncIndex) {
	// Assume it is malformed and return nothing on error.
	if !disableRecover {
		defer func() {
			if r := recover(); r != nil {
				res = FlatFuncIndex{}
			}
		}()
	}

	ft := t.funcTab()
	nfunc := ft.Count()
	res = FlatFuncIndex{
		Entry: NewPCIndex(nfunc),
		Name:  make([]uint32, nfunc),
	}
	funcDatas := make([]uint64, nfunc)
	for i := 0; i < nfunc; i++ {
		res.Entry.Set(i, ft.pc(i))
		res.End = ft.pc(i + 1)
		funcDatas[i] = t.funcTab().funcOff(i)
	}
	for i := 0; i < nfunc; i++ {
		info := funcData{t: t, dataOffset: funcDatas[i]}
		res.Name[i] = info.nameOff()
	}
	return
}

// functabFieldSize returns the size in bytes of a single functab field.
func (t *LineTable) functabFieldSize() int {
	if t.version >= ver118 {
		return 4
	}
	return int(t.ptrsize)
}

func (t *LineTable) funcTab() funcTab {
	return funcTab{LineTable: t, sz: t.functabFieldSize()}
}

// funcTab is memory corresponding to a slice of functab structs, followed by
// an invalid PC. A functab struct is a PC and a func offset.
type funcTab struct {
	*LineTable
	sz int // cached result of t.functabFieldSize
}

func (f funcTab) Count() int {
	return int(f.nfunctab)
}

// pc returns the PC of the i'th func in f.
func (f funcTab) pc(i int) uint64 {
	u := f.uintAt(int(f.functabOffset) + 2*i*f.sz)
	if f.version >= ver118 {
		u += f.textStart
	}
	return u
}

// funcOff returns the funcdata offset of the i'th func in f.
func (f funcTab) funcOff(i int) uint64 {
	return f.uintAt(int(f.functabOffset) + (2*i+1)*f.sz)
}

func (f funcTab) uintAt(at int) uint64 {
	tmpbuf := f.tmpbuf[:f.sz]
	_ = f.PCLNData.ReadAt(tmpbuf, at)
	if f.sz == 4 {
		return uint64(f.binary.Uint32(tmpbuf))
	}
	return f.binary.Uint64(tmpbuf)
}

// funcData is memory corresponding to an _func struct.
type funcData struct {
	t          *LineTable
	dataOffset uint64 // offset into funcdata
}

func (f funcData) nameOff() uint32 { return f.field(1) }

// field returns the nth field of the _func struct, n in [1, 9].
func (f funcData) field(n uint32) uint32 {
	if n == 0 || n > 9 {
		panic("bad funcdata field")
	}
	// In Go 1.18, the first field of _func changed
	// from a uintptr entry PC to a uint32 entry offset.
	sz0 := f.t.ptrsize
	if f.t.version >= ver118 {
		sz0 = 4
	}
	off := sz0 + (n-1)*4 // subsequent fields are 4 bytes each
	dataOffset := f.dataOffset + f.t.funcdataOffset + uint64(off)
	data := f.t.tmpbuf[:4]
	_ = f.t.PCLNData.ReadAt(data, int(dataOffset))
	return f.t.binary.Uint32(data)
}

func (t *LineTable) IsFailed() bool {
	return t.failed
}

// FuncNameOffset exposes where funcnametab starts inside the pclntab section,
// so callers can read names straight from the file.
func (t *LineTable) FuncNameOffset() uint64 {
	return t.funcnametabOffset
}

// disableRecover causes this package not to swallow panics.
// This is useful when making changes.
const disableRecover = false
