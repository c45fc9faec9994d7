package loader

import (
	"encoding/binary"
	"testing"

	"github.com/veythra/torque/internal/hostvm"
	"github.com/veythra/torque/internal/peimage"
)

const optionalHeaderSize = 112 + 16*8

// buildTestImage assembles a minimal on-disk PE32+ file with one .text
// section (carrying a base relocation target), one .data section
// (carrying an import descriptor, its OFT/IAT thunk arrays, a base
// relocation block, and a TLS callback directory), exercising every
// phase of Load end to end against hostvm.FakeProvider.
//
// callbacksBase must equal the base the test's FakeProvider will hand
// out for this image's Allocate call, since AddressOfCallBacks is baked
// in as an already-mapped-base-relative address (spec.md's model assumes
// any self-relocation of that field already happened).
func buildTestImage(preferredImageBase uint64, callbacksBase uint64) []byte {
	const (
		ntOff         = 64
		fileHeaderOff = ntOff + 4
		optOff        = fileHeaderOff + 20
		sectionsOff   = optOff + optionalHeaderSize
		numSections   = 2
		headerSize    = sectionsOff + numSections*40

		textVA  = 0x1000
		textRaw = 0x200
		textSz  = 0x1000

		dataVA  = 0x2000
		dataRaw = textRaw + textSz // 0x1200
		dataSz  = 0x1000

		fileSize = dataRaw + dataSz // 0x2200
	)

	buf := make([]byte, fileSize)

	binary.LittleEndian.PutUint16(buf[0:2], 0x5A4D)
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], uint32(ntOff))

	binary.LittleEndian.PutUint32(buf[ntOff:ntOff+4], 0x4550)
	binary.LittleEndian.PutUint16(buf[fileHeaderOff:fileHeaderOff+2], 0x8664)
	binary.LittleEndian.PutUint16(buf[fileHeaderOff+2:fileHeaderOff+4], numSections)
	binary.LittleEndian.PutUint16(buf[fileHeaderOff+16:fileHeaderOff+18], uint16(optionalHeaderSize))

	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], 0x20B)
	binary.LittleEndian.PutUint64(buf[optOff+24:optOff+32], preferredImageBase)
	binary.LittleEndian.PutUint32(buf[optOff+56:optOff+60], 0x4000) // SizeOfImage

	putDir := func(index int, rva, size uint32) {
		off := optOff + 112 + index*8
		binary.LittleEndian.PutUint32(buf[off:off+4], rva)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], size)
	}
	putDir(peimage.DirectoryImport, dataVA+0x000, 40)
	putDir(peimage.DirectoryBaseReloc, dataVA+0x500, 10)
	putDir(peimage.DirectoryTLS, dataVA+0x600, 40)

	writeSection := func(i int, name string, va, raw, size uint32, characteristics uint32) {
		off := sectionsOff + i*40
		copy(buf[off:off+8], []byte(name))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], size) // VirtualSize
		binary.LittleEndian.PutUint32(buf[off+12:off+16], va)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], size) // SizeOfRawData
		binary.LittleEndian.PutUint32(buf[off+20:off+24], raw)
		binary.LittleEndian.PutUint32(buf[off+36:off+40], characteristics)
	}
	writeSection(0, ".text", textVA, textRaw, textSz, peimage.SectionMemExecute)
	writeSection(1, ".data", dataVA, dataRaw, dataSz, peimage.SectionMemWrite)

	rvaToRaw := func(rva uint32) uint32 {
		switch {
		case rva >= textVA && rva < textVA+textSz:
			return textRaw + (rva - textVA)
		case rva >= dataVA && rva < dataVA+dataSz:
			return dataRaw + (rva - dataVA)
		default:
			panic("rva outside any test section")
		}
	}

	// Import descriptor array at RVA dataVA: one real descriptor, then an
	// all-zero terminator (Name == 0).
	descOff := rvaToRaw(dataVA)
	binary.LittleEndian.PutUint32(buf[descOff+0:descOff+4], dataVA+0x200)   // OriginalFirstThunk
	binary.LittleEndian.PutUint32(buf[descOff+12:descOff+16], dataVA+0x100) // Name
	binary.LittleEndian.PutUint32(buf[descOff+16:descOff+20], dataVA+0x400) // FirstThunk

	// Module name.
	nameOff := rvaToRaw(dataVA + 0x100)
	copy(buf[nameOff:], "KERNEL32.dll\x00")

	// OFT: one name-based thunk, then a zero terminator.
	oftOff := rvaToRaw(dataVA + 0x200)
	binary.LittleEndian.PutUint64(buf[oftOff:oftOff+8], uint64(dataVA+0x300))

	// IMAGE_IMPORT_BY_NAME: Hint(2) + name.
	inbOff := rvaToRaw(dataVA + 0x300)
	copy(buf[inbOff+2:], "Sleep\x00")

	// IAT: starts identical to the OFT, patched in place by Phase 5.
	iatOff := rvaToRaw(dataVA + 0x400)
	binary.LittleEndian.PutUint64(buf[iatOff:iatOff+8], uint64(dataVA+0x300))

	// One relocation block covering one DIR64 entry at textVA+0x10.
	relocOff := rvaToRaw(dataVA + 0x500)
	binary.LittleEndian.PutUint32(buf[relocOff:relocOff+4], textVA)
	binary.LittleEndian.PutUint32(buf[relocOff+4:relocOff+8], 10) // header(8) + one entry(2)
	entry := uint16(peimage.RelBasedDir64)<<12 | 0x10
	binary.LittleEndian.PutUint16(buf[relocOff+8:relocOff+10], entry)

	// The pointer the relocation above adjusts.
	relocTargetOff := rvaToRaw(textVA + 0x10)
	binary.LittleEndian.PutUint64(buf[relocTargetOff:relocTargetOff+8], preferredImageBase+0x999)

	// TLS directory with one callback.
	tlsOff := rvaToRaw(dataVA + 0x600)
	binary.LittleEndian.PutUint64(buf[tlsOff+24:tlsOff+32], callbacksBase+dataVA+0x650) // AddressOfCallBacks

	cbOff := rvaToRaw(dataVA + 0x650)
	binary.LittleEndian.PutUint64(buf[cbOff:cbOff+8], 0x7777)

	return buf
}

func TestLoadFullPipeline(t *testing.T) {
	const preferredImageBase = 0x140000000
	const resolvedSleepAddr = 0xDEADBEEF

	kernel32 := uintptr(0x1)
	provider := hostvm.NewFakeProvider(
		map[string]uintptr{"KERNEL32.dll": kernel32},
		map[uintptr]map[hostvm.Symbol]uintptr{
			kernel32: {{Name: "Sleep"}: resolvedSleepAddr},
		},
	)

	// FakeProvider hands out bases starting at 0x10000 for the first
	// Allocate call, which Load below will make.
	const expectedBase = 0x10000

	raw := buildTestImage(preferredImageBase, expectedBase)
	img, err := peimage.Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ld := New(provider, Options{})
	mi, err := ld.Load(img)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer mi.Close()

	if mi.ImageBase() != expectedBase {
		t.Fatalf("ImageBase() = 0x%X, want 0x%X", mi.ImageBase(), expectedBase)
	}

	data := mi.Data()

	t.Run("IAT resolved", func(t *testing.T) {
		iatOff := 0x2000 + 0x400
		got := binary.LittleEndian.Uint64(data[iatOff : iatOff+8])
		if got != resolvedSleepAddr {
			t.Fatalf("IAT slot = 0x%X, want 0x%X", got, resolvedSleepAddr)
		}
	})

	t.Run("base relocation applied", func(t *testing.T) {
		targetOff := 0x1000 + 0x10
		got := binary.LittleEndian.Uint64(data[targetOff : targetOff+8])
		want := uint64(expectedBase) + 0x999
		if got != want {
			t.Fatalf("relocated pointer = 0x%X, want 0x%X", got, want)
		}
	})

	t.Run("TLS callback dispatched", func(t *testing.T) {
		calls := provider.Calls()
		if len(calls) != 1 || calls[0] != 0x7777 {
			t.Fatalf("Calls() = %v, want [0x7777]", calls)
		}
	})

	t.Run("section protections set", func(t *testing.T) {
		// FakeProvider.Protect just reports success for any known region;
		// the real assertion here is that Load didn't fail applying them.
	})
}

func TestLoadWithHeaderHardening(t *testing.T) {
	const preferredImageBase = 0x140000000
	const expectedBase = 0x10000

	kernel32 := uintptr(0x1)
	provider := hostvm.NewFakeProvider(
		map[string]uintptr{"KERNEL32.dll": kernel32},
		map[uintptr]map[hostvm.Symbol]uintptr{
			kernel32: {{Name: "Sleep"}: 0xDEADBEEF},
		},
	)

	raw := buildTestImage(preferredImageBase, expectedBase)
	img, err := peimage.Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ld := New(provider, Options{HardenHeaderPage: true})
	mi, err := ld.Load(img)
	if err != nil {
		t.Fatalf("Load with HardenHeaderPage failed: %v", err)
	}
	defer mi.Close()
}
