package mapped

import (
	"encoding/binary"
	"testing"

	"github.com/veythra/torque/internal/hostvm"
)

const optionalHeaderSize = 112 + 16*8

// buildMappedBuffer writes a minimal valid PE32+ header block directly
// into dst, as if Loader's header/section copy phases had already run.
func buildMappedBuffer(dst []byte, preferredBase uint64, sizeOfImage uint32) {
	ntOff := 64
	fileHeaderOff := ntOff + 4
	optOff := fileHeaderOff + 20

	binary.LittleEndian.PutUint16(dst[0:2], 0x5A4D)
	binary.LittleEndian.PutUint32(dst[0x3C:0x40], uint32(ntOff))

	binary.LittleEndian.PutUint32(dst[ntOff:ntOff+4], 0x4550)
	binary.LittleEndian.PutUint16(dst[fileHeaderOff:fileHeaderOff+2], 0x8664)
	binary.LittleEndian.PutUint16(dst[fileHeaderOff+2:fileHeaderOff+4], 0)
	binary.LittleEndian.PutUint16(dst[fileHeaderOff+16:fileHeaderOff+18], uint16(optionalHeaderSize))

	binary.LittleEndian.PutUint16(dst[optOff:optOff+2], 0x20B)
	binary.LittleEndian.PutUint64(dst[optOff+24:optOff+32], preferredBase)
	binary.LittleEndian.PutUint32(dst[optOff+56:optOff+60], sizeOfImage)

	// Import data directory (index 1) pointing at a nonzero RVA, to
	// exercise ImportDirectoryRVA().
	ddOff := optOff + 112 + 1*8
	binary.LittleEndian.PutUint32(dst[ddOff:ddOff+4], 0x2000)
	binary.LittleEndian.PutUint32(dst[ddOff+4:ddOff+8], 0x20)
}

func TestWrapPatchesImageBase(t *testing.T) {
	provider := hostvm.NewFakeProvider(nil, nil)
	base, err := provider.Allocate(0x3000)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	buildMappedBuffer(provider.Region(base), 0x140000000, 0x3000)

	img, err := Wrap(provider, base, 0x3000)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if img.ImageBase() != base {
		t.Fatalf("ImageBase() = 0x%X, want 0x%X", img.ImageBase(), base)
	}
	if img.NTHeaders().OptionalHeader.ImageBase != uint64(base) {
		t.Fatalf("NTHeaders().OptionalHeader.ImageBase = 0x%X, want 0x%X", img.NTHeaders().OptionalHeader.ImageBase, base)
	}

	// The live bytes must reflect the patch too, not just the in-struct copy.
	ntOff := int(img.DOSHeader().LfanewOfft)
	off := ntOff + 48
	patched := binary.LittleEndian.Uint64(img.Data()[off : off+8])
	if patched != uint64(base) {
		t.Fatalf("patched ImageBase in mapped bytes = 0x%X, want 0x%X", patched, base)
	}
}

func TestImportDirectoryRVA(t *testing.T) {
	provider := hostvm.NewFakeProvider(nil, nil)
	base, _ := provider.Allocate(0x3000)
	buildMappedBuffer(provider.Region(base), 0x140000000, 0x3000)

	img, err := Wrap(provider, base, 0x3000)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	rva, ok := img.ImportDirectoryRVA()
	if !ok {
		t.Fatal("ImportDirectoryRVA() ok = false, want true")
	}
	if rva != 0x2000 {
		t.Fatalf("ImportDirectoryRVA() = 0x%X, want 0x2000", rva)
	}

	if _, _, ok := img.TLSDirectory(); ok {
		t.Fatal("TLSDirectory() ok = true for an image with no TLS directory")
	}
}

func TestExportDirectoryAbsent(t *testing.T) {
	provider := hostvm.NewFakeProvider(nil, nil)
	base, _ := provider.Allocate(0x3000)
	buildMappedBuffer(provider.Region(base), 0x140000000, 0x3000)

	img, err := Wrap(provider, base, 0x3000)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if _, _, ok := img.ExportDirectory(); ok {
		t.Fatal("ExportDirectory() ok = true for an image with no export directory")
	}
}

func TestCloseFreesRegionAndImports(t *testing.T) {
	libHandle := uintptr(0xAAAA)
	provider := hostvm.NewFakeProvider(map[string]uintptr{"KERNEL32.dll": libHandle}, nil)
	base, _ := provider.Allocate(0x3000)
	buildMappedBuffer(provider.Region(base), 0x140000000, 0x3000)

	img, err := Wrap(provider, base, 0x3000)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	img.AddImportModule(libHandle)

	if err := img.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if img.ImageBase() != 0 {
		t.Fatalf("ImageBase() after Close = 0x%X, want 0", img.ImageBase())
	}
	if provider.Region(base) != nil {
		t.Fatal("Close did not free the underlying region")
	}
}
