// Package mapped implements C3 MappedImage: the live, already-copied view
// of a PE image inside a virtual-address region. It re-validates the
// headers once they've been copied in, and resolves data-directory
// pointers against the actual mapped base rather than the on-disk
// preferred base.
package mapped

import (
	"encoding/binary"
	"fmt"

	"github.com/veythra/torque/internal/hostvm"
	"github.com/veythra/torque/internal/peimage"
)

// Image owns a mapped virtual region and the auxiliary host modules
// loaded to satisfy its imports. It is the only thing with authority to
// release either, via Close — there is no other "unload" entry point
// (spec.md §5).
type Image struct {
	provider  hostvm.Provider
	base      uintptr
	size      uintptr
	data      []byte // provider.View(base, size); mutable, backs headers/sections
	dos       peimage.DOSHeader
	nt        peimage.NTHeaders64
	sections  []peimage.SectionHeader
	imports   []uintptr // host module handles recorded by AddImportModule
}

// Wrap re-parses the DOS/NT headers and section table already copied into
// [base, base+size) and overwrites OptionalHeader.ImageBase in the mapped
// copy with base, so later relocation math can compute delta as
// actual_base - original_base (spec.md §3's MappedImage note).
func Wrap(provider hostvm.Provider, base, size uintptr) (*Image, error) {
	view := provider.View(base, size)

	hdrs, err := peimage.ParseHeaders(view)
	if err != nil {
		return nil, err
	}

	img := &Image{
		provider: provider,
		base:     base,
		size:     size,
		data:     view,
		dos:      hdrs.DOS,
		nt:       hdrs.NT,
		sections: hdrs.Sections,
	}

	img.setImageBase(base)
	img.nt.OptionalHeader.ImageBase = uint64(base)

	return img, nil
}

// setImageBase patches OptionalHeader.ImageBase in the live copy in place.
// The field's byte offset within NTHeaders64 is
// Signature(4) + FileHeader(20) + Magic(2) + MajorLinkerVersion(1) +
// MinorLinkerVersion(1) + SizeOfCode(4) + SizeOfInitializedData(4) +
// SizeOfUninitializedData(4) + AddressOfEntryPoint(4) + BaseOfCode(4).
func (img *Image) setImageBase(base uintptr) {
	off := int(img.dos.LfanewOfft) + 4 + 20 + 2 + 1 + 1 + 4 + 4 + 4 + 4 + 4
	if off+8 <= len(img.data) {
		binary.LittleEndian.PutUint64(img.data[off:off+8], uint64(base))
	}
}

// ImageBase returns the mapped region's base address.
func (img *Image) ImageBase() uintptr { return img.base }

// Size returns the region size (OptionalHeader.SizeOfImage at parse time).
func (img *Image) Size() uintptr { return img.size }

// Data returns the mutable view over the whole mapped region.
func (img *Image) Data() []byte { return img.data }

// DOSHeader returns the parsed (live) DOS header.
func (img *Image) DOSHeader() peimage.DOSHeader { return img.dos }

// NTHeaders returns the parsed (live) NT headers, including the patched
// ImageBase.
func (img *Image) NTHeaders() peimage.NTHeaders64 { return img.nt }

// SectionHeaders returns the ordered section table read from the mapped copy.
func (img *Image) SectionHeaders() []peimage.SectionHeader { return img.sections }

// directory returns the (offset, size) of data directory index, or
// ok=false if its size is zero.
func (img *Image) directory(index int) (rva uint32, size uint32, ok bool) {
	dd := img.nt.OptionalHeader.DataDirectory[index]
	if dd.Size == 0 {
		return 0, 0, false
	}
	return dd.VirtualAddress, dd.Size, true
}

// ExportDirectory returns the (rva, size) of the export directory, or
// ok=false if absent. Export lookup itself is out of scope (spec.md's
// Non-goals), but the accessor is kept for parity with
// original_source's Module::ExportDirectory.
func (img *Image) ExportDirectory() (rva, size uint32, ok bool) {
	return img.directory(peimage.DirectoryExport)
}

// ImportDirectoryRVA returns the RVA of the IMAGE_IMPORT_DESCRIPTOR array
// within the mapped image, or ok=false if there is no import directory.
func (img *Image) ImportDirectoryRVA() (rva uint32, ok bool) {
	rva, _, ok = img.directory(peimage.DirectoryImport)
	return
}

// RelocationDirectory returns the (rva, size) of the base relocation
// table, or ok=false if absent.
func (img *Image) RelocationDirectory() (rva, size uint32, ok bool) {
	return img.directory(peimage.DirectoryBaseReloc)
}

// TLSDirectory returns the (rva, size) of the TLS directory, or ok=false
// if absent.
func (img *Image) TLSDirectory() (rva, size uint32, ok bool) {
	return img.directory(peimage.DirectoryTLS)
}

// AddImportModule records a host module handle obtained to satisfy
// imports, so Close releases it later. There is no half-built IAT leak:
// every successfully loaded module is recorded immediately (spec.md §5).
func (img *Image) AddImportModule(handle uintptr) {
	img.imports = append(img.imports, handle)
}

// Close releases every recorded import module handle, then releases the
// virtual region. This is the only place virtual memory and auxiliary
// modules are released — there is no separate "unload" API (spec.md §5).
func (img *Image) Close() error {
	var firstErr error
	for _, h := range img.imports {
		if err := img.provider.FreeLibrary(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	img.imports = nil

	if img.base != 0 {
		if err := img.provider.Free(img.base, img.size); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mapped: failed to free region: %w", err)
		}
		img.base = 0
	}

	return firstErr
}
