package peimage

import (
	"encoding/binary"
	"fmt"
)

const dosHeaderSize = 64
const sectionHeaderSize = 40

// Image is the on-disk, read-only view of a PE32+ file: C2 ImageParser.
// It never mutates the byte buffer it is constructed from, and re-reads
// header fields through encoding/binary rather than reinterpret-casting
// raw pointers, confining the unsafe pointer arithmetic this loader does
// need to the live-memory view (hostvm's WindowsProvider.View) per
// spec.md §9's design note on narrowing reinterpret casts.
type Image struct {
	data     []byte
	dos      DOSHeader
	nt       NTHeaders64
	sections []SectionHeader
}

// Headers is the result of validating and indexing a buffer's DOS/NT
// headers and section table, shared between the on-disk Image (this
// package) and the live mapped image (internal/mapped) — both need the
// same validation, just against different backing buffers.
type Headers struct {
	DOS      DOSHeader
	NT       NTHeaders64
	Sections []SectionHeader
}

// ParseHeaders validates DOS magic, e_lfanew, NT signature and AMD64
// machine, and collects the section table, checking that every section's
// virtual range stays within SizeOfImage (spec.md §3). It does not check
// raw-file bounds — that only makes sense for a file-backed buffer and is
// layered on top by Parse below.
func ParseHeaders(data []byte) (Headers, error) {
	var hdrs Headers

	if len(data) < dosHeaderSize {
		return hdrs, fmt.Errorf("%w: buffer too small for DOS header", ErrInvalidPEFormat)
	}

	magic := binary.LittleEndian.Uint16(data[0:2])
	lfanew := binary.LittleEndian.Uint32(data[0x3C:0x40])
	if magic != dosSignature {
		return hdrs, fmt.Errorf("%w: bad DOS magic 0x%X", ErrInvalidPEFormat, magic)
	}
	if lfanew < dosHeaderSize {
		return hdrs, fmt.Errorf("%w: e_lfanew 0x%X precedes DOS header", ErrInvalidPEFormat, lfanew)
	}
	hdrs.DOS = DOSHeader{Magic: magic, LfanewOfft: lfanew}

	ntEnd := uint64(lfanew) + 4 + 20 + 2 // Signature + FileHeader + OptionalHeader.Magic, minimum to read NumberOfSections safely
	if ntEnd > uint64(len(data)) {
		return hdrs, fmt.Errorf("%w: NT headers run past end of buffer", ErrInvalidPEFormat)
	}

	ntOff := int(lfanew)
	signature := binary.LittleEndian.Uint32(data[ntOff : ntOff+4])
	if signature != ntSignature {
		return hdrs, fmt.Errorf("%w: bad NT signature 0x%X", ErrInvalidPEFormat, signature)
	}

	fileHeaderOff := ntOff + 4
	machine := binary.LittleEndian.Uint16(data[fileHeaderOff : fileHeaderOff+2])
	if machine != machineAMD64 {
		return hdrs, fmt.Errorf("%w: machine 0x%X", ErrUnsupportedMachine, machine)
	}

	var fh FileHeader
	fh.Machine = machine
	fh.NumberOfSections = binary.LittleEndian.Uint16(data[fileHeaderOff+2 : fileHeaderOff+4])
	fh.TimeDateStamp = binary.LittleEndian.Uint32(data[fileHeaderOff+4 : fileHeaderOff+8])
	fh.PointerToSymbolTable = binary.LittleEndian.Uint32(data[fileHeaderOff+8 : fileHeaderOff+12])
	fh.NumberOfSymbols = binary.LittleEndian.Uint32(data[fileHeaderOff+12 : fileHeaderOff+16])
	fh.SizeOfOptionalHeader = binary.LittleEndian.Uint16(data[fileHeaderOff+16 : fileHeaderOff+18])
	fh.Characteristics = binary.LittleEndian.Uint16(data[fileHeaderOff+18 : fileHeaderOff+20])

	optOff := fileHeaderOff + 20
	optEnd := optOff + int(fh.SizeOfOptionalHeader)
	if fh.SizeOfOptionalHeader == 0 || optEnd > len(data) {
		return hdrs, fmt.Errorf("%w: optional header runs past end of buffer", ErrInvalidPEFormat)
	}

	oh, err := parseOptionalHeader64(data[optOff:optEnd])
	if err != nil {
		return hdrs, err
	}

	hdrs.NT = NTHeaders64{Signature: signature, FileHeader: fh, OptionalHeader: oh}

	sectionsOff := optOff + int(fh.SizeOfOptionalHeader)
	sectionsEnd := sectionsOff + int(fh.NumberOfSections)*sectionHeaderSize
	if sectionsEnd > len(data) {
		return hdrs, fmt.Errorf("%w: section table runs past end of buffer", ErrInvalidPEFormat)
	}

	sections := make([]SectionHeader, fh.NumberOfSections)
	for i := range sections {
		off := sectionsOff + i*sectionHeaderSize
		s := &sections[i]
		copy(s.Name[:], data[off:off+8])
		s.VirtualSize = binary.LittleEndian.Uint32(data[off+8 : off+12])
		s.VirtualAddress = binary.LittleEndian.Uint32(data[off+12 : off+16])
		s.SizeOfRawData = binary.LittleEndian.Uint32(data[off+16 : off+20])
		s.PointerToRawData = binary.LittleEndian.Uint32(data[off+20 : off+24])
		s.PointerToRelocations = binary.LittleEndian.Uint32(data[off+24 : off+28])
		s.PointerToLinenumbers = binary.LittleEndian.Uint32(data[off+28 : off+32])
		s.NumberOfRelocations = binary.LittleEndian.Uint16(data[off+32 : off+34])
		s.NumberOfLinenumbers = binary.LittleEndian.Uint16(data[off+34 : off+36])
		s.Characteristics = binary.LittleEndian.Uint32(data[off+36 : off+40])

		virtEnd := uint64(s.VirtualAddress) + uint64(s.VirtualSize)
		if virtEnd > uint64(oh.SizeOfImage) {
			return hdrs, fmt.Errorf("%w: section %q virtual range exceeds SizeOfImage", ErrInvalidPEFormat, cstr(s.Name[:]))
		}
	}
	hdrs.Sections = sections

	return hdrs, nil
}

// Parse validates and indexes data as an on-disk PE32+ file: C2
// ImageParser. On failure it returns one of ErrInvalidPEFormat or
// ErrUnsupportedMachine. Beyond ParseHeaders it also checks that every
// section's raw-file range stays within the file — the bounds check
// spec.md §9 flags as missing from the original and from the teacher's
// own parser.
func Parse(data []byte) (*Image, error) {
	hdrs, err := ParseHeaders(data)
	if err != nil {
		return nil, err
	}

	for _, s := range hdrs.Sections {
		rawEnd := uint64(s.PointerToRawData) + uint64(s.SizeOfRawData)
		if rawEnd > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section %q raw range runs past end of file", ErrInvalidPEFormat, cstr(s.Name[:]))
		}
	}

	return &Image{data: data, dos: hdrs.DOS, nt: hdrs.NT, sections: hdrs.Sections}, nil
}

func parseOptionalHeader64(b []byte) (OptionalHeader64, error) {
	var oh OptionalHeader64
	const fixedSize = 112 // up through NumberOfRvaAndSizes, before DataDirectory
	if len(b) < fixedSize {
		return oh, fmt.Errorf("%w: optional header too small", ErrInvalidPEFormat)
	}
	oh.Magic = binary.LittleEndian.Uint16(b[0:2])
	oh.MajorLinkerVersion = b[2]
	oh.MinorLinkerVersion = b[3]
	oh.SizeOfCode = binary.LittleEndian.Uint32(b[4:8])
	oh.SizeOfInitializedData = binary.LittleEndian.Uint32(b[8:12])
	oh.SizeOfUninitializedData = binary.LittleEndian.Uint32(b[12:16])
	oh.AddressOfEntryPoint = binary.LittleEndian.Uint32(b[16:20])
	oh.BaseOfCode = binary.LittleEndian.Uint32(b[20:24])
	oh.ImageBase = binary.LittleEndian.Uint64(b[24:32])
	oh.SectionAlignment = binary.LittleEndian.Uint32(b[32:36])
	oh.FileAlignment = binary.LittleEndian.Uint32(b[36:40])
	oh.MajorOperatingSystemVersion = binary.LittleEndian.Uint16(b[40:42])
	oh.MinorOperatingSystemVersion = binary.LittleEndian.Uint16(b[42:44])
	oh.MajorImageVersion = binary.LittleEndian.Uint16(b[44:46])
	oh.MinorImageVersion = binary.LittleEndian.Uint16(b[46:48])
	oh.MajorSubsystemVersion = binary.LittleEndian.Uint16(b[48:50])
	oh.MinorSubsystemVersion = binary.LittleEndian.Uint16(b[50:52])
	oh.Win32VersionValue = binary.LittleEndian.Uint32(b[52:56])
	oh.SizeOfImage = binary.LittleEndian.Uint32(b[56:60])
	oh.SizeOfHeaders = binary.LittleEndian.Uint32(b[60:64])
	oh.CheckSum = binary.LittleEndian.Uint32(b[64:68])
	oh.Subsystem = binary.LittleEndian.Uint16(b[68:70])
	oh.DllCharacteristics = binary.LittleEndian.Uint16(b[70:72])
	oh.SizeOfStackReserve = binary.LittleEndian.Uint64(b[72:80])
	oh.SizeOfStackCommit = binary.LittleEndian.Uint64(b[80:88])
	oh.SizeOfHeapReserve = binary.LittleEndian.Uint64(b[88:96])
	oh.SizeOfHeapCommit = binary.LittleEndian.Uint64(b[96:104])
	oh.LoaderFlags = binary.LittleEndian.Uint32(b[104:108])
	oh.NumberOfRvaAndSizes = binary.LittleEndian.Uint32(b[108:112])

	ddOff := fixedSize
	for i := 0; i < 16; i++ {
		off := ddOff + i*8
		if off+8 > len(b) {
			break
		}
		oh.DataDirectory[i] = DataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(b[off : off+4]),
			Size:           binary.LittleEndian.Uint32(b[off+4 : off+8]),
		}
	}
	return oh, nil
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ImageSize returns OptionalHeader.SizeOfImage.
func (img *Image) ImageSize() uint32 { return img.nt.OptionalHeader.SizeOfImage }

// SectionHeaders returns the ordered section table.
func (img *Image) SectionHeaders() []SectionHeader { return img.sections }

// Data returns the immutable on-disk bytes.
func (img *Image) Data() []byte { return img.data }

// DOSHeader returns the parsed DOS header.
func (img *Image) DOSHeader() DOSHeader { return img.dos }

// NTHeaders returns the parsed NT headers.
func (img *Image) NTHeaders() NTHeaders64 { return img.nt }

// HeaderSize returns the file offset of the end of the section table —
// the exact number of bytes Loader Phase 2 must copy into the mapped
// region's header page. Grounded on
// original_source/include/internal/loader.hpp's Load, which computes this
// as `sectionHeaders[0] - rawData.data()`.
func (img *Image) HeaderSize() int {
	sectionsOff := int(img.dos.LfanewOfft) + 4 + 20 + int(img.nt.FileHeader.SizeOfOptionalHeader)
	return sectionsOff + len(img.sections)*sectionHeaderSize
}

// RVAToRaw translates a relative virtual address to a file offset using
// the unique section that covers it, or 0 if no section does (spec.md §3).
func (img *Image) RVAToRaw(rva uint32) uint32 {
	for _, s := range img.sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return rva - s.VirtualAddress + s.PointerToRawData
		}
	}
	return 0
}

// ImportDirectoryOffset returns the file offset of the
// IMAGE_IMPORT_DESCRIPTOR array, or 0 with ok=false if the import data
// directory is empty.
func (img *Image) ImportDirectoryOffset() (off uint32, ok bool) {
	dd := img.nt.OptionalHeader.DataDirectory[DirectoryImport]
	if dd.Size == 0 {
		return 0, false
	}
	return img.RVAToRaw(dd.VirtualAddress), true
}
