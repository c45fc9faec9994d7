// Package peview renders a human-readable summary of a PE image using an
// independent parser (github.com/Binject/debug/pe) rather than this
// module's own internal/peimage. It exists purely for diagnostics — the
// CLI's -dump flag is its only caller; no test in this module compares
// it against internal/peimage — and never participates in the load path
// itself.
package peview

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	dbgpe "github.com/Binject/debug/pe"
)

// Summary is a flattened, loader-agnostic description of a PE image, the
// shape the CLI's -dump flag prints.
type Summary struct {
	Machine      string
	SizeOfImage  uint32
	EntryPoint   uint32
	ImageBase    uint64
	Sections     []SectionSummary
	ImportedDLLs []string
}

// SectionSummary describes one section header as Binject/debug/pe sees it.
type SectionSummary struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

// Dump parses data with Binject/debug/pe and returns a Summary, or an
// error if that independent parser rejects the image.
func Dump(data []byte) (Summary, error) {
	f, err := dbgpe.NewFile(bytes.NewReader(data))
	if err != nil {
		return Summary{}, fmt.Errorf("peview: Binject/debug/pe rejected image: %w", err)
	}
	defer f.Close()

	var sum Summary
	sum.Machine = machineName(f.FileHeader.Machine)

	if oh, ok := f.OptionalHeader.(*dbgpe.OptionalHeader64); ok {
		sum.SizeOfImage = oh.SizeOfImage
		sum.EntryPoint = oh.AddressOfEntryPoint
		sum.ImageBase = oh.ImageBase
	} else if oh, ok := f.OptionalHeader.(*dbgpe.OptionalHeader32); ok {
		sum.SizeOfImage = oh.SizeOfImage
		sum.EntryPoint = oh.AddressOfEntryPoint
		sum.ImageBase = uint64(oh.ImageBase)
	}

	for _, s := range f.Sections {
		sum.Sections = append(sum.Sections, SectionSummary{
			Name:            s.Name,
			VirtualAddress:  s.VirtualAddress,
			VirtualSize:     s.VirtualSize,
			Characteristics: s.Characteristics,
		})
	}

	if dlls, err := f.ImportedLibraries(); err == nil {
		sum.ImportedDLLs = dlls
	}
	sort.Strings(sum.ImportedDLLs)

	return sum, nil
}

func machineName(machine uint16) string {
	switch machine {
	case 0x8664:
		return "AMD64"
	case 0x14c:
		return "I386"
	default:
		return fmt.Sprintf("0x%X", machine)
	}
}

// String renders Summary in the plain key: value block the CLI prints
// for -dump.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Machine:      %s\n", s.Machine)
	fmt.Fprintf(&b, "ImageBase:    0x%X\n", s.ImageBase)
	fmt.Fprintf(&b, "SizeOfImage:  0x%X\n", s.SizeOfImage)
	fmt.Fprintf(&b, "EntryPoint:   0x%X\n", s.EntryPoint)
	fmt.Fprintf(&b, "Sections:\n")
	for _, sec := range s.Sections {
		fmt.Fprintf(&b, "  %-8s VA=0x%-8X VirtualSize=0x%-8X Characteristics=0x%X\n",
			sec.Name, sec.VirtualAddress, sec.VirtualSize, sec.Characteristics)
	}
	if len(s.ImportedDLLs) > 0 {
		fmt.Fprintf(&b, "Imports:\n")
		for _, d := range s.ImportedDLLs {
			fmt.Fprintf(&b, "  %s\n", d)
		}
	}
	return b.String()
}
