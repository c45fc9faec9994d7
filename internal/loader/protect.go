package loader

import (
	"fmt"

	"github.com/veythra/torque/internal/hostvm"
	"github.com/veythra/torque/internal/mapped"
)

// finalizeProtections applies the Writable/Executable truth table to each
// section's mapped pages — spec.md §4.4 Phase 7. A section that is
// neither writable nor executable gets PAGE_READONLY rather than
// PAGE_NOACCESS, matching
// original_source/include/internal/loader.hpp's FinalizeSection.
func (l *Loader) finalizeProtections(mi *mapped.Image) error {
	base := mi.ImageBase()

	for _, s := range mi.SectionHeaders() {
		if s.VirtualSize == 0 {
			continue
		}

		protect := sectionProtection(s.Writable(), s.Executable())
		sectionBase := base + uintptr(s.VirtualAddress)

		if _, err := l.provider.Protect(sectionBase, uintptr(s.VirtualSize), protect); err != nil {
			return fmt.Errorf("loader: failed to set protection on section %q: %w", sectionName(s), err)
		}
	}

	if l.opts.HardenHeaderPage {
		headerSize := mi.Size()
		if sections := mi.SectionHeaders(); len(sections) > 0 && sections[0].VirtualAddress > 0 {
			headerSize = uintptr(sections[0].VirtualAddress)
		}
		if _, err := l.provider.Protect(base, headerSize, hostvm.ProtectReadOnly); err != nil {
			return fmt.Errorf("loader: failed to harden header page: %w", err)
		}
	}

	return nil
}

func sectionProtection(writable, executable bool) uint32 {
	switch {
	case writable && executable:
		return hostvm.ProtectExecuteReadWrite
	case executable:
		return hostvm.ProtectExecuteRead
	case writable:
		return hostvm.ProtectReadWrite
	default:
		return hostvm.ProtectReadOnly
	}
}
