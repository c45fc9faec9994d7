package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/veythra/torque/internal/mapped"
	"github.com/veythra/torque/internal/peimage"
)

// relocate applies the base relocation table against the delta between
// the mapped base and the image's on-disk preferred base — spec.md §4.4
// Phase 6. Only IMAGE_REL_BASED_DIR64 carries an adjustment on x86-64;
// ABSOLUTE entries are block-alignment padding and are skipped, matching
// original_source/include/internal/loader.hpp's RelocateBase. Any other
// nonzero type is logged and skipped rather than treated as fatal,
// because real linkers never emit one for this architecture and failing
// the whole load over it would be overly strict (spec.md §7).
func (l *Loader) relocate(img *peimage.Image, mi *mapped.Image) error {
	dirRVA, dirSize, ok := mi.RelocationDirectory()
	if !ok {
		return nil // no relocations: image was built position-independent, or loaded at its preferred base
	}

	delta := int64(mi.ImageBase()) - int64(img.NTHeaders().OptionalHeader.ImageBase)
	data := mi.Data()

	off := int(dirRVA)
	end := off + int(dirSize)
	for off < end {
		if off+8 > len(data) {
			return fmt.Errorf("relocation block header at 0x%X runs past mapped region", off)
		}
		block := peimage.BaseRelocationBlock{
			PageRVA:   binary.LittleEndian.Uint32(data[off : off+4]),
			BlockSize: binary.LittleEndian.Uint32(data[off+4 : off+8]),
		}
		if block.PageRVA == 0 || block.BlockSize == 0 {
			break
		}
		if off+int(block.BlockSize) > len(data) {
			return fmt.Errorf("relocation block at 0x%X runs past mapped region", off)
		}

		entriesOff := off + 8
		entriesEnd := off + int(block.BlockSize)
		for eo := entriesOff; eo+2 <= entriesEnd; eo += 2 {
			entry := peimage.BaseRelocationEntry(binary.LittleEndian.Uint16(data[eo : eo+2]))

			switch entry.Type() {
			case peimage.RelBasedAbsolute:
				// padding, no-op
			case peimage.RelBasedDir64:
				target := int(block.PageRVA) + int(entry.Offset())
				if target+8 > len(data) {
					return fmt.Errorf("relocation target at 0x%X runs past mapped region", target)
				}
				val := binary.LittleEndian.Uint64(data[target : target+8])
				binary.LittleEndian.PutUint64(data[target:target+8], uint64(int64(val)+delta))
			default:
				l.opts.Logger.Printf("loader: skipping unsupported relocation type %d at page 0x%X", entry.Type(), block.PageRVA)
			}
		}

		off += int(block.BlockSize)
	}

	return nil
}
