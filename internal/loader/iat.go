package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/veythra/torque/internal/hostvm"
	"github.com/veythra/torque/internal/mapped"
	"github.com/veythra/torque/internal/peimage"
)

// buildIAT walks the import descriptor array and, for each module, loads
// it and resolves every thunk slot — spec.md §4.4 Phase 5. Unlike
// original_source/include/internal/loader.hpp's `while
// (importDirectory->Characteristics)`, this walks by Name == 0 (see the
// doc comment on peimage.ImportDescriptor for why), which keeps the
// OriginalFirstThunk == 0 per-descriptor fallback meaningful instead of
// dead code.
func (l *Loader) buildIAT(mi *mapped.Image) error {
	rva, ok := mi.ImportDirectoryRVA()
	if !ok {
		return nil // no imports is a valid, successful image (spec.md §7)
	}

	data := mi.Data()
	off := int(rva)

	for {
		if off+peimage.ImportDescriptorSize > len(data) {
			return fmt.Errorf("import descriptor at 0x%X runs past mapped region", off)
		}

		desc := peimage.ImportDescriptor{
			OriginalFirstThunk: binary.LittleEndian.Uint32(data[off : off+4]),
			TimeDateStamp:      binary.LittleEndian.Uint32(data[off+4 : off+8]),
			ForwarderChain:     binary.LittleEndian.Uint32(data[off+8 : off+12]),
			Name:               binary.LittleEndian.Uint32(data[off+12 : off+16]),
			FirstThunk:         binary.LittleEndian.Uint32(data[off+16 : off+20]),
		}
		if desc.Name == 0 {
			break
		}

		if err := l.bindModule(mi, desc); err != nil {
			return err
		}

		off += peimage.ImportDescriptorSize
	}

	return nil
}

// bindModule loads the DLL named by desc.Name and writes resolved
// addresses into its IAT (desc.FirstThunk), reading ordinal/name targets
// from the OFT when present or FirstThunk itself otherwise.
func (l *Loader) bindModule(mi *mapped.Image, desc peimage.ImportDescriptor) error {
	data := mi.Data()
	name := cstrAt(data, int(desc.Name))

	handle, err := l.provider.LoadLibrary(name)
	if err != nil {
		return fmt.Errorf("loader: failed to load import module %q: %w", name, err)
	}
	mi.AddImportModule(handle)

	thunkRVA := desc.OriginalFirstThunk
	if thunkRVA == 0 {
		thunkRVA = desc.FirstThunk
	}
	iatRVA := desc.FirstThunk

	for i := 0; ; i++ {
		thunkOff := int(thunkRVA) + i*8
		iatOff := int(iatRVA) + i*8
		if thunkOff+8 > len(data) || iatOff+8 > len(data) {
			return fmt.Errorf("loader: thunk array for %q runs past mapped region", name)
		}

		thunk := peimage.ThunkData64(binary.LittleEndian.Uint64(data[thunkOff : thunkOff+8]))
		if thunk == 0 {
			break
		}

		var sym hostvm.Symbol
		if thunk.ByOrdinal() {
			sym = hostvm.Symbol{Ordinal: thunk.Ordinal()}
		} else {
			nameOff := int(thunk.HintNameRVA()) + 2 // skip the Hint field
			sym = hostvm.Symbol{Name: cstrAt(data, nameOff)}
		}

		addr, err := l.provider.Resolve(handle, sym)
		if err != nil {
			return fmt.Errorf("loader: failed to resolve import from %q: %w", name, err)
		}

		binary.LittleEndian.PutUint64(data[iatOff:iatOff+8], uint64(addr))
	}

	return nil
}

// cstrAt reads a null-terminated string starting at off in data, or ""
// if off is out of range.
func cstrAt(data []byte, off int) string {
	if off < 0 || off >= len(data) {
		return ""
	}
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}
