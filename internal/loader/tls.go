package loader

import (
	"encoding/binary"

	"github.com/veythra/torque/internal/mapped"
	"github.com/veythra/torque/internal/peimage"
)

// runTLSCallbacks dispatches every entry of the TLS callback array with
// DLL_PROCESS_ATTACH — spec.md §4.4 Phase 8. AddressOfCallBacks is an
// absolute virtual address already relative to the real mapped base, not
// an RVA (the COFF/TLS directory quirk both
// carved4-meltload/pkg/pe/remotepe.go's TLS walk and
// original_source/include/internal/loader.hpp's RunTLSCallbacks account
// for), so it is translated to an offset by subtracting the mapped base
// before reading the pointer array. Failure here is never fatal to Load:
// a callback that can't be reached or a malformed directory is logged and
// skipped, matching spec.md §7's "best effort, never abort after
// protections are finalized" guidance.
func (l *Loader) runTLSCallbacks(mi *mapped.Image) {
	rva, _, ok := mi.TLSDirectory()
	if !ok {
		return
	}

	data := mi.Data()
	off := int(rva)
	if off+tlsDirectory64Size > len(data) {
		l.opts.Logger.Printf("loader: TLS directory at 0x%X runs past mapped region, skipping", off)
		return
	}

	callbacksVA := binary.LittleEndian.Uint64(data[off+24 : off+32]) // AddressOfCallBacks
	if callbacksVA == 0 {
		return
	}

	base := uint64(mi.ImageBase())
	if callbacksVA < base {
		l.opts.Logger.Printf("loader: TLS AddressOfCallBacks 0x%X precedes mapped base, skipping", callbacksVA)
		return
	}
	arrayOff := int(callbacksVA - base)

	for i := 0; ; i++ {
		entryOff := arrayOff + i*8
		if entryOff+8 > len(data) {
			l.opts.Logger.Printf("loader: TLS callback array runs past mapped region, stopping")
			return
		}
		cb := binary.LittleEndian.Uint64(data[entryOff : entryOff+8])
		if cb == 0 {
			return
		}

		if err := l.provider.CallFunction(uintptr(cb), mi.ImageBase(), uintptr(peimage.DllProcessAttach), 0); err != nil {
			l.opts.Logger.Printf("loader: TLS callback at 0x%X failed: %v", cb, err)
		}
	}
}

const tlsDirectory64Size = 40
