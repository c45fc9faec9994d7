// Package loader implements C4: the end-to-end pipeline that turns a
// parsed on-disk PE image into a live, callable MappedImage. It never
// touches a raw pointer or a syscall directly — every host-facing
// operation goes through a hostvm.Provider, so the same pipeline code
// runs against live Windows memory or against hostvm's in-process fake.
package loader

import (
	"fmt"
	"log"

	"github.com/veythra/torque/internal/bincur"
	"github.com/veythra/torque/internal/hostvm"
	"github.com/veythra/torque/internal/mapped"
	"github.com/veythra/torque/internal/peimage"
)

// Options configures a Loader. The zero value is the documented default:
// no header hardening, no logger (log.Printf of the standard logger is
// used for best-effort diagnostics such as an unrecognized relocation
// type).
type Options struct {
	// HardenHeaderPage additionally sets the header page to read-only
	// after Phase 7, per spec.md §4.4's hardening note. Off by default,
	// matching original_source/include/internal/loader.hpp, which leaves
	// it read-write.
	HardenHeaderPage bool
	// Logger receives best-effort diagnostics (unknown relocation types,
	// absent TLS/import directories are not logged — they're successful
	// no-ops per spec.md §7). Defaults to log.Default() when nil.
	Logger *log.Logger
}

// Loader drives the allocate → copy → link → relocate → protect → run
// pipeline described in spec.md §4.4. It is single-threaded and
// synchronous: every Provider call it makes is blocking, and Load either
// runs to completion or fails fast on the first fatal step (spec.md §5).
type Loader struct {
	provider hostvm.Provider
	opts     Options
}

// New returns a Loader driving provider. Passing the real
// hostvm.WindowsProvider maps into live process memory; passing
// hostvm.FakeProvider runs the same pipeline against an in-process buffer
// for tests.
func New(provider hostvm.Provider, opts Options) *Loader {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Loader{provider: provider, opts: opts}
}

// Load runs the full pipeline against img and returns the resulting
// MappedImage, or an error on the first fatal step. Every internal
// failure collapses into this one error per spec.md §7; the wrapped
// chain is preserved with %w so a caller can still errors.Is/As down to
// a peimage sentinel or a hostvm failure.
func (l *Loader) Load(img *peimage.Image) (*mapped.Image, error) {
	size := uintptr(img.ImageSize())
	if size == 0 {
		return nil, fmt.Errorf("loader: image has zero SizeOfImage")
	}

	// Phase 1 — allocate.
	base, err := l.provider.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("loader: allocate failed: %w", err)
	}

	// Anything that fails between here and Phase 4 (where the region
	// passes to MappedImage's ownership) must release it explicitly —
	// spec.md §5's resource-discipline rule.
	region := l.provider.View(base, size)

	// Phase 2 — copy headers.
	if err := l.copyHeaders(img, region); err != nil {
		l.provider.Free(base, size)
		return nil, err
	}

	// Phase 3 — copy sections.
	if err := l.copySections(img, region); err != nil {
		l.provider.Free(base, size)
		return nil, err
	}

	// Phase 4 — wrap and validate.
	mi, err := mapped.Wrap(l.provider, base, size)
	if err != nil {
		l.provider.Free(base, size)
		return nil, fmt.Errorf("loader: mapped image failed self-validation: %w", err)
	}

	// From here on mi owns the region; on any later failure we close it
	// (which frees memory and any import modules already recorded)
	// instead of calling provider.Free directly.
	if err := l.buildIAT(mi); err != nil {
		mi.Close()
		return nil, fmt.Errorf("loader: import resolution failed: %w", err)
	}

	if err := l.relocate(img, mi); err != nil {
		mi.Close()
		return nil, fmt.Errorf("loader: base relocation failed: %w", err)
	}

	if err := l.finalizeProtections(mi); err != nil {
		mi.Close()
		return nil, fmt.Errorf("loader: finalize protections failed: %w", err)
	}

	l.runTLSCallbacks(mi)

	return mi, nil
}

// copyHeaders writes the image up to and including the section table at
// offset 0 of region — spec.md §4.4 Phase 2. It deliberately does not
// repeat a second pass over the section headers: the header block already
// includes the section table, and writing it twice is redundant per
// spec.md §9's design note (original_source/include/internal/loader.hpp
// does the repeat; this rewrite drops it).
func (l *Loader) copyHeaders(img *peimage.Image, region []byte) error {
	headerSize := img.HeaderSize()
	data := img.Data()
	if headerSize > len(data) {
		return fmt.Errorf("loader: header size %d exceeds file size %d", headerSize, len(data))
	}

	cur := bincur.New(region)
	if !cur.Write(data[:headerSize]) {
		return fmt.Errorf("loader: failed to copy %d header bytes into mapped region", headerSize)
	}
	return nil
}

// copySections copies each section's raw bytes to its virtual address —
// spec.md §4.4 Phase 3. BSS (VirtualSize > SizeOfRawData) is left as the
// allocator's zero-initialization; nothing is written there.
func (l *Loader) copySections(img *peimage.Image, region []byte) error {
	data := img.Data()
	cur := bincur.New(region)

	for _, s := range img.SectionHeaders() {
		if s.SizeOfRawData == 0 {
			continue
		}
		if !cur.Seek(int(s.VirtualAddress)) {
			return fmt.Errorf("loader: section %q VirtualAddress 0x%X out of range", sectionName(s), s.VirtualAddress)
		}
		raw := data[s.PointerToRawData : s.PointerToRawData+s.SizeOfRawData]
		if !cur.Write(raw) {
			return fmt.Errorf("loader: failed to copy section %q (%d bytes) into mapped region", sectionName(s), s.SizeOfRawData)
		}
	}
	return nil
}

func sectionName(s peimage.SectionHeader) string {
	for i, c := range s.Name {
		if c == 0 {
			return string(s.Name[:i])
		}
	}
	return string(s.Name[:])
}
