package hostvm

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// FakeProvider backs Allocate with a plain Go heap buffer instead of a
// live VM region, and resolves imports/symbols from a table supplied by
// the test. It lets internal/loader's tests drive the full pipeline
// (Phases 1-8) on any GOOS — spec.md §2's "external interfaces consumed"
// boundary means Loader is identical code against either provider.
type FakeProvider struct {
	mu        sync.Mutex
	regions   map[uintptr][]byte
	nextBase  uintptr
	libraries map[string]uintptr // name -> fake handle
	symbols   map[uintptr]map[Symbol]uintptr
	calls     []uintptr // records CallFunction targets, for assertions
}

// NewFakeProvider returns a FakeProvider. libraries maps a DLL name to an
// opaque handle, and symbols maps that handle to the function addresses
// it exports (by name or ordinal) — the test's stand-in for LoadLibrary
// plus GetProcAddress.
func NewFakeProvider(libraries map[string]uintptr, symbols map[uintptr]map[Symbol]uintptr) *FakeProvider {
	return &FakeProvider{
		regions:   make(map[uintptr][]byte),
		nextBase:  0x10000,
		libraries: libraries,
		symbols:   symbols,
	}
}

func (p *FakeProvider) Allocate(size uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := p.nextBase
	p.nextBase += (size + 0xFFFF) &^ 0xFFFF // keep fake bases well separated
	p.regions[base] = make([]byte, size)
	return base, nil
}

func (p *FakeProvider) Free(base, size uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.regions, base)
	return nil
}

// Protect accepts any sub-range of a previously Allocate'd region, the
// same way VirtualProtect/NtProtectVirtualMemory can target a single
// section inside a larger mapping rather than only the whole region.
func (p *FakeProvider) Protect(base, size uintptr, newProtect uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for regionBase, buf := range p.regions {
		regionEnd := regionBase + uintptr(len(buf))
		if base >= regionBase && base+size <= regionEnd {
			return ProtectReadWrite, nil
		}
	}
	return 0, fmt.Errorf("hostvm/fake: Protect on unknown region 0x%X (size 0x%X)", base, size)
}

func (p *FakeProvider) LoadLibrary(name string) (uintptr, error) {
	h, ok := p.libraries[name]
	if !ok {
		return 0, fmt.Errorf("hostvm/fake: unknown library %q", name)
	}
	return h, nil
}

func (p *FakeProvider) FreeLibrary(handle uintptr) error { return nil }

func (p *FakeProvider) Resolve(handle uintptr, sym Symbol) (uintptr, error) {
	table, ok := p.symbols[handle]
	if !ok {
		return 0, fmt.Errorf("hostvm/fake: no symbol table for handle 0x%X", handle)
	}
	addr, ok := table[sym]
	if !ok {
		return 0, fmt.Errorf("hostvm/fake: unresolved symbol %+v", sym)
	}
	return addr, nil
}

func (p *FakeProvider) CallFunction(fn uintptr, args ...uintptr) error {
	p.mu.Lock()
	p.calls = append(p.calls, fn)
	p.mu.Unlock()
	return nil
}

// Calls returns the function addresses CallFunction was invoked with, in
// order — used by tests to assert TLS callback dispatch ran.
func (p *FakeProvider) Calls() []uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uintptr, len(p.calls))
	copy(out, p.calls)
	return out
}

// Region returns the backing buffer for a base returned by Allocate, for
// tests to inspect the mapped bytes directly.
func (p *FakeProvider) Region(base uintptr) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regions[base]
}

// View implements Provider.View by returning the same backing buffer
// Allocate created — there is no raw memory to reinterpret in the fake.
func (p *FakeProvider) View(base, size uintptr) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.regions[base]
	if uintptr(len(buf)) < size {
		return buf
	}
	return buf[:size]
}

// WriteUint64 is a small helper tests use to poke relocatable pointer
// values into a fake region without reaching for unsafe.
func WriteUint64(buf []byte, off uint32, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
}
