//go:build windows

package hostvm

import (
	"fmt"
	"unsafe"

	api "github.com/carved4/go-wincall"
	"golang.org/x/sys/windows"
)

// Memory allocation type constants, taken from golang.org/x/sys/windows
// rather than hand-rolled per philcantcode-goodware-lab's
// code_loading/process_hollowing/main.go convention of calling VirtualAlloc
// with windows.MEM_COMMIT|windows.MEM_RESERVE.
const (
	memCommit  = windows.MEM_COMMIT
	memReserve = windows.MEM_RESERVE
	memRelease = windows.MEM_RELEASE
	memTopDown = 0x00100000 // MEM_TOP_DOWN has no golang.org/x/sys/windows constant
)

// WindowsProvider drives the live Windows virtual-memory and module-loader
// surface through go-wincall, the way carved4-meltload/pkg/pe/dll.go does
// (NtAllocateVirtualMemory/NtProtectVirtualMemory/LoadLibraryW/GetProcAddress),
// with one deliberate change: every failure here returns an error instead
// of calling log.Fatalf. A library that can terminate its host process on
// a resolvable condition (a missing import, a failed VirtualProtect)
// violates the "load fails, caller decides what to do" contract spec.md
// §7 describes; the teacher's CLI-bound code can afford log.Fatalf, a
// loader package cannot.
type WindowsProvider struct{}

// NewWindowsProvider returns the default host surface for this process.
func NewWindowsProvider() *WindowsProvider { return &WindowsProvider{} }

func (WindowsProvider) Allocate(size uintptr) (uintptr, error) {
	var base uintptr
	regionSize := size
	status, err := api.NtAllocateVirtualMemory(^uintptr(0), &base, 0, &regionSize,
		memReserve|memCommit|memTopDown, ProtectReadWrite)
	if err != nil || status != 0 {
		return 0, fmt.Errorf("hostvm: NtAllocateVirtualMemory failed: status=0x%X err=%v", status, err)
	}
	return base, nil
}

func (WindowsProvider) Free(base, size uintptr) error {
	if base == 0 {
		return nil
	}
	_, err := api.Call("kernel32.dll", "VirtualFree", base, uintptr(0), uintptr(memRelease))
	if err != nil {
		return fmt.Errorf("hostvm: VirtualFree failed: %v", err)
	}
	return nil
}

func (WindowsProvider) Protect(base, size uintptr, newProtect uint32) (uint32, error) {
	var oldProtect uintptr
	regionBase := base
	regionSize := size
	status, err := api.NtProtectVirtualMemory(^uintptr(0), &regionBase, &regionSize, uintptr(newProtect), &oldProtect)
	if err != nil || status != 0 {
		return 0, fmt.Errorf("hostvm: NtProtectVirtualMemory failed: status=0x%X err=%v", status, err)
	}
	return uint32(oldProtect), nil
}

func (WindowsProvider) LoadLibrary(name string) (uintptr, error) {
	h := api.LoadLibraryW(name)
	if h == 0 {
		return 0, fmt.Errorf("hostvm: LoadLibraryW failed for %q", name)
	}
	return h, nil
}

func (WindowsProvider) FreeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	_, err := api.Call("kernel32.dll", "FreeLibrary", handle)
	if err != nil {
		return fmt.Errorf("hostvm: FreeLibrary failed: %v", err)
	}
	return nil
}

func (WindowsProvider) Resolve(handle uintptr, sym Symbol) (uintptr, error) {
	var ordinalOrName uintptr
	if sym.Name != "" {
		nameBytes := append([]byte(sym.Name), 0)
		ordinalOrName = uintptr(unsafe.Pointer(&nameBytes[0]))
		addr, err := api.Call("kernel32.dll", "GetProcAddress", handle, ordinalOrName)
		if err != nil || addr == 0 {
			return 0, fmt.Errorf("hostvm: GetProcAddress(%q) failed: %v", sym.Name, err)
		}
		return addr, nil
	}

	addr, err := api.Call("kernel32.dll", "GetProcAddress", handle, uintptr(sym.Ordinal))
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("hostvm: GetProcAddress(#%d) failed: %v", sym.Ordinal, err)
	}
	return addr, nil
}

// View returns a mutable slice over live process memory at base, the
// same unsafe.Slice-over-uintptr idiom carved4-meltload/pkg/pe/dll.go
// uses when it casts a mapped base into `(*[1 << 30]byte)(unsafe.Pointer(...))`
// — this is the one place in the module allowed to do that cast.
func (WindowsProvider) View(base, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
}

// CallFunction invokes fn via go-wincall's worker thread, the same
// indirection carved4-meltload/pkg/pe/dll.go uses (api.CallWorker) to run
// an exported function or, here, a TLS callback/entry point.
func (WindowsProvider) CallFunction(fn uintptr, args ...uintptr) error {
	switch len(args) {
	case 0:
		api.CallWorker(fn)
	case 1:
		api.CallWorker(fn, args[0])
	case 2:
		api.CallWorker(fn, args[0], args[1])
	case 3:
		api.CallWorker(fn, args[0], args[1], args[2])
	default:
		return fmt.Errorf("hostvm: CallFunction supports at most 3 arguments, got %d", len(args))
	}
	return nil
}
