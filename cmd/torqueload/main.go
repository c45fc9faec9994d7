//go:build windows

// Command torqueload manually loads a single DLL into this process
// without invoking the OS image loader, then reports the mapped base and
// size. It is the thin driver spec.md §6 describes: no remote injection,
// no encryption-at-rest, no retry loop — one file in, one load, one
// result.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/veythra/torque/internal/hostvm"
	"github.com/veythra/torque/internal/loader"
	"github.com/veythra/torque/internal/peimage"
	"github.com/veythra/torque/internal/peview"
)

func main() {
	dump := flag.Bool("dump", false, "print a Binject/debug/pe summary of the file before loading")
	harden := flag.Bool("harden-headers", false, "set the mapped header page read-only after load")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: torqueload [-dump] [-harden-headers] <path-to-dll>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torqueload: %v\n", err)
		os.Exit(1)
	}

	if *dump {
		summary, err := peview.Dump(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "torqueload: -dump failed: %v\n", err)
		} else {
			fmt.Print(summary)
		}
	}

	img, err := peimage.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torqueload: %v\n", err)
		os.Exit(1)
	}

	provider := hostvm.NewWindowsProvider()
	ld := loader.New(provider, loader.Options{HardenHeaderPage: *harden})

	mapped, err := ld.Load(img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torqueload: load failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("loaded %s: base=0x%X size=0x%X\n", path, mapped.ImageBase(), mapped.Size())
}
