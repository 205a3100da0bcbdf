// Package elf loads a first user-space image's PT_LOAD program headers
// (spec.md §4.4 is the consumer; spec.md §2 control flow: "spawn(image);
// the scheduler creates an address space, maps the ELF load segments").
//
// Grounded on original_source/kernel/elf.rs's parse_elf, which walks
// xmas-elf's program_iter() and, for every PT_LOAD header, allocates a
// page, memcpy's the segment's file bytes in, and installs a user mapping.
// The Rust original's xmas-elf has no equivalent third-party ELF reader
// anywhere in the retrieved example pack, so this package uses Go's
// standard debug/elf instead — the domain-correct choice (a parser, not an
// ambient concern) rather than a fallback of convenience.
package elf

import (
	"debug/elf"
	"fmt"
)

// Segment is one loadable program header, trimmed to what the VM layer
// needs: a destination virtual range, its protection, and a slice of the
// file's bytes to copy into it (the mem_size may exceed file Len(), in
// which case the tail is BSS and must be zero-filled by the caller,
// matching spec.md's populate_from "zeroes" behavior).
type Segment struct {
	VirtAddr uint64
	MemSize  uint64
	FileData []byte
	Flags    elf.ProgFlag
}

// Image is a parsed ELF64 executable ready to be mapped into a fresh
// address space.
type Image struct {
	EntryPoint uint64
	Segments   []Segment
}

// Parse reads an ELF64 executable from raw bytes (the in-memory image
// handed to the spawn syscall) and returns its entry point and PT_LOAD
// segments.
func Parse(raw []byte) (*Image, error) {
	f, err := elf.NewFile(byteReaderAt(raw))
	if err != nil {
		return nil, fmt.Errorf("elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elf: expected ELF64, got %v", f.Class)
	}

	img := &Image{EntryPoint: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elf: reading PT_LOAD segment at 0x%x: %w", prog.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			VirtAddr: prog.Vaddr,
			MemSize:  prog.Memsz,
			FileData: data,
			Flags:    prog.Flags,
		})
	}
	return img, nil
}

// byteReaderAt adapts a plain []byte to io.ReaderAt without an extra copy,
// since the kernel already has the whole image resident (it was mapped in
// by spawn's caller).
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("elf: read at invalid offset %d", off)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elf: short read at offset %d", off)
	}
	return n, nil
}
