package arena

// Pair holds the two disjoint arenas seeded at boot from registered memory
// spans (spec.md §3: "Two disjoint arenas exist (small-page, large-page)
// seeded at boot by splitting each registered span so that the portion
// aligned to 2 MiB boundaries is donated to the large arena and the
// unaligned tails to the small arena").
type Pair struct {
	Small *Arena
	Large *Arena
}

// NewPair constructs an empty small/large arena pair.
func NewPair() *Pair {
	return &Pair{Small: NewSmall(), Large: NewLarge()}
}

// AddSpan classifies a physical memory span into its large-aligned middle
// and small-aligned leading/trailing tails, donating each portion to the
// matching arena.
func (p *Pair) AddSpan(base, size uint64) {
	end := base + size

	largeStart := alignUp(base, PageSizeLarge)
	largeEnd := alignDown(end, PageSizeLarge)

	if largeStart >= largeEnd {
		// Span too small or too misaligned to contain any large page.
		p.Small.AddSpan(base, size)
		return
	}

	if largeStart > base {
		p.Small.AddSpan(base, largeStart-base)
	}
	p.Large.AddSpan(largeStart, largeEnd-largeStart)
	if largeEnd < end {
		p.Small.AddSpan(largeEnd, end-largeEnd)
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
