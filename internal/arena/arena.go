// Package arena implements the kernel's contiguous physical-page allocator:
// a red-black tree of free (base, size) segments, split into a small-page
// pool and a large-page pool (spec.md §3/§4.1).
//
// The teacher's own heap.go (iansmith-mazarin/src/mazboot/golang/main) keeps
// free-list headers embedded directly in the freed memory via unsafe
// pointer casts — workable for a single freestanding allocator but not a
// shape that can carry two independently-sized pools or be unit tested
// without a simulated address space. This package keeps the teacher's
// overall free-segment/coalesce discipline but represents segments as plain
// Go values in a red-black tree (Bonwick, "Magazines and Vmem", a design
// named directly by spec.md §3), ordered by base address.
package arena

import "github.com/manticoreos/manticore/internal/errno"

const (
	PageSizeSmall = 4096
	PageSizeLarge = 2 * 1024 * 1024
)

// node is one free segment in the tree, ordered by Base.
type node struct {
	base, size  uint64
	left, right *node
	parent      *node
	red         bool
}

// Arena is a red-black tree of free segments of a single page size.
type Arena struct {
	root     *node
	pageSize uint64
}

func newArena(pageSize uint64) *Arena {
	return &Arena{pageSize: pageSize}
}

// NewSmall returns an empty arena of 4 KiB pages.
func NewSmall() *Arena { return newArena(PageSizeSmall) }

// NewLarge returns an empty arena of 2 MiB pages.
func NewLarge() *Arena { return newArena(PageSizeLarge) }

// PageSize reports the fixed allocation granule of this arena.
func (a *Arena) PageSize() uint64 { return a.pageSize }

// AddSpan inserts a free segment of the given base/size, coalescing with
// any adjacent free segments already present.
func (a *Arena) AddSpan(base, size uint64) {
	if size == 0 {
		return
	}
	a.insertCoalesced(base, size)
}

// AllocPage removes and returns the base of the leftmost free segment
// (lowest base), splitting off the leading page and reinserting the
// remainder when the segment is larger than one page. It returns ENOMEM
// when the arena is empty or the leftmost segment is shorter than a page;
// segments above it are not searched.
func (a *Arena) AllocPage() errno.Result[uint64] {
	n := a.leftmost()
	if n == nil || n.size < a.pageSize {
		return errno.Fail[uint64](errno.ENOMEM)
	}
	base := n.base
	if n.size == a.pageSize {
		a.delete(n)
	} else {
		a.updateKey(n, n.base+a.pageSize, n.size-a.pageSize)
	}
	return errno.Ok(base)
}

// FreePage returns a single page to the arena, coalescing with neighbors.
func (a *Arena) FreePage(p uint64) {
	a.insertCoalesced(p, a.pageSize)
}

// insertCoalesced inserts (base, size), merging with the free segment whose
// base equals base+size and the free segment whose base+size equals base,
// maintaining the "no two adjacent free segments" invariant (spec.md §8.1).
func (a *Arena) insertCoalesced(base, size uint64) {
	if succ := a.find(base + size); succ != nil {
		size += succ.size
		a.delete(succ)
	}
	if pred := a.findEndingAt(base); pred != nil {
		base = pred.base
		size += pred.size
		a.delete(pred)
	}
	a.insert(base, size)
}

// findEndingAt returns the free segment whose base+size == end, if any.
func (a *Arena) findEndingAt(end uint64) *node {
	for n := a.root; n != nil; {
		cand := n
		if cand.base+cand.size == end {
			return cand
		}
		if end < cand.base {
			n = n.left
		} else {
			n = n.right
		}
	}
	// The above walk only follows one path and may miss the match when the
	// tree isn't ordered by end; fall back to a full scan, acceptable since
	// arenas are small boot-time structures, not a hot path.
	var found *node
	a.inorder(func(n *node) bool {
		if n.base+n.size == end {
			found = n
			return false
		}
		return true
	})
	return found
}

func (a *Arena) find(base uint64) *node {
	n := a.root
	for n != nil {
		switch {
		case base == n.base:
			return n
		case base < n.base:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

func (a *Arena) leftmost() *node {
	n := a.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// inorder walks the tree in ascending base order, stopping early if fn
// returns false.
func (a *Arena) inorder(fn func(*node) bool) {
	var walk func(*node) bool
	walk = func(n *node) bool {
		if n == nil {
			return true
		}
		if !walk(n.left) {
			return false
		}
		if !fn(n) {
			return false
		}
		return walk(n.right)
	}
	walk(a.root)
}

// Segments returns all free segments in ascending base order. Used by
// invariant tests and by FreeBytes.
func (a *Arena) Segments() []Segment {
	var out []Segment
	a.inorder(func(n *node) bool {
		out = append(out, Segment{Base: n.base, Size: n.size})
		return true
	})
	return out
}

// Segment is a free (base, size) range, exported for tests and callers
// that need to inspect arena state (e.g. add_span's classification step).
type Segment struct {
	Base, Size uint64
}

// FreeBytes sums the size of every free segment.
func (a *Arena) FreeBytes() uint64 {
	var total uint64
	for _, s := range a.Segments() {
		total += s.Size
	}
	return total
}

// updateKey removes n then reinserts it with a new base/size. The red-black
// tree is keyed by base, so changing base requires repositioning.
func (a *Arena) updateKey(n *node, base, size uint64) {
	a.delete(n)
	a.insert(base, size)
}
