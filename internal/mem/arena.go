// internal/mem/arena.go

package mem

import (
	"fmt"
	"math"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"tickos/internal/kerr"
)

// PageSize is the granularity of Alloc4K/Free4K.
const PageSize uint32 = 0x1000

// maxPageRequest is the largest size that rounds up to a page without wrapping.
const maxPageRequest = math.MaxUint32 - PageSize + 1

// Block is one free range of the arena.
type Block struct {
	Addr uint32
	Size uint32
}

// Stats is a diagnostic snapshot of the arena.
type Stats struct {
	Blocks     int    // free blocks currently tracked
	PeakBlocks int    // highest Blocks seen so far
	Losts      uint32 // frees that could not be recorded
	LostSize   uint32 // bytes leaked by those frees
	Total      uint32 // bytes free
}

// Arena is a first-fit allocator over a fixed number of free blocks.
// It is not safe for concurrent use; the kernel calls it with interrupts masked.
type Arena struct {
	frees     *redblacktree.Tree // base address -> size, ordered by address
	maxFrees  int                // capacity of the free table
	peakFrees int
	lostSize  uint32
	losts     uint32
}

// New creates an empty arena able to track maxFrees free blocks.
func New(maxFrees int) *Arena {
	if maxFrees < 1 {
		maxFrees = 1
	}
	return &Arena{
		frees:    redblacktree.NewWith(utils.UInt32Comparator),
		maxFrees: maxFrees,
	}
}

// Alloc carves size bytes out of the lowest-addressed block that can hold them.
func (a *Arena) Alloc(size uint32) (uint32, error) {
	it := a.frees.Iterator()
	for it.Next() {
		base, free := it.Key().(uint32), it.Value().(uint32)
		if free < size {
			continue
		}
		// the iterator is not used after the tree changes
		a.frees.Remove(base)
		if free > size {
			a.frees.Put(base+size, free-size)
		}
		return base, nil
	}
	return 0, fmt.Errorf("mem: alloc %#x bytes: %w", size, kerr.ErrExhausted)
}

// Free returns [addr, addr+size) to the arena, merging with its neighbours.
// When the block cannot be merged and the table is full the range is leaked:
// it is counted in Stats and ErrLostFree is returned.
func (a *Arena) Free(addr, size uint32) error {
	if size == 0 {
		return nil
	}
	if uint64(addr)+uint64(size) > math.MaxUint32 {
		return fmt.Errorf("mem: free %#x+%#x: %w", addr, size, kerr.ErrBadRange)
	}

	var (
		prevBase, prevSize uint32
		nextBase, nextSize uint32
		hasPrev, hasNext   bool
	)
	if n, ok := a.frees.Floor(addr); ok {
		prevBase, prevSize, hasPrev = n.Key.(uint32), n.Value.(uint32), true
	}
	if n, ok := a.frees.Ceiling(addr); ok {
		nextBase, nextSize, hasNext = n.Key.(uint32), n.Value.(uint32), true
	}
	if hasPrev && prevBase+prevSize > addr {
		panic(fmt.Sprintf("mem: free %#x+%#x overlaps free block %#x+%#x", addr, size, prevBase, prevSize))
	}
	if hasNext && addr+size > nextBase {
		panic(fmt.Sprintf("mem: free %#x+%#x overlaps free block %#x+%#x", addr, size, nextBase, nextSize))
	}

	// merge into the predecessor, and maybe swallow the successor too
	if hasPrev && prevBase+prevSize == addr {
		merged := prevSize + size
		if hasNext && addr+size == nextBase {
			merged += nextSize
			a.frees.Remove(nextBase)
		}
		a.frees.Put(prevBase, merged)
		return nil
	}

	if hasNext && addr+size == nextBase {
		a.frees.Remove(nextBase)
		a.frees.Put(addr, size+nextSize)
		return nil
	}

	if a.frees.Size() < a.maxFrees {
		a.frees.Put(addr, size)
		if n := a.frees.Size(); n > a.peakFrees {
			a.peakFrees = n
		}
		return nil
	}

	a.losts++
	a.lostSize += size
	return fmt.Errorf("mem: free %#x+%#x: %w", addr, size, kerr.ErrLostFree)
}

// Alloc4K allocates size rounded up to whole pages.
func (a *Arena) Alloc4K(size uint32) (uint32, error) {
	r, ok := roundPage(size)
	if !ok {
		return 0, fmt.Errorf("mem: alloc %#x bytes: %w", size, kerr.ErrExhausted)
	}
	return a.Alloc(r)
}

// Free4K releases a range obtained from Alloc4K.
func (a *Arena) Free4K(addr, size uint32) error {
	r, ok := roundPage(size)
	if !ok {
		return fmt.Errorf("mem: free %#x+%#x: %w", addr, size, kerr.ErrBadRange)
	}
	return a.Free(addr, r)
}

// Total reports the number of free bytes.
func (a *Arena) Total() uint32 {
	var t uint32
	for _, v := range a.frees.Values() {
		t += v.(uint32)
	}
	return t
}

// Blocks returns the free table in address order.
func (a *Arena) Blocks() []Block {
	out := make([]Block, 0, a.frees.Size())
	it := a.frees.Iterator()
	for it.Next() {
		out = append(out, Block{Addr: it.Key().(uint32), Size: it.Value().(uint32)})
	}
	return out
}

func (a *Arena) Stats() Stats {
	return Stats{
		Blocks:     a.frees.Size(),
		PeakBlocks: a.peakFrees,
		Losts:      a.losts,
		LostSize:   a.lostSize,
		Total:      a.Total(),
	}
}

func roundPage(size uint32) (uint32, bool) {
	if size > maxPageRequest {
		return 0, false
	}
	return (size + PageSize - 1) &^ (PageSize - 1), true
}
