package vfatnbd

import (
	"encoding/binary"

	"github.com/blkfat/vfatnbd/checkpoint"
)

const (
	SectorSize      = 512
	ClusterSize     = 4096
	ReservedSectors = 32

	reservedFATEntries = 2

	fatEndOfChain  uint32 = 0x0fffffff
	fatBadCluster  uint32 = 0x0ffffff7
	fatUnallocated uint32 = 0x00000000

	// fatMediaDescriptor is the literal value stored in FAT entry 0.
	fatMediaDescriptor uint32 = 0x0ffffff8
)

func alignUp(x, sz uint64) uint64 {
	return (x + sz - 1) &^ (sz - 1)
}

// extent is a contiguous run of FAT entries that are either all the same
// literal value (free, bad, media marker) or an ascending chain where each
// entry but the last points at its neighbour. prev == 0 marks a literal
// extent; any other value (including fatEndOfChain) marks a chain segment.
type extent struct {
	start uint32
	end   uint32
	next  uint32
	prev  uint32
}

func (e *extent) isLiteral() bool { return e.prev == 0 }

// Allocator is the extent-based FAT table builder. Directories are
// allocated from the front via AllocBeginning; file data is allocated from
// the tail via AllocEnd. Finalize folds both runs together with a free and
// a bad-cluster filler extent in between and freezes the table for Fill.
type Allocator struct {
	dataClusters uint32
	fatByteSize  uint64

	extents        []extent // front-growing during construction; dense after Finalize
	extentsFromEnd []extent // tail-growing during construction; empty after Finalize

	finalized bool
}

// NewAllocator initializes an allocator for a volume with the given number
// of data clusters.
func NewAllocator(dataClusters uint32) *Allocator {
	a := &Allocator{}
	a.Init(dataClusters)
	return a
}

// Init resets the allocator to its empty two-sentinel state.
func (a *Allocator) Init(dataClusters uint32) {
	a.dataClusters = dataClusters
	a.fatByteSize = alignUp(uint64(dataClusters+reservedFATEntries)*4, SectorSize)
	a.extents = []extent{
		{start: 0, end: 0, next: fatMediaDescriptor, prev: 0},
		{start: 1, end: 1, next: fatEndOfChain, prev: 0},
	}
	a.extentsFromEnd = nil
	a.finalized = false
}

func (a *Allocator) validChainValue(value uint32) bool {
	if value == fatEndOfChain {
		return true
	}
	if value < reservedFATEntries {
		return false
	}
	if value >= a.dataClusters+reservedFATEntries {
		return false
	}
	return true
}

// firstFreeCluster is only valid during construction.
func (a *Allocator) firstFreeCluster() uint32 {
	return a.extents[len(a.extents)-1].end + 1
}

// lastFreeCluster is only valid during construction.
func (a *Allocator) lastFreeCluster() uint32 {
	if len(a.extentsFromEnd) == 0 {
		return a.dataClusters + reservedFATEntries - 1
	}
	return a.extentsFromEnd[len(a.extentsFromEnd)-1].start - 1
}

// findExtent returns the index of the extent containing clusterNr, or -1.
func (a *Allocator) findExtent(clusterNr uint32) int {
	l, h := 0, len(a.extents)-1
	for l <= h {
		m := (h + l) / 2
		switch {
		case clusterNr < a.extents[m].start:
			h = m - 1
		case clusterNr > a.extents[m].end:
			l = m + 1
		default:
			return m
		}
	}
	return -1
}

// AllocBeginning appends a fresh chain of length clusters at the front of
// the extent table and returns its starting cluster.
func (a *Allocator) AllocBeginning(clusters uint32) (uint32, error) {
	if a.finalized {
		return 0, ErrFinalized
	}
	start := a.firstFreeCluster()
	a.extents = append(a.extents, extent{
		start: start,
		end:   start + clusters - 1,
		next:  fatEndOfChain,
		prev:  fatEndOfChain,
	})
	return start, nil
}

// AllocEnd prepends a fresh chain of length clusters at the tail of the
// extent table and returns its starting cluster.
func (a *Allocator) AllocEnd(clusters uint32) (uint32, error) {
	if a.finalized {
		return 0, ErrFinalized
	}
	end := a.lastFreeCluster()
	start := end - clusters + 1
	a.extentsFromEnd = append(a.extentsFromEnd, extent{
		start: start,
		end:   end,
		next:  fatEndOfChain,
		prev:  fatEndOfChain,
	})
	return start, nil
}

// ExtendChain appends one cluster to the chain containing clusterNr and
// returns the chain's new last cluster. It returns ErrLiteralExtent if the
// chain walk reaches a literal extent, ErrNotAllocated if clusterNr has
// no extent at all, and ErrOutOfSpace if no free cluster is left between
// the front and tail allocations.
func (a *Allocator) ExtendChain(clusterNr uint32) (uint32, error) {
	if a.finalized {
		return 0, ErrFinalized
	}

	extentNr := a.findExtent(clusterNr)
	for extentNr >= 0 && a.extents[extentNr].next != fatEndOfChain {
		if a.extents[extentNr].isLiteral() {
			return 0, ErrLiteralExtent
		}
		extentNr = a.findExtent(a.extents[extentNr].next)
	}
	if extentNr < 0 {
		return 0, ErrNotAllocated
	}
	if a.extents[extentNr].isLiteral() {
		return 0, ErrLiteralExtent
	}
	if a.firstFreeCluster() > a.lastFreeCluster() {
		return 0, ErrOutOfSpace
	}

	if extentNr == len(a.extents)-1 {
		a.extents[extentNr].end++
		return a.extents[extentNr].end, nil
	}

	fe := &a.extents[extentNr]
	newExt := extent{
		start: a.firstFreeCluster(),
		prev:  fe.end,
		next:  fatEndOfChain,
	}
	newExt.end = newExt.start
	fe.next = newExt.start
	a.extents = append(a.extents, newExt)
	return newExt.end, nil
}

// Finalize fills the gap between the front and tail allocations with an
// unallocated extent (up to maxFreeClusters) followed by a bad-cluster
// extent for the remainder, splices the tail allocations on, and freezes
// the table. No Alloc* call is valid afterward.
func (a *Allocator) Finalize(maxFreeClusters uint32) {
	start := a.firstFreeCluster()
	end := a.lastFreeCluster()
	if end > start+maxFreeClusters-1 {
		end = start + maxFreeClusters - 1
	}
	freeExt := extent{start: start, end: end, next: fatUnallocated, prev: 0}
	if freeExt.end >= freeExt.start {
		a.extents = append(a.extents, freeExt)
	}

	badExt := extent{start: freeExt.end + 1, end: a.lastFreeCluster(), next: fatBadCluster, prev: 0}
	if badExt.end >= badExt.start {
		a.extents = append(a.extents, badExt)
	}

	for i := len(a.extentsFromEnd) - 1; i >= 0; i-- {
		a.extents = append(a.extents, a.extentsFromEnd[i])
	}
	a.extentsFromEnd = nil
	a.finalized = true
}

// Finalized reports whether Finalize has run.
func (a *Allocator) Finalized() bool { return a.finalized }

// FATByteSize returns the byte length of the rendered FAT region.
func (a *Allocator) FATByteSize() uint64 { return a.fatByteSize }

// DataClusters returns the number of data clusters this allocator was
// initialized with.
func (a *Allocator) DataClusters() uint32 { return a.dataClusters }

// ClusterPos returns the byte offset of clusterNr within the synthesized
// image.
func (a *Allocator) ClusterPos(clusterNr uint32) uint64 {
	return uint64(ReservedSectors*SectorSize) + a.fatByteSize + uint64(clusterNr-2)*ClusterSize
}

// Fill renders length bytes of the FAT region starting at byte offset
// offset. Both must be multiples of 4 (one FAT32 entry). It returns
// ErrNotFinalized before Finalize.
func (a *Allocator) Fill(buf []byte, offset, length uint64) error {
	if !a.finalized {
		return ErrNotFinalized
	}
	if offset%4 != 0 || length%4 != 0 {
		return ErrMisaligned
	}
	entryNr := uint32(offset / 4)
	entries := uint32(length / 4)
	var i uint32

	extentNr := a.findExtent(entryNr)
	for extentNr >= 0 {
		fe := &a.extents[extentNr]
		if fe.isLiteral() {
			for entryNr+i <= fe.end && i < entries {
				binary.LittleEndian.PutUint32(buf[i*4:], fe.next)
				i++
			}
		} else {
			for entryNr+i < fe.end && i < entries {
				binary.LittleEndian.PutUint32(buf[i*4:], entryNr+i+1)
				i++
			}
			if i < entries {
				binary.LittleEndian.PutUint32(buf[i*4:], fe.next)
				i++
			}
		}
		if i == entries {
			return nil
		}
		if extentNr < len(a.extents)-1 {
			extentNr++
		} else {
			extentNr = -1
		}
	}

	for ; i < entries; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], fatBadCluster)
	}
	return nil
}

// Receive diffs buf against what Fill would currently produce and applies
// each differing entry as a guest-initiated FAT edit, for diagnostic
// reconstruction only; it never rewrites host files.
func (a *Allocator) Receive(buf []byte, offset, length uint64) error {
	if offset%4 != 0 || length%4 != 0 {
		return ErrMisaligned
	}
	entries := uint32(length / 4)
	entryNr := uint32(offset / 4)

	orig := make([]byte, length)
	if err := a.Fill(orig, offset, length); err != nil {
		return checkpoint.Wrap(err, ErrInconsistentWrite)
	}

	for i := uint32(0); i < entries; i++ {
		newValue := binary.LittleEndian.Uint32(buf[i*4:])
		oldValue := binary.LittleEndian.Uint32(orig[i*4:])
		if newValue == oldValue {
			continue
		}
		if entryNr+i < reservedFATEntries {
			return ErrInconsistentWrite
		}
		if oldValue == fatBadCluster {
			return ErrInconsistentWrite
		}
		extentNr := a.findExtent(entryNr + i)
		if extentNr <= 0 {
			return ErrInconsistentWrite
		}
		fe := &a.extents[extentNr]
		value := newValue

		if fe.start == entryNr+i {
			if a.tryIncExtent(extentNr-1, value) {
				a.bumpExtent(extentNr)
				continue
			}
		}
		if fe.end == entryNr+i {
			if a.tryRenextExtent(extentNr, value) {
				continue
			}
		}
		a.punchExtent(extentNr, entryNr+i, value)
	}
	return nil
}

func (a *Allocator) tryIncExtent(extentNr int, value uint32) bool {
	fe := &a.extents[extentNr]
	if fe.isLiteral() {
		if fe.next == value {
			fe.end++
			return true
		}
		return false
	}
	if fe.next == fe.end+1 && a.validChainValue(value) {
		fe.next = value
		fe.end++
		return true
	}
	return false
}

func (a *Allocator) bumpExtent(extentNr int) {
	fe := &a.extents[extentNr]
	if fe.start == fe.end {
		a.extents = append(a.extents[:extentNr], a.extents[extentNr+1:]...)
		return
	}
	fe.start++
	if !fe.isLiteral() {
		fe.prev = fatEndOfChain
	}
}

func (a *Allocator) tryRenextExtent(extentNr int, value uint32) bool {
	fe := &a.extents[extentNr]
	if extentNr < reservedFATEntries {
		return false
	}
	if fe.isLiteral() {
		return false
	}
	if a.validChainValue(value) {
		fe.next = value
		return true
	}
	return false
}

func (a *Allocator) punchExtent(extentNr int, clusterNr, value uint32) {
	newExt := extent{start: clusterNr, end: clusterNr, next: value}
	if value == fatUnallocated || value == fatBadCluster {
		newExt.prev = 0
	} else {
		newExt.prev = fatEndOfChain
	}

	fe := &a.extents[extentNr]
	if fe.start == fe.end {
		*fe = newExt
		return
	}
	if fe.start == clusterNr {
		fe.start++
		a.insertExtent(extentNr, newExt)
		return
	}
	if fe.end == clusterNr {
		fe.end--
		if !fe.isLiteral() {
			fe.next = clusterNr
		}
		a.insertExtent(extentNr+1, newExt)
		return
	}

	postExt := extent{start: clusterNr + 1, end: fe.end, next: fe.next, prev: fe.prev}
	fe.end = clusterNr - 1
	if !fe.isLiteral() {
		fe.next = clusterNr
		postExt.prev = fatEndOfChain
	}
	a.insertExtent(extentNr+1, newExt)
	a.insertExtent(extentNr+2, postExt)
}

func (a *Allocator) insertExtent(at int, e extent) {
	a.extents = append(a.extents, extent{})
	copy(a.extents[at+1:], a.extents[at:])
	a.extents[at] = e
}

// Consistent validates that every chain extent's next pointer resolves to
// a chain extent whose own bookkeeping agrees with it. It claims dangling
// prev pointers it finds consistent, exactly like the reference checker.
func (a *Allocator) Consistent() bool {
	for i := len(a.extents) - 1; i >= 0; i-- {
		fe := &a.extents[i]
		if fe.isLiteral() {
			continue
		}
		if fe.next == fatEndOfChain {
			continue
		}
		if !a.validChainValue(fe.next) {
			return false
		}
		nextNr := a.findExtent(fe.next)
		if nextNr < 0 {
			return false
		}
		nfe := &a.extents[nextNr]
		if nfe.isLiteral() {
			return false
		}
		if fe.next != nfe.start {
			return false
		}
		if nfe.prev == fatEndOfChain {
			nfe.prev = fe.end
		} else if nfe.prev != fe.end {
			return false
		}
	}
	return true
}

// extentCount exposes the number of extents for tests.
func (a *Allocator) extentCount() int { return len(a.extents) }
