package vfatnbd

import (
	"encoding/binary"
	"testing"
)

func TestAllocator_AllocBeginningAndEnd(t *testing.T) {
	a := NewAllocator(1000)

	dir, err := a.AllocBeginning(1)
	if err != nil {
		t.Fatalf("AllocBeginning: %v", err)
	}
	if dir != 2 {
		t.Errorf("first AllocBeginning = %d, want 2 (cluster numbering starts at 2)", dir)
	}

	file, err := a.AllocEnd(4)
	if err != nil {
		t.Fatalf("AllocEnd: %v", err)
	}
	wantFileStart := 1000 + 2 - 4
	if file != uint32(wantFileStart) {
		t.Errorf("AllocEnd start = %d, want %d", file, wantFileStart)
	}

	a.Finalize(1 << 20)
	if !a.Finalized() {
		t.Fatal("Finalize did not mark the allocator finalized")
	}
	if !a.Consistent() {
		t.Error("allocator not internally consistent after Finalize")
	}
}

func TestAllocator_ExtendChain(t *testing.T) {
	a := NewAllocator(1000)
	start, err := a.AllocBeginning(1)
	if err != nil {
		t.Fatalf("AllocBeginning: %v", err)
	}

	next, err := a.ExtendChain(start)
	if err != nil {
		t.Fatalf("ExtendChain: %v", err)
	}
	if next == start {
		t.Error("ExtendChain returned the same cluster")
	}

	a.Finalize(1 << 20)
	if !a.Consistent() {
		t.Fatal("inconsistent after extending a chain")
	}

	buf := make([]byte, 8)
	if err := a.Fill(buf, uint64(start)*4, 8); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	gotNext := binary.LittleEndian.Uint32(buf[0:4])
	if gotNext != next {
		t.Errorf("FAT[%d] = %d, want %d", start, gotNext, next)
	}
	gotEnd := binary.LittleEndian.Uint32(buf[4:8])
	if gotEnd != fatEndOfChain {
		t.Errorf("FAT[%d] = %#x, want end-of-chain", next, gotEnd)
	}
}

func TestAllocator_ExtendChain_LiteralExtentRejected(t *testing.T) {
	a := NewAllocator(1000)
	// cluster 0 is always the literal media-descriptor extent.
	if _, err := a.ExtendChain(0); err != ErrLiteralExtent {
		t.Errorf("ExtendChain(0) = %v, want ErrLiteralExtent", err)
	}
}

func TestAllocator_AllocAfterFinalize(t *testing.T) {
	a := NewAllocator(1000)
	a.Finalize(1 << 20)

	if _, err := a.AllocBeginning(1); err != ErrFinalized {
		t.Errorf("AllocBeginning after Finalize = %v, want ErrFinalized", err)
	}
	if _, err := a.AllocEnd(1); err != ErrFinalized {
		t.Errorf("AllocEnd after Finalize = %v, want ErrFinalized", err)
	}
	if _, err := a.ExtendChain(2); err != ErrFinalized {
		t.Errorf("ExtendChain after Finalize = %v, want ErrFinalized", err)
	}
}

func TestAllocator_FillMisaligned(t *testing.T) {
	a := NewAllocator(1000)
	a.Finalize(1 << 20)

	buf := make([]byte, 4)
	if err := a.Fill(buf, 1, 4); err != ErrMisaligned {
		t.Errorf("Fill at odd offset = %v, want ErrMisaligned", err)
	}
}

func TestAllocator_FreeSpaceClamped(t *testing.T) {
	a := NewAllocator(1000)
	a.AllocBeginning(1)
	a.AllocEnd(1)
	a.Finalize(5) // far smaller than the actual gap

	entry := make([]byte, 4)
	// the cluster just after the directory chain should report free...
	if err := a.Fill(entry, uint64(3)*4, 4); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if binary.LittleEndian.Uint32(entry) != fatUnallocated {
		t.Errorf("cluster 3 = %#x, want free", binary.LittleEndian.Uint32(entry))
	}
	// ...but far enough into the gap it should have become a bad cluster.
	if err := a.Fill(entry, uint64(500)*4, 4); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if binary.LittleEndian.Uint32(entry) != fatBadCluster {
		t.Errorf("cluster 500 = %#x, want bad", binary.LittleEndian.Uint32(entry))
	}
}

func TestAllocator_ReceiveRejectsReservedEntries(t *testing.T) {
	a := NewAllocator(1000)
	a.Finalize(1 << 20)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x12345678)
	if err := a.Receive(buf, 0, 4); err != ErrInconsistentWrite {
		t.Errorf("Receive on entry 0 = %v, want ErrInconsistentWrite", err)
	}
}

func TestAllocator_ReceiveNoOpMatchesFill(t *testing.T) {
	a := NewAllocator(1000)
	a.AllocBeginning(2)
	a.Finalize(1 << 20)

	orig := make([]byte, 4)
	if err := a.Fill(orig, 2*4, 4); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := a.Receive(orig, 2*4, 4); err != nil {
		t.Errorf("Receive with unchanged bytes = %v, want nil", err)
	}
}
