package vfatnbd

import (
	"testing"
	"time"
)

func newTestEncoder(dataClusters uint32) (*Allocator, *Composer, *DirectoryEncoder) {
	a := NewAllocator(dataClusters)
	c := NewComposer()
	d := NewDirectoryEncoder(a, c)
	return a, c, d
}

func readDirBytes(t *testing.T, d *DirectoryEncoder, cluster uint32) []byte {
	t.Helper()
	info, ok := d.byCluster[cluster]
	if !ok {
		t.Fatalf("no dirInfo for cluster %d", cluster)
	}
	return append([]byte(nil), info.service.data...)
}

func TestDirectoryEncoder_RootExists(t *testing.T) {
	_, _, d := newTestEncoder(1000)
	if _, ok := d.byCluster[rootDirCluster]; !ok {
		t.Fatal("NewDirectoryEncoder did not create the root directory at cluster 2")
	}
}

func TestDirectoryEncoder_AddEntry_ShortEntryLayout(t *testing.T) {
	_, _, d := newTestEncoder(1000)

	mtime := time.Date(2020, 12, 26, 20, 30, 32, 0, time.UTC)
	atime := time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)

	name16 := []uint16{'h', 'i', 0}
	if err := d.AddEntry(0, 0x00123456, name16, 42, AttrArchive, mtime, atime); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	data := readDirBytes(t, d, rootDirCluster)
	if len(data) != dirEntrySize*2 { // one LFN entry (2 chars fits in one) + short entry
		t.Fatalf("directory has %d bytes, want %d", len(data), dirEntrySize*2)
	}

	short := data[dirEntrySize:]
	if got := short[11]; got != AttrArchive|AttrReadOnly {
		t.Errorf("attrs = %#x, want %#x", got, AttrArchive|AttrReadOnly)
	}

	gotCluster := uint32(short[26]) | uint32(short[27])<<8 | uint32(short[20])<<16 | uint32(short[21])<<24
	if gotCluster != 0x00123456 {
		t.Errorf("cluster = %#x, want %#x", gotCluster, 0x00123456)
	}

	gotSize := uint32(short[28]) | uint32(short[29])<<8 | uint32(short[30])<<16 | uint32(short[31])<<24
	if gotSize != 42 {
		t.Errorf("size = %d, want 42", gotSize)
	}
}

func TestDirectoryEncoder_AddEntry_DirectoryForcesZeroSize(t *testing.T) {
	_, _, d := newTestEncoder(1000)

	if err := d.AddEntry(0, 5, []uint16{'d', 0}, 999, AttrDirectory, time.Now(), time.Now()); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	data := readDirBytes(t, d, rootDirCluster)
	short := data[len(data)-dirEntrySize:]
	gotSize := uint32(short[28]) | uint32(short[29])<<8 | uint32(short[30])<<16 | uint32(short[31])<<24
	if gotSize != 0 {
		t.Errorf("directory entry size = %d, want 0", gotSize)
	}
}

func TestDirectoryEncoder_AddEntry_UnknownParentFails(t *testing.T) {
	_, _, d := newTestEncoder(1000)
	if err := d.AddEntry(999999, 5, []uint16{'x', 0}, 0, AttrNone, time.Now(), time.Now()); err != ErrNotAllocated {
		t.Errorf("AddEntry with bad parent = %v, want ErrNotAllocated", err)
	}
}

func TestDirectoryEncoder_AddEntry_LongNameSpansMultipleEntries(t *testing.T) {
	_, _, d := newTestEncoder(1000)

	// 30 characters + terminator needs 3 LFN entries (13 chars each).
	name := make([]uint16, 0, 31)
	for i := 0; i < 30; i++ {
		name = append(name, uint16('a'+i%26))
	}
	name = append(name, 0)

	if err := d.AddEntry(0, 5, name, 0, AttrArchive, time.Now(), time.Now()); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	data := readDirBytes(t, d, rootDirCluster)
	if len(data) != dirEntrySize*4 { // 3 LFN entries + 1 short entry
		t.Fatalf("directory has %d bytes, want %d", len(data), dirEntrySize*4)
	}

	// reconstruct via the same layout reader.go uses, to keep both paths honest.
	var entries []LongFilenameEntry
	for i := 0; i < 3; i++ {
		raw := data[i*dirEntrySize : (i+1)*dirEntrySize]
		entries = append(entries, LongFilenameEntry{
			Sequence: raw[0],
			First:    [5]uint16{le16At(raw, 1), le16At(raw, 3), le16At(raw, 5), le16At(raw, 7), le16At(raw, 9)},
			Second:   [6]uint16{le16At(raw, 14), le16At(raw, 16), le16At(raw, 18), le16At(raw, 20), le16At(raw, 22), le16At(raw, 24)},
			Third:    [2]uint16{le16At(raw, 28), le16At(raw, 30)},
		})
	}
	got := decodeLFN(entries)
	want := string(utf16ToRunes(name[:30]))
	if got != want {
		t.Errorf("reassembled name = %q, want %q", got, want)
	}
}

func le16At(b []byte, offset int) uint16 {
	return uint16(b[offset]) | uint16(b[offset+1])<<8
}

func utf16ToRunes(units []uint16) []rune {
	out := make([]rune, len(units))
	for i, u := range units {
		out[i] = rune(u)
	}
	return out
}

func TestDirectoryEncoder_AddEntry_GrowsChainAcrossClusterBoundary(t *testing.T) {
	_, _, d := newTestEncoder(100000)

	entriesPerCluster := ClusterSize / dirEntrySize // 128; each AddEntry here writes one LFN entry plus one short entry
	for i := 0; i < entriesPerCluster+1; i++ {
		name16 := []uint16{'a', 0}
		if err := d.AddEntry(0, uint32(100+i), name16, 0, AttrArchive, time.Now(), time.Now()); err != nil {
			t.Fatalf("AddEntry #%d: %v", i, err)
		}
	}

	info := d.byCluster[rootDirCluster]
	if info.allocated < 2 {
		t.Errorf("directory allocated %d clusters, want at least 2 after exceeding one cluster's capacity", info.allocated)
	}
}

func TestVfatChecksum_MatchesKnownValue(t *testing.T) {
	// "FOO        " (11 bytes, space-padded) has VFAT checksum 136.
	name := []byte("FOO        ")
	got := vfatChecksum(name)
	const want byte = 136
	if got != want {
		t.Errorf("vfatChecksum = %d, want %d", got, want)
	}
}
