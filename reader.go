package vfatnbd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blkfat/vfatnbd/checkpoint"
)

// These errors may occur while parsing a synthesized image back out.
var (
	ErrInvalidBootSector = fmt.Errorf("no valid FAT32 boot sector")
	ErrReadFile          = fmt.Errorf("could not read file completely")
	ErrReadDir           = fmt.Errorf("could not read the directory")
	ErrBrokenChain       = fmt.Errorf("cluster chain is broken or cyclic")
)

// Reader parses a FAT32 byte stream back into directory entries and file
// contents. The tests and the ls subcommand use it to verify that what the
// allocator, composer, directory encoder, and file mapper produced is a
// real, readable FAT32 volume; it never writes anything.
type Reader struct {
	image io.ReadSeeker

	sectorSize        uint16
	sectorsPerCluster byte
	reservedSectors   uint16
	fatSize           uint32 // FAT region size in bytes
	rootCluster       uint32

	sectorBuf     []byte
	currentSector uint32
}

// NewReader parses the boot sector of image and returns a Reader ready for
// ReadRoot/ReadDir/ReadFile calls.
func NewReader(image io.ReadSeeker) (*Reader, error) {
	r := &Reader{
		image:         image,
		sectorSize:    SectorSize,
		currentSector: 0xFFFFFFFF,
	}
	r.sectorBuf = make([]byte, r.sectorSize)
	if err := r.initialize(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) initialize() error {
	sector0, err := r.fetchSector(0)
	if err != nil {
		return checkpoint.Wrap(err, ErrInvalidBootSector)
	}

	var bpb BPB
	if err := binary.Read(bytes.NewReader(sector0), binary.LittleEndian, &bpb); err != nil {
		return checkpoint.Wrap(err, ErrInvalidBootSector)
	}

	if !(bpb.BSJumpBoot[0] == 0xEB && bpb.BSJumpBoot[2] == 0x90) && bpb.BSJumpBoot[0] != 0xE9 {
		return ErrInvalidBootSector
	}
	if bpb.BytesPerSector != SectorSize {
		return ErrInvalidBootSector
	}
	if bpb.SectorsPerCluster == 0 {
		return ErrInvalidBootSector
	}

	var fat32 FAT32SpecificData
	if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat32); err != nil {
		return checkpoint.Wrap(err, ErrInvalidBootSector)
	}

	r.sectorSize = bpb.BytesPerSector
	r.sectorsPerCluster = bpb.SectorsPerCluster
	r.reservedSectors = bpb.ReservedSectorCount
	r.fatSize = fat32.FatSize * uint32(bpb.BytesPerSector)
	r.rootCluster = fat32.RootCluster
	return nil
}

func (r *Reader) fetchSector(sector uint32) ([]byte, error) {
	if sector == r.currentSector {
		return r.sectorBuf, nil
	}
	if _, err := r.image.Seek(int64(sector)*int64(r.sectorSize), io.SeekStart); err != nil {
		return nil, checkpoint.From(err)
	}
	if _, err := io.ReadFull(r.image, r.sectorBuf); err != nil {
		return nil, checkpoint.From(err)
	}
	r.currentSector = sector
	return r.sectorBuf, nil
}

func (r *Reader) fatEntry(cluster uint32) (uint32, error) {
	byteOffset := uint64(cluster) * 4
	sector := r.reservedSectors + uint16(byteOffset/uint64(r.sectorSize))
	buf, err := r.fetchSector(uint32(sector))
	if err != nil {
		return 0, err
	}
	within := byteOffset % uint64(r.sectorSize)
	return binary.LittleEndian.Uint32(buf[within:]) & 0x0FFFFFFF, nil
}

func (r *Reader) clusterPos(cluster uint32) int64 {
	dataStartSector := uint32(r.reservedSectors) + r.fatSize/uint32(r.sectorSize)
	return int64(dataStartSector)*int64(r.sectorSize) + int64(cluster-2)*int64(r.sectorsPerCluster)*int64(r.sectorSize)
}

// clusterChain follows the FAT starting at start until end-of-chain,
// guarding against cycles by bounding the walk to the number of clusters
// addressable by the FAT region itself.
func (r *Reader) clusterChain(start uint32) ([]uint32, error) {
	var chain []uint32
	cluster := start
	limit := int(r.fatSize/4) + 1
	for i := 0; i < limit; i++ {
		chain = append(chain, cluster)
		next, err := r.fatEntry(cluster)
		if err != nil {
			return nil, err
		}
		if next == fatEndOfChain || next == fatUnallocated || next == fatBadCluster {
			return chain, nil
		}
		cluster = next
	}
	return nil, checkpoint.From(ErrBrokenChain)
}

func (r *Reader) readClusters(chain []uint32) ([]byte, error) {
	clusterBytes := int64(r.sectorsPerCluster) * int64(r.sectorSize)
	buf := make([]byte, clusterBytes*int64(len(chain)))
	for i, cluster := range chain {
		if _, err := r.image.Seek(r.clusterPos(cluster), io.SeekStart); err != nil {
			return nil, checkpoint.From(err)
		}
		if _, err := io.ReadFull(r.image, buf[int64(i)*clusterBytes:int64(i+1)*clusterBytes]); err != nil {
			return nil, checkpoint.From(err)
		}
	}
	return buf, nil
}

// ReadRoot reads the root directory's entries.
func (r *Reader) ReadRoot() ([]ExtendedEntryHeader, error) {
	return r.ReadDir(r.rootCluster)
}

// ReadDir reads every entry of the directory starting at cluster,
// reassembling long filenames from their preceding LFN records.
func (r *Reader) ReadDir(cluster uint32) ([]ExtendedEntryHeader, error) {
	chain, err := r.clusterChain(cluster)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}
	data, err := r.readClusters(chain)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	var entries []ExtendedEntryHeader
	var pendingLFN []LongFilenameEntry

	for offset := 0; offset+dirEntrySize <= len(data); offset += dirEntrySize {
		raw := data[offset : offset+dirEntrySize]
		if raw[0] == 0x00 {
			break // no more entries
		}
		if raw[0] == 0xE5 {
			pendingLFN = nil
			continue // deleted entry
		}
		if raw[11] == AttrLongName {
			var lfn LongFilenameEntry
			if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &lfn); err != nil {
				return nil, checkpoint.Wrap(err, ErrReadDir)
			}
			pendingLFN = append(pendingLFN, lfn)
			continue
		}

		var short EntryHeader
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &short); err != nil {
			return nil, checkpoint.Wrap(err, ErrReadDir)
		}

		name := decodeLFN(pendingLFN)
		pendingLFN = nil
		entries = append(entries, ExtendedEntryHeader{EntryHeader: short, ExtendedName: name})
	}
	return entries, nil
}

// decodeLFN reassembles the long filename from its component entries,
// which arrive in storage order (highest sequence number first).
func decodeLFN(entries []LongFilenameEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var units []uint16
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		units = append(units, e.First[:]...)
		units = append(units, e.Second[:]...)
		units = append(units, e.Third[:]...)
	}
	var b strings.Builder
	for _, u := range units {
		if u == 0 || u == lfnCharsLast {
			break
		}
		b.WriteRune(rune(u))
	}
	return b.String()
}

// ReadFile reads size bytes of the file whose data starts at cluster.
func (r *Reader) ReadFile(cluster uint32, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	chain, err := r.clusterChain(cluster)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadFile)
	}
	data, err := r.readClusters(chain)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadFile)
	}
	if uint32(len(data)) < size {
		return data, checkpoint.From(ErrReadFile)
	}
	return data[:size], nil
}
