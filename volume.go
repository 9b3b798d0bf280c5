package vfatnbd

import (
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/blkfat/vfatnbd/checkpoint"
)

// Volume glues the allocator, composer, directory encoder, and file
// mapper into one synthesized FAT32 image, and serializes the block
// requests that read and (diagnostically) write it.
type Volume struct {
	mu sync.Mutex

	log *slog.Logger

	allocator *Allocator
	composer  *Composer
	dirs      *DirectoryEncoder
	files     *FileMapper

	totalSectors      uint32
	fatSectors        uint32
	freeSpaceClusters uint32

	bootSector   []byte
	fsinfoSector []byte

	offset int64 // for the io.ReadSeeker adapter
}

// Option configures a Volume at construction time.
type Option func(*Volume)

// WithLogger overrides the default discard logger.
func WithLogger(log *slog.Logger) Option {
	return func(v *Volume) { v.log = log }
}

// NewVolume sizes the volume via AdjustSize, initializes the allocator,
// composer, and directory encoder, and returns a Volume ready to accept
// host tree entries through Dirs()/Files() before Finalize.
func NewVolume(requestedSectors uint32, freeSpaceBytes uint64, fs afero.Fs, opts ...Option) (*Volume, error) {
	size, ok := AdjustSize(requestedSectors, SectorSize)
	if !ok {
		return nil, ErrInvalidBootSector
	}

	v := &Volume{
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		totalSectors: size.TotalSectors,
		fatSectors:   size.FATSectors,
	}
	for _, opt := range opts {
		opt(v)
	}

	v.allocator = NewAllocator(size.DataClusters)
	v.composer = NewComposer()
	v.dirs = NewDirectoryEncoder(v.allocator, v.composer)
	v.files = NewFileMapper(fs, v.allocator, v.composer)

	v.freeSpaceClusters = uint32(freeSpaceBytes / ClusterSize)
	return v, nil
}

// Dirs exposes the directory encoder for the host tree walker.
func (v *Volume) Dirs() *DirectoryEncoder { return v.dirs }

// Files exposes the file mapper for the host tree walker.
func (v *Volume) Files() *FileMapper { return v.files }

// Allocator exposes the allocator, mainly for tests asserting on its
// finalized extent layout.
func (v *Volume) Allocator() *Allocator { return v.allocator }

// SetBootSector installs the externally constructed boot sector. It must
// be exactly one sector and end with the 0x55 0xAA signature.
func (v *Volume) SetBootSector(data []byte) error {
	if len(data) != SectorSize {
		return ErrBootSectorSize
	}
	if data[510] != 0x55 || data[511] != 0xAA {
		return ErrBootSectorSignature
	}
	v.bootSector = append([]byte(nil), data...)
	return nil
}

// SetFSInfoSector installs the externally constructed filesystem
// information sector.
func (v *Volume) SetFSInfoSector(data []byte) error {
	if len(data) != SectorSize {
		return ErrBootSectorSize
	}
	if data[0x1fc+2] != 0x55 || data[0x1fc+3] != 0xAA {
		return ErrBootSectorSignature
	}
	v.fsinfoSector = append([]byte(nil), data...)
	return nil
}

// Finalize completes the allocator's extent table, registers it and the
// reserved-region sectors with the composer, and makes the volume ready to
// serve Fill/Receive requests. The free-space byte count passed to NewVolume
// caps how much of the gap between the directory and file regions is
// reported as free rather than bad, so the guest never sees more free
// space than the host actually has.
func (v *Volume) Finalize() error {
	v.allocator.Finalize(v.freeSpaceClusters)
	v.composer.Register(&fatService{allocator: v.allocator}, ReservedSectors*SectorSize, v.allocator.FATByteSize(), 0)

	if v.bootSector != nil {
		v.composer.Register(&literalService{data: v.bootSector}, 0, SectorSize, 0)
	}
	if v.fsinfoSector != nil {
		v.composer.Register(&literalService{data: v.fsinfoSector}, SectorSize, SectorSize, 0)
	}
	v.log.Info("volume finalized",
		"total_sectors", v.totalSectors,
		"fat_sectors", v.fatSectors,
		"data_clusters", v.allocator.DataClusters())
	return nil
}

// TotalSectors returns the size, in 512-byte sectors, of the whole image.
func (v *Volume) TotalSectors() uint32 { return v.totalSectors }

// TotalBytes returns the size, in bytes, of the whole image.
func (v *Volume) TotalBytes() uint64 { return uint64(v.totalSectors) * SectorSize }

// Fill answers a read request of length bytes starting at the given image
// byte offset.
func (v *Volume) Fill(buf []byte, offset uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offset+uint64(len(buf)) > v.TotalBytes() {
		return checkpoint.From(ErrUnknownRange)
	}
	return v.composer.Fill(buf, offset, uint64(len(buf)))
}

// Receive answers a (diagnostic-only) write request.
func (v *Volume) Receive(buf []byte, offset uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offset+uint64(len(buf)) > v.TotalBytes() {
		return checkpoint.From(ErrUnknownRange)
	}
	return v.composer.Receive(buf, offset, uint64(len(buf)))
}

// Read implements io.Reader by calling Fill at the adapter's current
// offset, so a Volume can be handed directly to Reader for round-trip
// verification.
func (v *Volume) Read(p []byte) (int, error) {
	if uint64(v.offset) >= v.TotalBytes() {
		return 0, io.EOF
	}
	n := len(p)
	if remaining := v.TotalBytes() - uint64(v.offset); uint64(n) > remaining {
		n = int(remaining)
	}
	if err := v.Fill(p[:n], uint64(v.offset)); err != nil {
		return 0, err
	}
	v.offset += int64(n)
	return n, nil
}

// Seek implements io.Seeker for the same adapter use.
func (v *Volume) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		v.offset = offset
	case io.SeekCurrent:
		v.offset += offset
	case io.SeekEnd:
		v.offset = int64(v.TotalBytes()) + offset
	}
	return v.offset, nil
}

// fatService adapts the allocator's Fill/Receive to the composer's
// DataService contract.
type fatService struct {
	allocator *Allocator
}

func (s *fatService) Fill(buf []byte, offset uint64) error {
	return s.allocator.Fill(buf, offset, uint64(len(buf)))
}

func (s *fatService) Receive(buf []byte, offset uint64) error {
	return s.allocator.Receive(buf, offset, uint64(len(buf)))
}

// literalService serves a fixed byte slice, used for the boot and fsinfo
// sectors supplied by the caller. It is a struct, not a bare slice, so that
// distinct instances remain distinguishable as map keys in the composer's
// reference count.
type literalService struct {
	data []byte
}

func (s *literalService) Fill(buf []byte, offset uint64) error {
	n := copy(buf, sliceFrom(s.data, offset))
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (s *literalService) Receive([]byte, uint64) error {
	return ErrReadOnly
}
