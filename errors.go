package vfatnbd

import "errors"

var (
	// ErrNotAllocated is returned when an operation targets a cluster the
	// allocator has no extent for.
	ErrNotAllocated = errors.New("cluster is not allocated")
	// ErrLiteralExtent is returned when ExtendChain's chain walk reaches a
	// literal extent (free, bad, media marker, or reserved entry 1).
	ErrLiteralExtent = errors.New("cluster belongs to a literal extent")
	// ErrFinalized is returned by any allocation operation invoked after
	// Finalize.
	ErrFinalized = errors.New("allocator already finalized")
	// ErrNotFinalized is returned by Allocator.Fill before Finalize.
	ErrNotFinalized = errors.New("allocator not yet finalized")
	// ErrMisaligned is returned when a FAT region access is not a multiple
	// of the FAT entry size.
	ErrMisaligned = errors.New("fat access must be 4-byte aligned")
	// ErrOutOfSpace is returned when extending a chain has no free cluster
	// left to borrow.
	ErrOutOfSpace = errors.New("no free cluster available")
	// ErrInconsistentWrite is returned by Receive when a guest write would
	// corrupt a reserved or bad-cluster entry.
	ErrInconsistentWrite = errors.New("write targets a reserved or bad cluster entry")

	// ErrNameTooLong is returned by AddEntry for names beyond 255 UTF-16 code units.
	ErrNameTooLong = errors.New("directory entry name too long")
	// ErrDirectoryFull is returned by AddEntry when the backing chain could
	// not be extended to fit the new entry.
	ErrDirectoryFull = errors.New("directory could not be extended")

	// ErrReadOnly is returned by any file-mapping accept (write) call.
	ErrReadOnly = errors.New("filesystem is read-only")
	// ErrUnknownRange is returned by Volume.Fill and Volume.Receive when a
	// request extends past the end of the image.
	ErrUnknownRange = errors.New("byte range has no registered producer")

	// ErrBootSectorSize is returned by Volume.SetBootSector for a buffer
	// that isn't exactly one sector.
	ErrBootSectorSize = errors.New("boot sector must be exactly one sector")
	// ErrBootSectorSignature is returned when a supplied boot or fsinfo
	// sector is missing its trailing 0x55 0xAA signature.
	ErrBootSectorSignature = errors.New("sector missing 0x55 0xaa signature")
)
