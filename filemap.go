package vfatnbd

import (
	"io"

	"github.com/spf13/afero"

	"github.com/blkfat/vfatnbd/checkpoint"
)

// fileService maps one host file into the image at a tail-allocated
// cluster chain. It holds no descriptor between calls: each Fill opens,
// seeks, reads, and closes the host file.
type fileService struct {
	fs   afero.Fs
	path string
}

func (s *fileService) Fill(buf []byte, offset uint64) error {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return checkpoint.Wrap(err, ErrNotAllocated)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			return checkpoint.From(err)
		}
	}

	n, err := io.ReadFull(f, buf)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	case err != nil:
		return checkpoint.From(err)
	default:
		return nil
	}
}

func (s *fileService) Receive([]byte, uint64) error {
	return ErrReadOnly
}

// FileMapper registers host files at tail-allocated cluster chains and
// exposes them to the Composer as read-only DataServices.
type FileMapper struct {
	fs        afero.Fs
	allocator *Allocator
	composer  *Composer
}

// NewFileMapper returns a FileMapper that opens host files through fs.
func NewFileMapper(fs afero.Fs, allocator *Allocator, composer *Composer) *FileMapper {
	return &FileMapper{fs: fs, allocator: allocator, composer: composer}
}

// Add allocates ceil(sizeBytes/ClusterSize) clusters from the tail of the
// FAT for path and registers it with the composer for exactly sizeBytes
// bytes; any trailing bytes within the last cluster are zero-filled by the
// composer, not by the file service. It returns the starting cluster.
func (m *FileMapper) Add(path string, sizeBytes uint32) (uint32, error) {
	nClusters := (sizeBytes + ClusterSize - 1) / ClusterSize
	var start uint32
	if nClusters > 0 {
		var err error
		start, err = m.allocator.AllocEnd(nClusters)
		if err != nil {
			return 0, err
		}
	}

	service := &fileService{fs: m.fs, path: path}
	if sizeBytes > 0 {
		m.composer.Register(service, m.allocator.ClusterPos(start), uint64(sizeBytes), 0)
	}
	return start, nil
}
