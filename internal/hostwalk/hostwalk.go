// Package hostwalk scans a host directory tree and feeds it into a volume's
// directory encoder and file mapper, the way vfat_init's FTS_PHYSICAL scan
// feeds dir_add_entry and filemap_add.
package hostwalk

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/afero"
	"golang.org/x/text/encoding/unicode"

	"github.com/blkfat/vfatnbd"
)

var utf16leEncoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()

// Encoder and Mapper are the two things a host tree needs to be turned into
// a synthesized image; *vfatnbd.DirectoryEncoder and *vfatnbd.FileMapper
// satisfy them directly.
type Encoder interface {
	AllocNew(path string) (uint32, error)
	AddEntry(parentCluster, entryCluster uint32, name16 []uint16, fileSize uint32, attrs byte, mtime, atime time.Time) error
}

type Mapper interface {
	Add(path string, sizeBytes uint32) (uint32, error)
}

// Walk scans root on fs and drives dirs/files to describe every
// representable entry under it. The root directory itself is assumed
// already allocated (cluster 0, remapped to the real root by AddEntry) and
// is not re-added. Entries whose name can't be represented in UTF-16, or
// whose size doesn't fit a uint32, are skipped with a warning rather than
// aborting the whole walk.
func Walk(fs afero.Fs, root string, dirs Encoder, files Mapper, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	clusterOf := map[string]uint32{root: 0}

	return afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn("could not stat path, skipping", "path", path, "error", err)
			return nil
		}
		if path == root {
			return nil
		}

		mode := info.Mode()
		if !mode.IsDir() && !mode.IsRegular() {
			log.Warn("entry is not a regular file or directory, skipping", "path", path, "mode", mode)
			if mode.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		parentPath := filepath.Dir(path)
		parentCluster, ok := clusterOf[parentPath]
		if !ok {
			log.Warn("parent directory was skipped, skipping entry", "path", path)
			if mode.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name16, err := convertName(filepath.Base(path))
		if err != nil {
			log.Warn("name could not be represented in UTF-16, skipping", "path", path, "error", err)
			if mode.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		mtime := info.ModTime()
		atime := accessTime(info)

		if mode.IsDir() {
			clust, err := dirs.AllocNew(path)
			if err != nil {
				log.Warn("could not allocate directory, skipping", "path", path, "error", err)
				return filepath.SkipDir
			}
			if err := dirs.AddEntry(clust, clust, dotName, 0, vfatnbd.AttrDirectory, mtime, atime); err != nil {
				return err
			}
			parentMtime, parentAtime := mtime, atime
			if parentInfo, statErr := fs.Stat(parentPath); statErr == nil {
				parentMtime, parentAtime = parentInfo.ModTime(), accessTime(parentInfo)
			}
			if err := dirs.AddEntry(clust, parentCluster, dotDotName, 0, vfatnbd.AttrDirectory, parentMtime, parentAtime); err != nil {
				return err
			}
			if err := dirs.AddEntry(parentCluster, clust, name16, 0, vfatnbd.AttrDirectory, mtime, atime); err != nil {
				return err
			}
			clusterOf[path] = clust
			return nil
		}

		size := info.Size()
		if size < 0 || size > int64(^uint32(0)) {
			log.Warn("file size does not fit a FAT32 32-bit size field, skipping", "path", path, "size", size)
			return nil
		}

		var entryCluster uint32
		if size > 0 {
			entryCluster, err = files.Add(path, uint32(size))
			if err != nil {
				log.Warn("could not map file, skipping", "path", path, "error", err)
				return nil
			}
		}
		return dirs.AddEntry(parentCluster, entryCluster, name16, uint32(size), vfatnbd.AttrNone, mtime, atime)
	})
}

var (
	dotName    = []uint16{'.', 0}
	dotDotName = []uint16{'.', '.', 0}
)

// convertName encodes name as null-terminated little-endian UTF-16, the way
// convert_name used ConvertUTF8toUTF16LE: a strict conversion, so any byte
// sequence that doesn't decode as valid UTF-8 fails outright.
func convertName(name string) ([]uint16, error) {
	if !utf8.ValidString(name) {
		return nil, errors.New("name is not valid UTF-8")
	}
	encoded, err := utf16leEncoder.String(name)
	if err != nil {
		return nil, err
	}
	units := make([]uint16, 0, len(encoded)/2+1)
	for i := 0; i+1 < len(encoded); i += 2 {
		units = append(units, uint16(encoded[i])|uint16(encoded[i+1])<<8)
	}
	units = append(units, 0)
	return units, nil
}

// accessTime pulls the real atime out of the host stat_t when available,
// falling back to ModTime for filesystems that don't expose one (e.g. an
// afero.MemMapFs used in tests).
func accessTime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}
