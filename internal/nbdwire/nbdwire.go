// Package nbdwire implements the wire side of the Linux network block
// device protocol: reading nbd_request frames off a connected socket,
// dispatching them against a volume, and writing nbd_reply frames (plus
// payload, for reads) back. The framing is built on net and
// encoding/binary alone; nothing in the surrounding ecosystem implements
// this protocol, so there is no library to reach for instead.
package nbdwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"

	"github.com/blkfat/vfatnbd"
	"github.com/blkfat/vfatnbd/checkpoint"
)

const (
	requestMagic = 0x25609513
	replyMagic   = 0x67446698

	requestSize = 28
	replySize   = 16
	handleSize  = 8
)

// Command is the nbd_type of a request.
type Command uint32

const (
	CmdRead  Command = 0
	CmdWrite Command = 1
	CmdDisc  Command = 2
	CmdFlush Command = 3
	CmdTrim  Command = 4
)

// ErrBadMagic is returned when a frame's magic number doesn't match
// NBD_REQUEST_MAGIC; the connection is unusable past that point.
var ErrBadMagic = errors.New("bad nbd request magic")

type request struct {
	magic  uint32
	typ    Command
	handle [handleSize]byte
	from   uint64
	length uint32
}

func readRequest(r io.Reader) (request, error) {
	var buf [requestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return request{}, err
	}
	var req request
	req.magic = binary.BigEndian.Uint32(buf[0:4])
	req.typ = Command(binary.BigEndian.Uint32(buf[4:8]))
	copy(req.handle[:], buf[8:16])
	req.from = binary.BigEndian.Uint64(buf[16:24])
	req.length = binary.BigEndian.Uint32(buf[24:28])
	if req.magic != requestMagic {
		return req, ErrBadMagic
	}
	return req, nil
}

func writeReply(w io.Writer, handle [handleSize]byte, errno uint32) error {
	var buf [replySize]byte
	binary.BigEndian.PutUint32(buf[0:4], replyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	copy(buf[8:16], handle[:])
	_, err := w.Write(buf[:])
	return err
}

// Serve reads requests from conn until it hits NBD_CMD_DISC, an I/O error,
// or ctx-like cancellation via closing conn from another goroutine, and
// answers each one against vol. It never returns a non-nil error for a
// clean disconnect.
func Serve(conn net.Conn, vol *vfatnbd.Volume, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for {
		req, err := readRequest(conn)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return checkpoint.From(err)
		}

		switch req.typ {
		case CmdRead:
			if err := serveRead(conn, vol, req); err != nil {
				return err
			}
		case CmdWrite:
			if err := serveWrite(conn, vol, req, log); err != nil {
				return err
			}
		case CmdFlush, CmdTrim:
			log.Debug("no-op command", "type", req.typ)
			if err := writeReply(conn, req.handle, 0); err != nil {
				return checkpoint.From(err)
			}
		case CmdDisc:
			log.Info("client disconnected")
			return nil
		default:
			log.Warn("unknown command", "type", req.typ)
			if err := writeReply(conn, req.handle, uint32(syscall.EINVAL)); err != nil {
				return checkpoint.From(err)
			}
		}
	}
}

func serveRead(conn net.Conn, vol *vfatnbd.Volume, req request) error {
	buf := make([]byte, req.length)
	fillErr := vol.Fill(buf, req.from)
	if err := writeReply(conn, req.handle, errnoFor(fillErr)); err != nil {
		return checkpoint.From(err)
	}
	if fillErr != nil {
		return nil
	}
	if _, err := conn.Write(buf); err != nil {
		return checkpoint.From(err)
	}
	return nil
}

func serveWrite(conn net.Conn, vol *vfatnbd.Volume, req request, log *slog.Logger) error {
	buf := make([]byte, req.length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return checkpoint.From(err)
	}
	// Receive still runs: the file, directory, and boot-sector services
	// reject every write, the FAT service records it as a diagnostic edit
	// of the extent table, and a write to an unmapped range is stored.
	writeErr := vol.Receive(buf, req.from)
	if writeErr != nil {
		log.Debug("rejected write", "offset", req.from, "length", req.length, "error", writeErr)
	}
	return checkpoint.From(writeReply(conn, req.handle, errnoFor(writeErr)))
}

// errnoFor maps a Volume/composer error to the errno nbd_reply expects.
// An error carrying a syscall.Errno (a failed host file read) reports that
// errno; any other unrecognized error is reported as EIO.
func errnoFor(err error) uint32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfatnbd.ErrUnknownRange), errors.Is(err, vfatnbd.ErrMisaligned):
		return uint32(syscall.EINVAL)
	case errors.Is(err, vfatnbd.ErrReadOnly):
		return uint32(syscall.EROFS)
	case errors.Is(err, vfatnbd.ErrOutOfSpace):
		return uint32(syscall.ENOSPC)
	case errors.Is(err, vfatnbd.ErrInconsistentWrite):
		return uint32(syscall.EIO)
	default:
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return uint32(errno)
		}
		return uint32(syscall.EIO)
	}
}

// String implements fmt.Stringer for log output.
func (c Command) String() string {
	switch c {
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdDisc:
		return "DISC"
	case CmdFlush:
		return "FLUSH"
	case CmdTrim:
		return "TRIM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
	}
}
