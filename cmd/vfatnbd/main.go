package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/blkfat/vfatnbd"
	"github.com/blkfat/vfatnbd/internal/hostwalk"
	"github.com/blkfat/vfatnbd/internal/nbdwire"
)

// Config holds the settings that aren't naturally a per-invocation CLI
// flag: log verbosity and the default block size, both things an operator
// sets once in the environment and forgets about.
type Config struct {
	LogLevel  string `envconfig:"VFATNBD_LOG_LEVEL" default:"info"`
	BlockSize int    `envconfig:"VFATNBD_BLOCK_SIZE" default:"512"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("vfatnbd", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	app := &cli.App{
		Name:  "vfatnbd",
		Usage: "serve a host directory as a synthesized read-only FAT32 image over NBD",
		Commands: []*cli.Command{
			{
				Name:      "serve",
				Usage:     "scan a directory and serve it over a network block device",
				ArgsUsage: "DIRECTORY",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "device", Usage: "kernel nbd device to attach to, e.g. /dev/nbd0"},
					&cli.StringFlag{Name: "listen", Usage: "address to listen on instead of a kernel device, e.g. unix:///tmp/vfatnbd.sock"},
					&cli.Uint64Flag{Name: "sectors", Usage: "requested image size in 512-byte sectors", Value: 2 * 1024 * 1024},
					&cli.Uint64Flag{Name: "free-space", Usage: "free space to report to guests, in bytes"},
					&cli.StringFlag{Name: "label", Usage: "volume label", Value: "VFATNBD"},
				},
				Action: func(ctx *cli.Context) error {
					return serve(ctx, cfg, log)
				},
			},
			{
				Name:      "image",
				Usage:     "write a synthesized image to a file instead of serving it",
				ArgsUsage: "DIRECTORY OUTPUT",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "sectors", Usage: "requested image size in 512-byte sectors", Value: 2 * 1024 * 1024},
					&cli.Uint64Flag{Name: "free-space", Usage: "free space to report to guests, in bytes"},
					&cli.StringFlag{Name: "label", Usage: "volume label", Value: "VFATNBD"},
				},
				Action: func(ctx *cli.Context) error {
					return writeImage(ctx, log)
				},
			},
			{
				Name:      "ls",
				Usage:     "synthesize a directory's image and list its root, without serving it",
				ArgsUsage: "DIRECTORY",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "sectors", Usage: "requested image size in 512-byte sectors", Value: 2 * 1024 * 1024},
					&cli.Uint64Flag{Name: "free-space", Usage: "free space to report to guests, in bytes"},
					&cli.StringFlag{Name: "label", Usage: "volume label", Value: "VFATNBD"},
				},
				Action: func(ctx *cli.Context) error {
					return lsRoot(ctx, log)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func logLevel(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func buildVolume(ctx *cli.Context, log *slog.Logger, targetDir string) (*vfatnbd.Volume, error) {
	freeSpace := ctx.Uint64("free-space")
	if freeSpace == 0 {
		if st, err := os.Stat(targetDir); err == nil && st.IsDir() {
			if stat, err := diskFree(targetDir); err == nil {
				freeSpace = stat
			}
		}
	}

	vol, err := vfatnbd.NewVolume(uint32(ctx.Uint64("sectors")), freeSpace, afero.NewOsFs(), vfatnbd.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("sizing volume: %w", err)
	}

	bootSector, fsinfoSector := buildReservedSectors(vol, ctx.String("label"))
	if err := vol.SetBootSector(bootSector); err != nil {
		return nil, fmt.Errorf("building boot sector: %w", err)
	}
	if err := vol.SetFSInfoSector(fsinfoSector); err != nil {
		return nil, fmt.Errorf("building fsinfo sector: %w", err)
	}

	log.Info("scanning directory tree", "path", targetDir)
	if err := hostwalk.Walk(afero.NewOsFs(), targetDir, vol.Dirs(), vol.Files(), log); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", targetDir, err)
	}
	if err := vol.Finalize(); err != nil {
		return nil, fmt.Errorf("finalizing volume: %w", err)
	}
	return vol, nil
}

func serve(ctx *cli.Context, cfg Config, log *slog.Logger) error {
	if cfg.BlockSize != vfatnbd.SectorSize {
		return cli.Exit(fmt.Sprintf("VFATNBD_BLOCK_SIZE must be %d", vfatnbd.SectorSize), 2)
	}
	if ctx.NArg() != 1 {
		return cli.Exit("expected exactly one DIRECTORY argument", 2)
	}
	targetDir := ctx.Args().Get(0)

	vol, err := buildVolume(ctx, log, targetDir)
	if err != nil {
		return err
	}

	device := ctx.String("device")
	listen := ctx.String("listen")
	switch {
	case device != "" && listen != "":
		return cli.Exit("--device and --listen are mutually exclusive", 2)
	case device != "":
		return serveKernelDevice(device, vol, log)
	case listen != "":
		return serveListener(listen, vol, log)
	default:
		return cli.Exit("one of --device or --listen is required", 2)
	}
}

// serveKernelDevice attaches vol to a Linux /dev/nbdN node the way
// tojblockd's main/use_socket/serve did: a connected socketpair, one end
// handed to the kernel via NBD_SET_SOCK, the other served from this
// process, with NBD_DO_IT blocking until the kernel disconnects.
func serveKernelDevice(device string, vol *vfatnbd.Volume, log *slog.Logger) error {
	devFile, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	defer devFile.Close()
	devFd := int(devFile.Fd())

	if err := ioctlSetInt(devFd, nbdSetBlkSize, vfatnbd.SectorSize); err != nil {
		return fmt.Errorf("NBD_SET_BLKSIZE: %w", err)
	}
	blocks := vol.TotalBytes() / vfatnbd.SectorSize
	if err := ioctlSetInt(devFd, nbdSetSizeBlocks, uintptr(blocks)); err != nil {
		return fmt.Errorf("NBD_SET_SIZE_BLOCKS: %w", err)
	}

	sv, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socketpair: %w", err)
	}
	kernelSide, err := net.FileConn(os.NewFile(uintptr(sv[0]), "nbd-kernel-side"))
	if err != nil {
		return fmt.Errorf("wrapping kernel-side socket: %w", err)
	}

	if err := ioctlSetInt(devFd, nbdSetSock, uintptr(sv[1])); err != nil {
		kernelSide.Close()
		return fmt.Errorf("NBD_SET_SOCK: %w", err)
	}

	go func() {
		if err := nbdwire.Serve(kernelSide, vol, log); err != nil {
			log.Error("nbd service loop exited", "error", err)
		}
	}()

	log.Info("attached to kernel device, ready", "device", device)
	if err := ioctlNoArg(devFd, nbdDoIt); err != nil {
		return fmt.Errorf("NBD_DO_IT: %w", err)
	}
	return nil
}

// serveListener runs the NBD request/reply loop over plain sockets, for
// use with a userspace client like nbd-client -N, or in tests.
func serveListener(addr string, vol *vfatnbd.Volume, log *slog.Logger) error {
	network, address := "tcp", addr
	if len(addr) > 7 && addr[:7] == "unix://" {
		network, address = "unix", addr[7:]
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()
	log.Info("listening", "network", network, "address", address)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := nbdwire.Serve(conn, vol, log); err != nil {
				log.Error("connection serve loop exited", "error", err)
			}
		}()
	}
}

func writeImage(ctx *cli.Context, log *slog.Logger) error {
	if ctx.NArg() != 2 {
		return cli.Exit("expected DIRECTORY and OUTPUT arguments", 2)
	}
	targetDir := ctx.Args().Get(0)
	outputPath := ctx.Args().Get(1)

	vol, err := buildVolume(ctx, log, targetDir)
	if err != nil {
		return err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outputPath, err)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	var offset uint64
	for offset < vol.TotalBytes() {
		n := uint64(len(buf))
		if remaining := vol.TotalBytes() - offset; remaining < n {
			n = remaining
		}
		if err := vol.Fill(buf[:n], offset); err != nil {
			return fmt.Errorf("reading image at offset %d: %w", offset, err)
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return fmt.Errorf("writing %s: %w", outputPath, err)
		}
		offset += n
	}
	log.Info("wrote image", "path", outputPath, "bytes", vol.TotalBytes())
	return nil
}

func diskFree(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// buildReservedSectors lays out the boot and filesystem-information
// sectors the way init_boot_sector/init_fsinfo_sector do: a BPB plus
// FAT32 extension describing the sizes vol was constructed with, and a
// mostly-empty fsinfo sector with its two magic fields and trailing
// signature set.
func buildReservedSectors(vol *vfatnbd.Volume, label string) (boot, fsinfo []byte) {
	boot = make([]byte, vfatnbd.SectorSize)
	boot[0] = 0xEB
	boot[1] = 0x58
	boot[2] = 0x90
	copy(boot[3:11], []byte("vfatnbd1"))
	le16(boot[11:], vfatnbd.SectorSize)
	boot[13] = byte(vfatnbd.ClusterSize / vfatnbd.SectorSize)
	le16(boot[14:], vfatnbd.ReservedSectors)
	boot[16] = 1 // NumFATs: the image has a single FAT region
	boot[21] = 0xF8
	le16(boot[24:], 63)  // sectors per track, cosmetic
	le16(boot[26:], 255) // heads, cosmetic
	le32(boot[32:], uint32(vol.TotalSectors()))

	le32(boot[36:], uint32(vol.Allocator().FATByteSize()/vfatnbd.SectorSize)) // BPB_FATSz32
	le16(boot[40:], 0)                                                       // BPB_ExtFlags: mirroring bit clear, no active-FAT selection
	le32(boot[44:], 2)                                                       // BPB_RootClus
	le16(boot[48:], 1)                                                       // BPB_FSInfo sector number
	le16(boot[50:], 0)                                                       // BPB_BkBootSec
	boot[66] = 0x29                                                          // BS_BootSig
	le32(boot[67:], 0xBADC0FFE)                                              // BS_VolID, arbitrary
	copy(boot[71:82], padRight(label, 11))
	copy(boot[82:90], []byte("FAT32   "))
	boot[510] = 0x55
	boot[511] = 0xAA

	fsinfo = make([]byte, vfatnbd.SectorSize)
	copy(fsinfo[0:4], []byte("RRaA"))
	copy(fsinfo[0x1e4:0x1e4+4], []byte("rrAa"))
	le32(fsinfo[0x1e8:], 0xFFFFFFFF)
	le32(fsinfo[0x1ec:], 0xFFFFFFFF)
	fsinfo[0x1fc] = 0x00
	fsinfo[0x1fd] = 0x00
	fsinfo[0x1fe] = 0x55
	fsinfo[0x1ff] = 0xAA
	return boot, fsinfo
}

func le16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func padRight(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}
