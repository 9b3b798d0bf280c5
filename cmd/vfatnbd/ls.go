package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/blkfat/vfatnbd"
)

// lsRoot synthesizes the volume, parses it back with a Reader exactly as a
// guest kernel would, and lists the root directory via os.FileInfo the way
// an operator would want to sanity-check a target directory before serving
// it, without needing a loopback-mounted NBD device.
func lsRoot(ctx *cli.Context, log *slog.Logger) error {
	if ctx.NArg() != 1 {
		return cli.Exit("expected exactly one DIRECTORY argument", 2)
	}

	vol, err := buildVolume(ctx, log, ctx.Args().Get(0))
	if err != nil {
		return err
	}

	r, err := vfatnbd.NewReader(vol)
	if err != nil {
		return fmt.Errorf("reading synthesized image back: %w", err)
	}
	entries, err := r.ReadRoot()
	if err != nil {
		return fmt.Errorf("reading root directory: %w", err)
	}

	for _, line := range formatEntries(entries) {
		fmt.Println(line)
	}
	return nil
}

func formatEntries(entries []vfatnbd.ExtendedEntryHeader) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, formatEntry(e.FileInfo()))
	}
	return lines
}

func formatEntry(fi os.FileInfo) string {
	kind := byte('-')
	if fi.IsDir() {
		kind = 'd'
	}
	return fmt.Sprintf("%c %10d %s %s", kind, fi.Size(), fi.ModTime().Format("2006-01-02 15:04:05"), fi.Name())
}
