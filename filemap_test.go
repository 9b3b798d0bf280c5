package vfatnbd

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
)

func TestFileMapper_AddAndFill(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/hello.txt", []byte("hello, world"), 0o644)

	a := NewAllocator(1000)
	c := NewComposer()
	m := NewFileMapper(fs, a, c)

	start, err := m.Add("/hello.txt", 12)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	a.Finalize(1 << 20)

	buf := make([]byte, 12)
	if err := c.Fill(buf, a.ClusterPos(start), 12); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello, world")) {
		t.Errorf("Fill = %q, want %q", buf, "hello, world")
	}
}

func TestFileMapper_Add_ZeroPadsPastEOF(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/short.bin", []byte("ab"), 0o644)

	a := NewAllocator(1000)
	c := NewComposer()
	m := NewFileMapper(fs, a, c)

	// register more bytes than the host file actually has: the composer's
	// registered range covers a whole cluster, and only the first two
	// bytes come from the file itself.
	start, err := m.Add("/short.bin", ClusterSize)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	a.Finalize(1 << 20)

	buf := make([]byte, ClusterSize)
	if err := c.Fill(buf, a.ClusterPos(start), ClusterSize); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if buf[0] != 'a' || buf[1] != 'b' {
		t.Fatalf("Fill head = %q, want \"ab\"", buf[:2])
	}
	for i := 2; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("Fill byte %d = %d, want 0 past EOF", i, buf[i])
		}
	}
}

func TestFileMapper_Add_ZeroSizeRegistersNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/empty.bin", nil, 0o644)

	a := NewAllocator(1000)
	c := NewComposer()
	m := NewFileMapper(fs, a, c)

	start, err := m.Add("/empty.bin", 0)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if start != 0 {
		t.Errorf("Add of a zero-size file returned cluster %d, want 0", start)
	}
}

func TestFileService_Receive_AlwaysReadOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/f.bin", []byte("data"), 0o644)
	svc := &fileService{fs: fs, path: "/f.bin"}

	if err := svc.Receive([]byte("xxxx"), 0); err != ErrReadOnly {
		t.Errorf("Receive = %v, want ErrReadOnly", err)
	}
}
