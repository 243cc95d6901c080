// Package testutils provides shared test infrastructure: archive builders,
// a fake course API server, and (behind the integration build tag) a MinIO
// container for manifest publishing.
package testutils

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

// TarEntry is one member of a test archive. Type defaults to a regular
// file; Linkname is used for symlinks and hard links.
type TarEntry struct {
	Name     string
	Body     string
	Type     byte
	Linkname string
	Mode     int64
}

// File is shorthand for a regular file entry.
func File(name, body string) TarEntry {
	return TarEntry{Name: name, Body: body}
}

// Dir is shorthand for a directory entry.
func Dir(name string) TarEntry {
	return TarEntry{Name: name, Type: tar.TypeDir}
}

// Symlink is shorthand for a symlink entry.
func Symlink(name, target string) TarEntry {
	return TarEntry{Name: name, Type: tar.TypeSymlink, Linkname: target}
}

// BuildTar returns a tar archive holding entries in order.
func BuildTar(t testing.TB, entries ...TarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typ := e.Type
		if typ == 0 {
			typ = tar.TypeReg
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: typ,
			Linkname: e.Linkname,
			Mode:     mode,
			ModTime:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", e.Name, err)
		}
		if typ == tar.TypeReg {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("write tar body %s: %v", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// BuildTarZst returns a zstd-compressed tar archive holding entries.
func BuildTarZst(t testing.TB, entries ...TarEntry) []byte {
	t.Helper()
	return Zstd(t, BuildTar(t, entries...))
}

// Zstd compresses data into a single zstd frame.
func Zstd(t testing.TB, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("new zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// WriteFile writes data under dir and returns the full path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", p, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}
