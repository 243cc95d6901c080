package extract

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/testutils"
)

func newExtractor() *Extractor {
	return New(Options{Decompressor: NativeZstd{}, Logger: zerolog.Nop()})
}

// listTree returns every path under root, slash separated and sorted.
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(out)
	return out
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func TestExtractTarZst(t *testing.T) {
	tmp := t.TempDir()
	archive := testutils.WriteFile(t, tmp, "alice.tar.zst", testutils.BuildTarZst(t,
		testutils.Dir("site/"),
		testutils.File("site/index.html", "<h1>hi</h1>"),
		testutils.File("site/css/style.css", "body{}"),
		testutils.File("README.md", "readme"),
	))
	dest := filepath.Join(tmp, "out", "alice")

	res, err := newExtractor().Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Format != FormatTarZstd {
		t.Errorf("expected tar.zst format, got %v", res.Format)
	}
	if res.Files != 3 {
		t.Errorf("expected 3 files, got %d", res.Files)
	}
	if got := readFile(t, filepath.Join(dest, "site", "css", "style.css")); got != "body{}" {
		t.Errorf("unexpected style.css content %q", got)
	}
	if _, err := os.Stat(filepath.Join(tmp, "alice.tar")); !os.IsNotExist(err) {
		t.Error("intermediate tar was not removed")
	}
	if _, err := os.Stat(archive); err != nil {
		t.Error("extraction must leave the downloaded archive to its owner")
	}
}

func TestExtractPlainTar(t *testing.T) {
	tmp := t.TempDir()
	archive := testutils.WriteFile(t, tmp, "bob.tar", testutils.BuildTar(t,
		testutils.File("index.html", "ok"),
	))
	dest := filepath.Join(tmp, "bob")

	res, err := newExtractor().Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Format != FormatTar || res.Files != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExtractDetectsZstdByContent(t *testing.T) {
	tmp := t.TempDir()
	// Downloads are saved with a generic suffix; the magic bytes decide.
	archive := testutils.WriteFile(t, tmp, "carol.download", testutils.BuildTarZst(t,
		testutils.File("index.html", "ok"),
	))
	res, err := newExtractor().Extract(context.Background(), archive, filepath.Join(tmp, "carol"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Format != FormatTarZstd || res.Files != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExtractUnsupported(t *testing.T) {
	tmp := t.TempDir()
	archive := testutils.WriteFile(t, tmp, "notes.txt", []byte("plain text"))
	_, err := newExtractor().Extract(context.Background(), archive, filepath.Join(tmp, "x"))
	if !errors.Is(err, ErrUnsupportedArchive) {
		t.Fatalf("expected ErrUnsupportedArchive, got %v", err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "build", "student")
	archive := testutils.WriteFile(t, tmp, "evil.tar", testutils.BuildTar(t,
		testutils.File("../escape.txt", "nope"),
		testutils.File("../../escape2.txt", "nope"),
		testutils.File("/abs.txt", "nope"),
		testutils.File("ok/../../sneaky.txt", "nope"),
		testutils.File("../.git/hooks/post-checkout", "nope"),
		testutils.File(".git/config", "excluded"),
		testutils.File("good.txt", "yes"),
	))

	ex := New(Options{Exclude: DefaultExcludes, Decompressor: NativeZstd{}, Logger: zerolog.Nop()})
	res, err := ex.Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for _, p := range []string{
		filepath.Join(tmp, "build", "escape.txt"),
		filepath.Join(tmp, "escape2.txt"),
		filepath.Join(tmp, "build", "sneaky.txt"),
	} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("file written outside destination: %s", p)
		}
	}
	if got := listTree(t, dest); len(got) != 1 || got[0] != "good.txt" {
		t.Errorf("expected only good.txt, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(tmp, "build", ".git")); !os.IsNotExist(err) {
		t.Error("escaping member matching an exclusion was written")
	}
	if len(res.Skipped) != 5 {
		t.Errorf("expected 5 skipped members, got %+v", res.Skipped)
	}
	if len(res.Warnings) != 5 {
		t.Errorf("expected a warning per skipped member, got %v", res.Warnings)
	}
	if res.Excluded != 1 {
		t.Errorf("expected only .git/config to count as excluded, got %d", res.Excluded)
	}
}

func TestExtractRejectsEscapingLinks(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "student")
	outside := testutils.WriteFile(t, tmp, "secret.txt", []byte("secret"))

	archive := testutils.WriteFile(t, tmp, "links.tar", testutils.BuildTar(t,
		testutils.Symlink("up", ".."),
		testutils.Symlink("abs", outside),
		testutils.File("up/planted.txt", "nope"),
		testutils.Symlink("site/home.html", "../index.html"),
		testutils.Symlink("dot", "."),
		testutils.Symlink("dot/../../x", "y"),
		testutils.Symlink("sneak", "dot/../.."),
		testutils.TarEntry{Name: "hard", Type: tar.TypeLink, Linkname: "../secret.txt"},
		testutils.File("index.html", "root"),
	))

	res, err := newExtractor().Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmp, "planted.txt")); !os.IsNotExist(err) {
		t.Error("file planted outside destination through a symlink")
	}
	for _, name := range []string{"up", "abs", "sneak"} {
		if fi, err := os.Lstat(filepath.Join(dest, name)); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			t.Errorf("escaping symlink %q was created", name)
		}
	}
	if _, err := os.Lstat(filepath.Join(dest, "hard")); !os.IsNotExist(err) {
		t.Error("escaping hard link was created")
	}
	target, err := os.Readlink(filepath.Join(dest, "site", "home.html"))
	if err != nil || target != "../index.html" {
		t.Errorf("expected in-tree symlink to survive, got %q, %v", target, err)
	}
	if readFile(t, filepath.Join(dest, "index.html")) != "root" {
		t.Error("regular file missing")
	}
	if len(res.Skipped) == 0 {
		t.Error("expected skipped members")
	}
}

func TestExtractSkipsCorruptMember(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "student")
	archive := testutils.WriteFile(t, tmp, "corrupt.tar", testutils.BuildTar(t,
		testutils.File("a.txt", "first"),
		testutils.File("blocked", "a file"),
		// Cannot be created: its parent is a regular file.
		testutils.File("blocked/child.txt", "lost"),
		testutils.File("z/last.txt", "last"),
	))

	res, err := newExtractor().Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []string{"a.txt", "blocked", "z", "z/last.txt"}
	got := listTree(t, dest)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Name != "blocked/child.txt" {
		t.Errorf("expected blocked/child.txt skipped, got %+v", res.Skipped)
	}
}

func TestExtractTruncatedArchive(t *testing.T) {
	tmp := t.TempDir()
	full := testutils.BuildTar(t,
		testutils.File("one.txt", "1"),
		testutils.File("two.txt", strings.Repeat("2", 4096)),
	)
	// Cut inside the body of the second member.
	archive := testutils.WriteFile(t, tmp, "cut.tar", full[:512+512+512+1024])

	res, err := newExtractor().Extract(context.Background(), archive, filepath.Join(tmp, "out"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Files != 1 {
		t.Errorf("expected the intact member to be extracted, got %d files", res.Files)
	}
	if readFile(t, filepath.Join(tmp, "out", "one.txt")) != "1" {
		t.Error("intact member content mismatch")
	}
	if _, err := os.Stat(filepath.Join(tmp, "out", "two.txt")); !os.IsNotExist(err) {
		t.Error("partial member left on disk")
	}
}

func TestExtractExclusions(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "student")
	archive := testutils.WriteFile(t, tmp, "ex.tar", testutils.BuildTar(t,
		testutils.File(".git/config", "x"),
		testutils.File(".guides/content.md", "x"),
		testutils.File("sub/.codio", "x"),
		testutils.File("my.github.io.html", "kept"),
		testutils.File("index.html", "kept"),
	))

	res, err := newExtractor().Extract(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []string{"index.html", "my.github.io.html"}
	if got := listTree(t, dest); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
	if res.Excluded != 3 {
		t.Errorf("expected 3 excluded members, got %d", res.Excluded)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("exclusions must be silent, got %v", res.Warnings)
	}
}

func TestExtractReplacesDestination(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "student")
	testutils.WriteFile(t, dest, "stale.html", []byte("old"))
	testutils.WriteFile(t, dest, "old/dir/file.txt", []byte("old"))

	archive := testutils.WriteFile(t, tmp, "new.tar", testutils.BuildTar(t,
		testutils.File("fresh.html", "new"),
	))
	if _, err := newExtractor().Extract(context.Background(), archive, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := listTree(t, dest); len(got) != 1 || got[0] != "fresh.html" {
		t.Errorf("expected only fresh.html, got %v", got)
	}
}

func TestFallbackDecompressor(t *testing.T) {
	tmp := t.TempDir()
	archive := testutils.WriteFile(t, tmp, "f.tar.zst", testutils.BuildTarZst(t,
		testutils.File("index.html", "ok"),
	))
	ex := New(Options{
		Decompressor: fallback{
			primary:   ExecZstd{Path: filepath.Join(tmp, "no-such-zstd")},
			secondary: NativeZstd{},
			log:       zerolog.Nop(),
		},
	})
	res, err := ex.Extract(context.Background(), archive, filepath.Join(tmp, "out"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Files != 1 {
		t.Errorf("expected 1 file, got %d", res.Files)
	}
}

func TestExcluded(t *testing.T) {
	patterns := []string{".git", ".codio", "node_modules", "build/tmp", "*.pyc"}
	tests := []struct {
		name string
		want bool
	}{
		{".git", true},
		{".git/HEAD", true},
		{"src/.git/HEAD", true},
		{".gitignore", false},
		{"my.git.html", false},
		{"a/node_modules/x.js", true},
		{"build/tmp/x", true},
		{"src/build/tmp/x", false},
		{"build/tmpfile", false},
		{"cache/x.pyc", true},
		{"index.html", false},
	}
	for _, tt := range tests {
		if got := Excluded(tt.name, patterns); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/srv/build/alice")
	tests := []struct {
		name string
		ok   bool
	}{
		{"index.html", true},
		{"a/b/c.txt", true},
		{"../x", false},
		{"a/../../x", false},
		{"/etc/passwd", false},
		{"..", false},
	}
	for _, tt := range tests {
		_, ok := within(root, memberName(tt.name))
		if ok != tt.ok {
			t.Errorf("within(%q) = %v, want %v", tt.name, ok, tt.ok)
		}
	}
}

func TestIntermediatePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/b/alice.tar.zst", "/b/alice.tar"},
		{"/b/alice.zst", "/b/alice.tar"},
		{"/b/alice.download", "/b/alice.tar"},
	}
	for _, tt := range tests {
		if got := intermediatePath(tt.in); got != tt.want {
			t.Errorf("intermediatePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
