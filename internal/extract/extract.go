package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ligustah/harvest/internal/metrics"
)

// Common errors.
var (
	ErrUnsupportedArchive = errors.New("extract: unsupported archive format")
	ErrNoContent          = errors.New("extract: archive produced no files")
)

// DefaultExcludes are platform control directories never copied out.
var DefaultExcludes = []string{".git", ".guides", ".codio"}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Format is an archive container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatTarZstd
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarZstd:
		return "tar.zst"
	default:
		return "unknown"
	}
}

// Options configures an Extractor.
type Options struct {
	// Exclude lists glob patterns matched against every path segment, or
	// against the leading segments when the pattern contains a slash.
	// Default: DefaultExcludes
	Exclude []string

	// Decompressor handles zstd archives.
	// Default: DefaultDecompressor
	Decompressor Decompressor

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Skipped is a member left out of an extraction.
type Skipped struct {
	Name   string
	Reason string
}

// Result summarizes one extraction.
type Result struct {
	Format    Format
	Files     int
	Dirs      int
	Links     int
	Excluded  int
	Skipped   []Skipped
	Warnings  []string
	Truncated bool
}

// Extracted is the number of entries materialized on disk.
func (r *Result) Extracted() int {
	return r.Files + r.Dirs + r.Links
}

func (r *Result) skip(log zerolog.Logger, name, reason string) {
	r.Skipped = append(r.Skipped, Skipped{Name: name, Reason: reason})
	r.Warnings = append(r.Warnings, fmt.Sprintf("skipped %s: %s", name, reason))
	log.Warn().Str("member", name).Str("reason", reason).Msg("skipping archive member")
}

// Extractor unpacks export archives.
type Extractor struct {
	opts Options
	log  zerolog.Logger
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.Exclude == nil {
		opts.Exclude = DefaultExcludes
	}
	if opts.Decompressor == nil {
		opts.Decompressor = DefaultDecompressor(opts.Logger)
	}
	return &Extractor{
		opts: opts,
		log:  opts.Logger.With().Str("component", "extract").Logger(),
	}
}

// Extract replaces dest with the contents of archive. Members that would
// land outside dest, match an exclusion, or fail to write are skipped and
// reported in the result. An error is returned only when the archive cannot
// be read at all.
func (e *Extractor) Extract(ctx context.Context, archive, dest string) (*Result, error) {
	format, err := Detect(archive)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dest, err)
	}

	tarPath := archive
	if format == FormatTarZstd {
		tarPath = intermediatePath(archive)
		defer os.Remove(tarPath)

		e.log.Debug().Str("archive", archive).Str("using", e.opts.Decompressor.Name()).Msg("decompressing")
		if err := e.opts.Decompressor.Decompress(ctx, archive, tarPath); err != nil {
			return nil, fmt.Errorf("decompress %s: %w", filepath.Base(archive), err)
		}
	}

	f, err := os.Open(tarPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res := &Result{Format: format}
	if err := e.extractTar(ctx, f, dest, res); err != nil {
		return res, err
	}

	e.opts.Metrics.ExtractMembers("extracted", res.Extracted())
	e.opts.Metrics.ExtractMembers("excluded", res.Excluded)
	e.opts.Metrics.ExtractMembers("skipped", len(res.Skipped))

	e.log.Debug().
		Str("dest", dest).
		Int("files", res.Files).
		Int("excluded", res.Excluded).
		Int("skipped", len(res.Skipped)).
		Msg("extracted")
	return res, nil
}

func (e *Extractor) extractTar(ctx context.Context, r io.Reader, dest string, res *Result) error {
	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			// Containment is checked below like any other member.
			err = nil
		}
		if err != nil {
			// Nothing after a broken header can be located reliably.
			res.Truncated = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("archive ends early: %v", err))
			e.log.Warn().Err(err).Msg("archive ends early")
			return nil
		}

		name := memberName(hdr.Name)
		if name == "" {
			continue
		}

		target, ok := within(root, name)
		if !ok {
			res.skip(e.log, hdr.Name, "path escapes destination")
			continue
		}
		if viaSymlink(root, target) {
			res.skip(e.log, hdr.Name, "path passes through a symlink")
			continue
		}
		if Excluded(name, e.opts.Exclude) {
			res.Excluded++
			continue
		}

		if err := e.writeMember(root, target, hdr, tr, res); err != nil {
			res.skip(e.log, hdr.Name, err.Error())
		}
	}
}

func (e *Extractor) writeMember(root, target string, hdr *tar.Header, r io.Reader, res *Result) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		res.Dirs++
		return nil

	case tar.TypeReg:
		if err := writeFile(target, r, os.FileMode(hdr.Mode).Perm()|0o600); err != nil {
			return err
		}
		res.Files++
		return nil

	case tar.TypeSymlink:
		if !symlinkInside(root, target, hdr.Linkname) {
			return errors.New("symlink target escapes destination")
		}
		if err := prepare(target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
		res.Links++
		return nil

	case tar.TypeLink:
		old, ok := within(root, memberName(hdr.Linkname))
		if !ok || viaSymlink(root, old) {
			return errors.New("hard link target escapes destination")
		}
		if fi, err := os.Lstat(old); err != nil || !fi.Mode().IsRegular() {
			return errors.New("hard link target is not an extracted file")
		}
		if err := prepare(target); err != nil {
			return err
		}
		if err := os.Link(old, target); err != nil {
			return err
		}
		res.Links++
		return nil

	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil

	default:
		return fmt.Errorf("unsupported entry type %q", hdr.Typeflag)
	}
}

// prepare creates the parent of target and removes a non-directory
// already sitting at target.
func prepare(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
		return os.Remove(target)
	}
	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := prepare(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(target)
		return err
	}
	return f.Close()
}

// Detect identifies an archive by its leading bytes, falling back to the
// file name.
func Detect(archive string) (Format, error) {
	f, err := os.Open(archive)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return FormatTarZstd, nil
	case n >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}

	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".zst"):
		return FormatTarZstd, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	}
	return FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Base(archive))
}

// intermediatePath names the decompressed tar next to the archive.
func intermediatePath(archive string) string {
	base := strings.TrimSuffix(archive, filepath.Ext(archive))
	if strings.HasSuffix(strings.ToLower(base), ".tar") {
		return base
	}
	return base + ".tar"
}

// memberName normalizes a tar member name to a clean slash path relative
// to the archive root. Absolute names keep their leading slash so that
// containment rejects them.
func memberName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return name
	}
	name = path.Clean(name)
	if name == "." {
		return ""
	}
	return name
}

// within joins name onto root and reports whether the result stays inside.
func within(root, name string) (string, bool) {
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

// viaSymlink reports whether any directory between root and target is a
// symlink. Writing through one could land outside root.
func viaSymlink(root, target string) bool {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return false
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if err != nil {
			return false
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

// symlinkInside reports whether a symlink at target pointing to linkname
// resolves inside root. Only relative targets are allowed, and ".." may
// appear only as leading segments so later segments cannot climb back out
// through other links.
func symlinkInside(root, target, linkname string) bool {
	linkname = strings.ReplaceAll(linkname, "\\", "/")
	if linkname == "" || strings.HasPrefix(linkname, "/") || filepath.IsAbs(linkname) {
		return false
	}
	climbing := true
	for _, seg := range strings.Split(linkname, "/") {
		switch {
		case seg == "..":
			if !climbing {
				return false
			}
		case seg == "." || seg == "":
		default:
			climbing = false
		}
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Excluded reports whether a slash-separated member name matches any of
// the patterns. A pattern without a slash is matched against each path
// segment; a pattern with a slash is matched against the leading segments.
func Excluded(name string, patterns []string) bool {
	segs := strings.Split(strings.Trim(name, "/"), "/")
	for _, p := range patterns {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			for _, s := range segs {
				if ok, _ := path.Match(p, s); ok {
					return true
				}
			}
			continue
		}
		n := strings.Count(p, "/") + 1
		if len(segs) < n {
			continue
		}
		if ok, _ := path.Match(p, strings.Join(segs[:n], "/")); ok {
			return true
		}
	}
	return false
}
