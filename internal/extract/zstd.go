package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// HomebrewZstd is checked before the executable search path.
const HomebrewZstd = "/opt/homebrew/bin/zstd"

// Decompressor turns a zstd file into its decompressed form.
type Decompressor interface {
	Decompress(ctx context.Context, src, dst string) error
	Name() string
}

// LookupZstd returns the path of the zstd command line tool.
func LookupZstd() (string, bool) {
	if fi, err := os.Stat(HomebrewZstd); err == nil && !fi.IsDir() {
		return HomebrewZstd, true
	}
	if p, err := exec.LookPath("zstd"); err == nil {
		return p, true
	}
	return "", false
}

// ExecZstd runs the zstd command line tool.
type ExecZstd struct {
	Path string
}

func (e ExecZstd) Name() string { return "zstd(" + e.Path + ")" }

func (e ExecZstd) Decompress(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, e.Path, "-d", "-q", "-f", src, "-o", dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", e.Path, err, msg)
		}
		return fmt.Errorf("%s: %w", e.Path, err)
	}
	return nil
}

// NativeZstd decompresses in process.
type NativeZstd struct{}

func (NativeZstd) Name() string { return "native" }

func (NativeZstd) Decompress(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("open zstd stream: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: dec}); err != nil {
		out.Close()
		return fmt.Errorf("decompress: %w", err)
	}
	return out.Close()
}

// fallback tries primary and switches to secondary if it fails.
type fallback struct {
	primary   Decompressor
	secondary Decompressor
	log       zerolog.Logger
}

func (f fallback) Name() string { return f.primary.Name() + "+" + f.secondary.Name() }

func (f fallback) Decompress(ctx context.Context, src, dst string) error {
	err := f.primary.Decompress(ctx, src, dst)
	if err == nil || ctx.Err() != nil {
		return err
	}
	f.log.Warn().Err(err).Str("using", f.secondary.Name()).Msg("zstd tool failed, falling back")
	return f.secondary.Decompress(ctx, src, dst)
}

// DefaultDecompressor prefers the zstd tool when installed and falls back
// to in-process decompression.
func DefaultDecompressor(log zerolog.Logger) Decompressor {
	if p, ok := LookupZstd(); ok {
		return fallback{primary: ExecZstd{Path: p}, secondary: NativeZstd{}, log: log}
	}
	return NativeZstd{}
}

// ctxReader stops a long copy when ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
