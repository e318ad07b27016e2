package symbols

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// ErrNotFound is returned by a Locator that has no symbol file for a
// request.
var ErrNotFound = errors.New("symbol file not found")

// Request identifies the symbol file of a module.
type Request struct {
	DebugFile string // PDB name, e.g. app.pdb
	DebugID   string // DebugID.String()
	CodeFile  string // image name, e.g. app.dll
	CodeID    string
}

func requestFor(m *Module) Request {
	req := Request{
		DebugFile: m.DebugFile,
		CodeFile:  path.Base(strings.ReplaceAll(m.ImagePath, `\`, "/")),
		CodeID:    m.CodeID(),
	}
	if !m.DebugID.IsZero() {
		req.DebugID = m.DebugID.String()
	}
	return req
}

// symName returns the name of the Breakpad file for the request: the
// debug file name with its extension replaced by .sym.
func (r Request) symName() string {
	base := r.DebugFile
	if base == "" {
		base = r.CodeFile
	}
	return strings.TrimSuffix(base, path.Ext(base)) + ".sym"
}

// storePath returns the symbol store path of the request,
// <debug file>/<debug id>/<name>.sym.
func (r Request) storePath() string {
	return path.Join(r.DebugFile, r.DebugID, r.symName())
}

// Locator finds symbol files. Implementations return an error wrapping
// ErrNotFound when they have nothing for the request.
type Locator interface {
	Locate(ctx context.Context, req Request) (io.ReadCloser, error)
}

// DirLocator searches local directories. Each directory is first
// searched with the symbol store layout <debug file>/<DEBUGID>/<name>.sym
// and then for a flat <name>.sym.
type DirLocator struct {
	Dirs []string
}

func (l *DirLocator) Locate(ctx context.Context, req Request) (io.ReadCloser, error) {
	logger := logflags.LocatorLogger()
	for _, dir := range l.Dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cands := []string{filepath.Join(dir, filepath.FromSlash(req.storePath())), filepath.Join(dir, req.symName())}
		if req.DebugFile == "" || req.DebugID == "" {
			cands = cands[1:]
		}
		for _, p := range cands {
			f, err := os.Open(p)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					logger.Warnf("could not open %s: %v", p, err)
				}
				continue
			}
			logger.Debugf("found %s", p)
			return maybeDecompress(f)
		}
	}
	return nil, fmt.Errorf("%s in %d directories: %w", req.symName(), len(l.Dirs), ErrNotFound)
}

// Chain tries each locator in order and returns the first file found.
// Errors other than ErrNotFound are logged and the search continues.
type Chain []Locator

func (c Chain) Locate(ctx context.Context, req Request) (io.ReadCloser, error) {
	var errs []error
	for _, l := range c {
		rc, err := l.Locate(ctx, req)
		if err == nil {
			return rc, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ErrNotFound) {
			logflags.LocatorLogger().Warnf("locator failed for %s: %v", req.symName(), err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%s: %w", req.symName(), ErrNotFound)
	}
	return nil, fmt.Errorf("%s: %w", req.symName(), errors.Join(append(errs, ErrNotFound)...))
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type zstdReadCloser struct {
	*zstd.Decoder
	under io.Closer
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.under.Close()
}

type bufReadCloser struct {
	*bufio.Reader
	io.Closer
}

// maybeDecompress returns rc unchanged unless it starts with the zstd
// frame magic, in which case the stream is decompressed on the fly.
func maybeDecompress(rc io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(rc)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil || !bytes.Equal(magic, zstdMagic) {
		// short files are left for the parser to reject
		return &bufReadCloser{br, rc}, nil
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &zstdReadCloser{Decoder: dec, under: rc}, nil
}
