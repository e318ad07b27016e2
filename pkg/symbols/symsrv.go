package symbols

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/go-delve/symsnap/pkg/logflags"
)

// ServerLocator downloads symbol files from HTTP symbol servers using
// the symbol store layout, <url>/<debug file>/<DEBUGID>/<name>.sym.
// Servers are tried in order. When a cache directory is set, downloaded
// files are kept there with the same layout and served from disk on the
// next request.
type ServerLocator struct {
	r        *resty.Client
	urls     []string
	cacheDir string
}

type ServerOption func(l *ServerLocator) error

func WithURL(url string) ServerOption {
	return func(l *ServerLocator) error {
		l.addURL(url)
		return nil
	}
}

func WithURLs(urls ...string) ServerOption {
	return func(l *ServerLocator) error {
		for _, url := range urls {
			if url := strings.TrimSpace(url); url != "" {
				l.addURL(url)
			}
		}
		return nil
	}
}

func WithTimeout(timeout time.Duration) ServerOption {
	return func(l *ServerLocator) error {
		l.r.SetTimeout(timeout)
		return nil
	}
}

func WithRetryCount(count int) ServerOption {
	return func(l *ServerLocator) error {
		l.r.SetRetryCount(count)
		return nil
	}
}

func WithCacheDir(dir string) ServerOption {
	return func(l *ServerLocator) error {
		l.cacheDir = dir
		return nil
	}
}

func WithHTTPClientOption(opt func(c *resty.Client) error) ServerOption {
	return func(l *ServerLocator) error {
		return opt(l.r)
	}
}

const (
	defaultServerTimeout    = 30 * time.Second
	defaultServerRetryCount = 2
)

// ErrNoEndpoints is returned by NewServerLocator when no URL was given.
var ErrNoEndpoints = errors.New("no symbol server urls set")

func NewServerLocator(opts ...ServerOption) (*ServerLocator, error) {
	r := resty.New().
		SetTimeout(defaultServerTimeout).
		SetRetryCount(defaultServerRetryCount).
		SetLogger(logflags.LocatorLogger())

	l := &ServerLocator{r: r}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if len(l.urls) == 0 {
		return nil, ErrNoEndpoints
	}
	return l, nil
}

func (l *ServerLocator) addURL(url string) {
	l.urls = append(l.urls, strings.TrimSuffix(url, "/"))
}

func (l *ServerLocator) Locate(ctx context.Context, req Request) (io.ReadCloser, error) {
	if req.DebugFile == "" || req.DebugID == "" {
		return nil, fmt.Errorf("no debug identifier: %w", ErrNotFound)
	}
	rel := req.storePath()
	if l.cacheDir != "" {
		if f, err := os.Open(l.cachePath(rel)); err == nil {
			logflags.LocatorLogger().Debugf("cache hit %s", rel)
			return maybeDecompress(f)
		}
	}

	var body io.ReadCloser
	err := l.tryEachURL(func(endpoint string) error {
		url := endpoint + "/" + rel
		res, err := l.r.R().
			SetDoNotParseResponse(true).
			SetContext(ctx).
			Get(url)
		if err != nil {
			return err
		}
		if res.StatusCode() == http.StatusNotFound {
			res.RawBody().Close()
			return fmt.Errorf("%s: %w", url, ErrNotFound)
		}
		if res.IsError() {
			res.RawBody().Close()
			return fmt.Errorf("request to %s failed, status: %s", url, res.Status())
		}
		body = res.RawBody()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if l.cacheDir == "" {
		return maybeDecompress(body)
	}
	defer body.Close()
	p, err := l.store(rel, body)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	return maybeDecompress(f)
}

// tryEachURL calls do for each server until one succeeds. The result
// wraps ErrNotFound only when every server reported a missing file.
func (l *ServerLocator) tryEachURL(do func(url string) error) error {
	if len(l.urls) < 1 {
		return ErrNoEndpoints
	}
	var errs []error
	allMissing := true
	for _, url := range l.urls {
		err := do(url)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			// only a miss on every server counts as not found
			errs = append(errs, fmt.Errorf("server %s failed: %v", url, err))
			continue
		}
		allMissing = false
		errs = append(errs, fmt.Errorf("server %s failed: %w", url, err))
	}
	err := errors.Join(errs...)
	if allMissing {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (l *ServerLocator) cachePath(rel string) string {
	return filepath.Join(l.cacheDir, filepath.FromSlash(rel))
}

// store copies r into the cache, the file appears under its final name
// only once it is complete.
func (l *ServerLocator) store(rel string, r io.Reader) (string, error) {
	p := l.cachePath(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o777); err != nil {
		return "", fmt.Errorf("failed to prepare symbol cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", err
	}
	logflags.LocatorLogger().Debugf("cached %s (%d bytes)", rel, n)
	return p, nil
}
