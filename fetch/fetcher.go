// Package fetch reads the raw text behind a resource location. Locations are
// dispatched by scheme: bare paths and file: URLs are read from disk, http:
// and https: URLs are fetched over the network, and locations starting with
// the root-relative marker "//" are first rewritten against a configured root.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/pagepack/horosafe"
)

// RootMarker prefixes locations that are relative to the configured root.
const RootMarker = "//"

// Fetcher reads resource text from disk or over HTTP.
type Fetcher struct {
	client   *http.Client
	ua       string
	root     string
	maxBytes int64
	checkURL func(string) error
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithRoot sets the directory or http base URL that root-relative
// locations are rewritten against.
func WithRoot(root string) Option {
	return func(f *Fetcher) { f.root = root }
}

// WithMaxBytes caps the size of a single fetched resource.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithURLCheck rejects remote locations for which check returns an error,
// before any request is made. horosafe.ValidateURL is the usual check.
func WithURLCheck(check func(string) error) Option {
	return func(f *Fetcher) { f.checkURL = check }
}

// New creates a Fetcher with sensible defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		ua:       "Mozilla/5.0 (compatible; pagepack/1.0)",
		maxBytes: 10 << 20,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Root returns the configured root, empty when none.
func (f *Fetcher) Root() string { return f.root }

// Fetch returns the text stored at location.
func (f *Fetcher) Fetch(ctx context.Context, location string) (string, error) {
	loc, err := f.rewriteRoot(location)
	if err != nil {
		return "", err
	}

	scheme := schemeOf(loc)
	switch scheme {
	case "", "file":
		return f.readFile(loc, location)
	case "http", "https":
		return f.get(ctx, loc, location)
	default:
		return "", &FetchError{Reason: ReasonUnsupportedScheme, Location: location,
			Err: fmt.Errorf("scheme %q", scheme)}
	}
}

func (f *Fetcher) rewriteRoot(location string) (string, error) {
	if !strings.HasPrefix(location, RootMarker) {
		return location, nil
	}
	if f.root == "" {
		return "", &FetchError{Reason: ReasonNotFound, Location: location,
			Err: errors.New("root-relative location without a configured root")}
	}
	rel := strings.TrimPrefix(location, RootMarker)
	if s := schemeOf(f.root); s == "http" || s == "https" {
		return strings.TrimSuffix(f.root, "/") + "/" + rel, nil
	}
	return filepath.Join(localPath(f.root), filepath.FromSlash(rel)), nil
}

func (f *Fetcher) readFile(loc, original string) (string, error) {
	path := localPath(loc)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &FetchError{Reason: ReasonNotFound, Location: original, Err: err}
		}
		return "", &FetchError{Reason: ReasonNetworkError, Location: original, Err: err}
	}
	defer file.Close()

	data, err := horosafe.LimitedReadAll(file, f.maxBytes)
	if err != nil {
		return "", &FetchError{Reason: ReasonNetworkError, Location: original, Err: err}
	}
	f.logger.Debug("fetch: read file", "path", path, "size", len(data))
	return string(data), nil
}

func (f *Fetcher) get(ctx context.Context, loc, original string) (string, error) {
	if f.checkURL != nil {
		if err := f.checkURL(loc); err != nil {
			return "", &FetchError{Reason: ReasonBlocked, Location: original, Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return "", &FetchError{Reason: ReasonNetworkError, Location: original, Err: err}
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,text/css,application/javascript,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{Reason: ReasonNetworkError, Location: original, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", &FetchError{Reason: ReasonNotFound, Location: original,
			Err: fmt.Errorf("http status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &FetchError{Reason: ReasonNetworkError, Location: original,
			Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	data, err := horosafe.LimitedReadAll(resp.Body, f.maxBytes)
	if err != nil {
		return "", &FetchError{Reason: ReasonNetworkError, Location: original, Err: err}
	}
	f.logger.Debug("fetch: fetched", "url", loc, "status", resp.StatusCode, "size", len(data))
	return string(data), nil
}

// schemeOf returns the lower-cased URL scheme, or "" for filesystem paths.
// Single-letter schemes are treated as Windows drive letters.
func schemeOf(loc string) string {
	i := strings.Index(loc, ":")
	if i <= 1 {
		return ""
	}
	s := loc[:i]
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return strings.ToLower(s)
}

// localPath turns a file: URL or a bare path into a filesystem path.
func localPath(loc string) string {
	if schemeOf(loc) != "file" {
		return loc
	}
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		return filepath.FromSlash(u.Path)
	}
	return strings.TrimPrefix(loc, "file:")
}

// IsRemote reports whether location is an http(s) URL.
func IsRemote(location string) bool {
	s := schemeOf(location)
	return s == "http" || s == "https"
}

// LocalPath exposes localPath for callers that need a filesystem path for a
// page given as a file: URL.
func LocalPath(location string) string { return localPath(location) }
