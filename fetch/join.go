package fetch

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Join resolves a raw element reference against the page it appeared in.
// Absolute URLs and root-relative references come back untouched. Local
// references lose their query string and fragment.
func Join(ref, base string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, RootMarker) || schemeOf(ref) != "" {
		return ref
	}

	if IsRemote(base) {
		b, err := url.Parse(base)
		if err != nil {
			return ref
		}
		r, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return b.ResolveReference(r).String()
	}

	ref = stripQuery(ref)
	if strings.HasPrefix(ref, "/") || filepath.IsAbs(ref) {
		return filepath.Clean(filepath.FromSlash(ref))
	}
	if base == "" {
		return filepath.Clean(filepath.FromSlash(ref))
	}
	dir := filepath.Dir(localPath(base))
	return filepath.Join(dir, filepath.FromSlash(path.Clean(ref)))
}

func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}
