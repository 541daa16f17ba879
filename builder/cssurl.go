package builder

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"github.com/hazyhaar/pagepack/fetch"
)

// RewriteURLs rewrites the relative url() references of a stylesheet read
// from "from" so that they resolve identically from outDir. Absolute URLs,
// root-absolute paths, data URIs and fragment-only references are kept.
func RewriteURLs(text, from, outDir string) (string, error) {
	l := css.NewLexer(parse.NewInputString(text))
	var sb strings.Builder
	sb.Grow(len(text))
	for {
		tt, data := l.Next()
		switch tt {
		case css.ErrorToken:
			if err := l.Err(); err != io.EOF {
				return "", fmt.Errorf("css: %w", err)
			}
			return sb.String(), nil
		case css.URLToken:
			sb.WriteString(rewriteURLToken(string(data), from, outDir))
		default:
			sb.Write(data)
		}
	}
}

// rewriteURLToken handles one url(...) token, keeping its quoting.
func rewriteURLToken(tok, from, outDir string) string {
	open := strings.IndexByte(tok, '(')
	if open < 0 || !strings.HasSuffix(tok, ")") {
		return tok
	}
	inner := strings.TrimSpace(tok[open+1 : len(tok)-1])
	quote := ""
	if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
		quote = inner[:1]
		inner = inner[1 : len(inner)-1]
	}
	ref := relocate(inner, from, outDir)
	if ref == inner {
		return tok
	}
	return tok[:open+1] + quote + ref + quote + ")"
}

// relocate re-expresses ref, relative to from, as a reference relative to outDir.
func relocate(ref, from, outDir string) string {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "/") {
		return ref
	}
	if u, err := url.Parse(ref); err != nil || u.Scheme != "" {
		return ref
	}

	path, suffix := ref, ""
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		path, suffix = ref[:i], ref[i:]
	}
	target := fetch.Join(path, from)
	if fetch.IsRemote(target) || outDir == "" || fetch.IsRemote(outDir) {
		return target + suffix
	}
	rel, err := filepath.Rel(fetch.LocalPath(outDir), fetch.LocalPath(target))
	if err != nil {
		return target + suffix
	}
	return filepath.ToSlash(rel) + suffix
}
