package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/pagepack/horosafe"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFetch_FileURL(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.js", "var x=1;")

	f := New()
	got, err := f.Fetch(context.Background(), "file://"+filepath.ToSlash(p))
	if err != nil {
		t.Fatal(err)
	}
	if got != "var x=1;" {
		t.Fatalf("got %q", got)
	}
}

func TestFetch_BarePath(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "style.css", "body{}")

	got, err := New().Fetch(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "body{}" {
		t.Fatalf("got %q", got)
	}
}

func TestFetch_HTTP(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		if r.URL.Path == "/x.js" {
			w.Write([]byte("var remote=1;"))
			return
		}
		if r.URL.Path == "/broken.js" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(WithUserAgent("pagepack-test"))
	got, err := f.Fetch(context.Background(), srv.URL+"/x.js")
	if err != nil {
		t.Fatal(err)
	}
	if got != "var remote=1;" {
		t.Fatalf("got %q", got)
	}
	if gotUA != "pagepack-test" {
		t.Fatalf("User-Agent = %q", gotUA)
	}

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.js")
	assertReason(t, err, ReasonNotFound)

	_, err = f.Fetch(context.Background(), srv.URL+"/broken.js")
	assertReason(t, err, ReasonNetworkError)
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	_, err := New().Fetch(context.Background(), "ftp://h/x")
	assertReason(t, err, ReasonUnsupportedScheme)
	if !errors.Is(err, &FetchError{Reason: ReasonUnsupportedScheme}) {
		t.Fatal("errors.Is should match on reason")
	}
}

func TestFetch_MissingFile(t *testing.T) {
	_, err := New().Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.js"))
	assertReason(t, err, ReasonNotFound)
}

func TestFetch_RootRelative(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib/jquery.js", "jq")

	got, err := New(WithRoot(dir)).Fetch(context.Background(), "//lib/jquery.js")
	if err != nil {
		t.Fatal(err)
	}
	if got != "jq" {
		t.Fatalf("got %q", got)
	}

	_, err = New().Fetch(context.Background(), "//lib/jquery.js")
	assertReason(t, err, ReasonNotFound)
}

func TestFetch_RootRelativeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("path=" + r.URL.Path))
	}))
	defer srv.Close()

	got, err := New(WithRoot(srv.URL+"/static/")).Fetch(context.Background(), "//app/main.js")
	if err != nil {
		t.Fatal(err)
	}
	if got != "path=/static/app/main.js" {
		t.Fatalf("got %q", got)
	}
}

func TestFetch_MaxBytes(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "big.js", strings.Repeat("a", 64))

	_, err := New(WithMaxBytes(16)).Fetch(context.Background(), p)
	assertReason(t, err, ReasonNetworkError)
	if !errors.Is(err, horosafe.ErrTooLarge) {
		t.Fatalf("err = %v, want horosafe.ErrTooLarge", err)
	}
}

func TestFetch_URLCheckBlocksPrivateHosts(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("var internal=1;"))
	}))
	defer srv.Close()

	f := New(WithURLCheck(horosafe.ValidateURL))
	_, err := f.Fetch(context.Background(), srv.URL+"/x.js")
	assertReason(t, err, ReasonBlocked)
	if !errors.Is(err, horosafe.ErrSSRF) {
		t.Fatalf("err = %v, want horosafe.ErrSSRF", err)
	}
	if hits != 0 {
		t.Fatalf("blocked location was requested %d times", hits)
	}

	if _, err := New().Fetch(context.Background(), srv.URL+"/x.js"); err != nil {
		t.Fatalf("unchecked fetch: %v", err)
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		ref, base, want string
	}{
		{"a.js", "/app/index.html", filepath.FromSlash("/app/a.js")},
		{"../lib/b.js?v=2", "/app/pages/index.html", filepath.FromSlash("/app/lib/b.js")},
		{"c.js#frag", "file:///app/index.html", filepath.FromSlash("/app/c.js")},
		{"/abs/d.js", "/app/index.html", filepath.FromSlash("/abs/d.js")},
		{"//root/e.js", "/app/index.html", "//root/e.js"},
		{"http://cdn/x.js", "/app/index.html", "http://cdn/x.js"},
		{"js/f.js?v=1", "http://h/app/index.html", "http://h/app/js/f.js?v=1"},
		{"/g.js", "https://h/app/index.html", "https://h/g.js"},
	}
	for _, tt := range tests {
		if got := Join(tt.ref, tt.base); got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.ref, tt.base, got, tt.want)
		}
	}
}

func TestIsRemote(t *testing.T) {
	if !IsRemote("https://h/x") || !IsRemote("HTTP://h/x") {
		t.Error("http(s) URLs are remote")
	}
	if IsRemote("/app/index.html") || IsRemote("file:///app/index.html") || IsRemote(`C:\app\index.html`) {
		t.Error("local locations are not remote")
	}
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.Reason != want {
		t.Fatalf("reason = %s, want %s (%v)", fe.Reason, want, err)
	}
}
