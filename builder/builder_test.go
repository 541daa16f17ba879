package builder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/resource"
)

func registry() *resolve.Registry {
	r := resolve.NewRegistry()
	resolve.RegisterBuiltins(r, fetch.New(), resolve.NewTemplates())
	return r
}

func inlineScript(text string, ord int, attrs map[string]string) resource.Descriptor {
	return resource.NewInline(resource.KindScript, "", text, "/app/index.html", attrs, ord)
}

func marked() map[string]string { return map[string]string{"compress": "true"} }

func TestEligible(t *testing.T) {
	items := []resource.Descriptor{
		inlineScript("1", 0, marked()),
		inlineScript("2", 1, nil),
		inlineScript("3", 2, map[string]string{"COMPRESS": "TRUE"}),
		inlineScript("4", 3, map[string]string{"compress": "false"}),
		inlineScript("5", 4, marked()),
	}
	v := resource.NewView("/app/index.html", items, registry())

	if n := v.Select(Eligible(Options{})).Len(); n != 3 {
		t.Fatalf("opted-in = %d, want 3", n)
	}
	if n := v.Select(Eligible(Options{IncludeAll: true})).Len(); n != 5 {
		t.Fatalf("include all = %d, want 5", n)
	}
	custom := Eligible(Options{Marker: "data-bundle"})
	if custom(items[0]) {
		t.Fatal("custom marker must not accept the default attribute")
	}
}

func TestPipeline_RegisterKeepsPosition(t *testing.T) {
	p := NewPipeline()
	var ran []string
	stage := func(name string) Stage {
		return func(context.Context, *resource.View, Options) error {
			ran = append(ran, name)
			return nil
		}
	}
	p.Register("a", stage("a"))
	p.Register("b", stage("b"))
	p.Register("a", stage("a2"))

	if got := strings.Join(p.Names(), ","); got != "a,b" {
		t.Fatalf("Names = %s, want a,b", got)
	}
	if err := p.Run(t.Context(), resource.NewView("p", nil, registry()), Options{}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(ran, ","); got != "a2,b" {
		t.Fatalf("ran = %s, want a2,b", got)
	}
}

func TestPipeline_FirstFailureAborts(t *testing.T) {
	p := NewPipeline()
	boom := errors.New("boom")
	third := false
	p.Register("ok", func(context.Context, *resource.View, Options) error { return nil })
	p.Register("bad", func(context.Context, *resource.View, Options) error { return boom })
	p.Register("never", func(context.Context, *resource.View, Options) error { third = true; return nil })

	err := p.Run(t.Context(), resource.NewView("p", nil, registry()), Options{})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "bad" {
		t.Fatalf("err = %v, want StageError for bad", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("StageError must unwrap to the stage error")
	}
	if third {
		t.Fatal("stages after a failure must not run")
	}
}

func TestScripts_JoinsEligibleInOrder(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.js"), []byte("var b=2;"), 0o644); err != nil {
		t.Fatal(err)
	}
	page := filepath.Join(dir, "index.html")
	b, err := resource.NewExternal(resource.KindScript, "", "b.js", page, marked(), 2)
	if err != nil {
		t.Fatal(err)
	}
	items := []resource.Descriptor{
		resource.NewInline(resource.KindScript, "", "var a=1;", page, marked(), 0),
		resource.NewInline(resource.KindScript, "", "var skipped;", page, nil, 1),
		b,
	}
	v := resource.NewView(page, items, registry())

	var reported []Artifact
	ctx := WithArtifactSink(t.Context(), func(a Artifact) { reported = append(reported, a) })
	if err := Defaults().Run(ctx, v, Options{OutputDir: dir + "/"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, ScriptArtifact))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "var a=1;\nvar b=2;" {
		t.Fatalf("production.js = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, StyleArtifact)); !os.IsNotExist(err) {
		t.Fatal("styles stage with nothing eligible must not write")
	}
	if len(reported) != 2 || reported[0].Stage != "scripts" || reported[1].Stage != "manifest" {
		t.Fatalf("reported = %+v", reported)
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestArtifact))
	if err != nil {
		t.Fatal(err)
	}
	var m BuildManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Resources) != 2 || m.Resources[0].Ordinal != 0 || m.Resources[1].Location != "b.js" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Page != page {
		t.Fatalf("manifest page = %q", m.Page)
	}
}

func TestManifest_ListsTemplates(t *testing.T) {
	dir := t.TempDir()
	items := []resource.Descriptor{
		inlineScript("var a=1;", 0, marked()),
		resource.NewInline(resource.KindScript, "text/ejs", "<tr><%= name %></tr>", "/app/index.html",
			map[string]string{"compress": "true", "id": "row"}, 1),
		resource.NewInline(resource.KindScript, "text/ejs", "<li></li>", "/app/index.html",
			map[string]string{"id": "skipped"}, 2),
	}
	v := resource.NewView("/app/index.html", items, registry())

	if err := Manifest(t.Context(), v, Options{OutputDir: dir + "/"}); err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, ManifestArtifact))
	if err != nil {
		t.Fatal(err)
	}
	var m BuildManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Templates) != 1 || m.Templates[0].Engine != "ejs" || m.Templates[0].ID != "row" ||
		m.Templates[0].Bytes != len("<tr><%= name %></tr>") {
		t.Fatalf("templates = %+v", m.Templates)
	}
}

func TestScripts_UnresolvedTypeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	items := []resource.Descriptor{
		inlineScript("var a=1;", 0, marked()),
		resource.NewInline(resource.KindScript, "text/x-unknown", "???", "/app/index.html", marked(), 1),
	}
	v := resource.NewView("/app/index.html", items, registry())

	err := Defaults().Run(t.Context(), v, Options{OutputDir: dir})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "scripts" {
		t.Fatalf("err = %v, want scripts StageError", err)
	}
	var ute *resolve.UnresolvedTypeError
	if !errors.As(err, &ute) || ute.Type != "text/x-unknown" {
		t.Fatalf("err = %v, want UnresolvedTypeError", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("artifacts written on failure: %v", entries)
	}
}

func TestScripts_Minify(t *testing.T) {
	dir := t.TempDir()
	v := resource.NewView("p.html", []resource.Descriptor{
		inlineScript("var   answer = 40 + 2 ;\n\n// comment\n", 0, marked()),
	}, registry())
	if err := Scripts(t.Context(), v, Options{OutputDir: dir, Minify: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, ScriptArtifact))
	if strings.Contains(string(got), "comment") || strings.Contains(string(got), "  ") {
		t.Fatalf("not minified: %q", got)
	}
}

func TestStyles_RewritesURLs(t *testing.T) {
	dir := t.TempDir()
	cssDir := filepath.Join(dir, "css")
	if err := os.MkdirAll(cssDir, 0o755); err != nil {
		t.Fatal(err)
	}
	sheet := `.a{background:url(img/a.png)}
.b{background:url("../fonts/f.woff?v=1")}
.c{background:url(data:image/png;base64,AAAA)}
.d{background:url(http://cdn.example/x.png)}`
	if err := os.WriteFile(filepath.Join(cssDir, "site.css"), []byte(sheet), 0o644); err != nil {
		t.Fatal(err)
	}
	page := filepath.Join(dir, "index.html")
	link, err := resource.NewExternal(resource.KindStyle, "", "css/site.css", page, marked(), 0)
	if err != nil {
		t.Fatal(err)
	}
	v := resource.NewView(page, []resource.Descriptor{link}, registry())
	out := filepath.Join(dir, "dist") + "/"

	if err := Styles(t.Context(), v, Options{OutputDir: out}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(out, StyleArtifact))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"url(../css/img/a.png)",
		`url("../fonts/f.woff?v=1")`,
		"url(data:image/png;base64,AAAA)",
		"url(http://cdn.example/x.png)",
	} {
		if !strings.Contains(string(got), want) {
			t.Errorf("production.css missing %s:\n%s", want, got)
		}
	}
}

func TestRelocate(t *testing.T) {
	tests := []struct {
		ref, from, out, want string
	}{
		{"#frag", "/a/s.css", "/b/", "#frag"},
		{"/abs.png", "/a/s.css", "/b/", "/abs.png"},
		{"i.png", "/a/s.css", "/a/", "i.png"},
		{"i.png", "http://h/css/s.css", "/b/", "http://h/css/i.png"},
	}
	for _, tt := range tests {
		if got := relocate(tt.ref, tt.from, tt.out); got != tt.want {
			t.Errorf("relocate(%q, %q, %q) = %q, want %q", tt.ref, tt.from, tt.out, got, tt.want)
		}
	}
}

func TestWriteArtifact_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	a, err := WriteArtifact(t.Context(), dir, "x.txt", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Bytes != 5 || a.SHA256 == "" || a.Path != filepath.Join(dir, "x.txt") {
		t.Fatalf("artifact = %+v", a)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("dir holds %d entries, want 1", len(entries))
	}
}

func TestPipeline_Subset(t *testing.T) {
	p, err := Defaults().Subset([]string{"manifest", "scripts"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(p.Names(), ","); got != "manifest,scripts" {
		t.Fatalf("Names = %s", got)
	}
	if _, err := Defaults().Subset([]string{"scripts", "zip"}); err == nil {
		t.Fatal("unknown stage must be rejected")
	}
}
