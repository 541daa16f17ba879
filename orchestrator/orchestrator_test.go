package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagepack/builder"
	"github.com/hazyhaar/pagepack/dbopen"
	"github.com/hazyhaar/pagepack/history"
	"github.com/hazyhaar/pagepack/horosafe"
	"github.com/hazyhaar/pagepack/idgen"
	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/resource"
	"github.com/hazyhaar/pagepack/session"
)

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const simplePage = `<html><head>
<script src="a.js" compress="true"></script>
<script src="skip.js"></script>
<script compress="true">var b=2;</script>
<link rel="stylesheet" href="site.css" compress="true">
</head></html>`

func simpleSite(t *testing.T) string {
	return writeSite(t, map[string]string{
		"index.html": simplePage,
		"a.js":       "var a=1;",
		"skip.js":    "var skip;",
		"site.css":   "body{margin:0}",
	})
}

// gatedEnv blocks Load until released, to hold a build open.
type gatedEnv struct {
	started chan struct{}
	release chan struct{}
}

func (e *gatedEnv) Load(ctx context.Context, _ string, hooks session.Hooks) error {
	close(e.started)
	<-e.release
	return hooks.Element(session.Element{Tag: "script", Text: "var x;"})
}

func TestOutputDirFor(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/app/index.html", "/app/"},
		{"file:///app/index.html", "/app/"},
		{"site/index.html", "site/"},
		{"index.html", ""},
		{"http://example.com/app/index.html", ""},
		{"https://example.com/index.html", ""},
	}
	for _, tt := range tests {
		if got := OutputDirFor(tt.in); got != tt.want {
			t.Errorf("OutputDirFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_TrailingSlash(t *testing.T) {
	if got := normalize("/a/p.html", builder.Options{OutputDir: "/out"}).OutputDir; got != "/out/" {
		t.Fatalf("OutputDir = %q", got)
	}
	if got := normalize("/a/p.html", builder.Options{OutputDir: "/out/"}).OutputDir; got != "/out/" {
		t.Fatalf("OutputDir = %q, slash doubled", got)
	}
}

func TestRunBuild_DefaultOutputDir(t *testing.T) {
	dir := simpleSite(t)
	o := New(Config{})

	rep, err := o.RunBuild(t.Context(), filepath.Join(dir, "index.html"), builder.Options{})
	if err != nil {
		t.Fatalf("RunBuild: %v", err)
	}
	if rep.OutputDir != dir+"/" {
		t.Fatalf("OutputDir = %q, want %q", rep.OutputDir, dir+"/")
	}
	if rep.State != StateCompleted || o.State() != StateCompleted {
		t.Fatalf("state = %s / %s", rep.State, o.State())
	}
	if rep.Resources != 4 || rep.Eligible != 3 {
		t.Fatalf("resources=%d eligible=%d", rep.Resources, rep.Eligible)
	}
	js, err := os.ReadFile(filepath.Join(dir, builder.ScriptArtifact))
	if err != nil {
		t.Fatal(err)
	}
	if string(js) != "var a=1;\nvar b=2;" {
		t.Fatalf("production.js = %q", js)
	}
	css, _ := os.ReadFile(filepath.Join(dir, builder.StyleArtifact))
	if string(css) != "body{margin:0}" {
		t.Fatalf("production.css = %q", css)
	}
	if len(rep.Artifacts) != 3 {
		t.Fatalf("artifacts = %+v", rep.Artifacts)
	}
	want := []string{"index.html", "a.js", "skip.js", "site.css"}
	if len(rep.Sources) != len(want) {
		t.Fatalf("sources = %v", rep.Sources)
	}
	for i, name := range want {
		if rep.Sources[i] != filepath.Join(dir, name) {
			t.Fatalf("sources[%d] = %q, want %q", i, rep.Sources[i], filepath.Join(dir, name))
		}
	}
}

func TestRunBuild_IncludeAll(t *testing.T) {
	dir := simpleSite(t)
	out := t.TempDir()
	o := New(Config{})

	rep, err := o.RunBuild(t.Context(), filepath.Join(dir, "index.html"), builder.Options{OutputDir: out, IncludeAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Eligible != 4 {
		t.Fatalf("eligible = %d", rep.Eligible)
	}
	js, _ := os.ReadFile(filepath.Join(out, builder.ScriptArtifact))
	if string(js) != "var a=1;\nvar skip;\nvar b=2;" {
		t.Fatalf("production.js = %q", js)
	}
}

func TestRunBuild_PageLoadError(t *testing.T) {
	o := New(Config{})
	rep, err := o.RunBuild(t.Context(), filepath.Join(t.TempDir(), "missing.html"), builder.Options{})
	var ple *session.PageLoadError
	if !errors.As(err, &ple) {
		t.Fatalf("err = %v, want *session.PageLoadError", err)
	}
	if rep == nil || rep.State != StateFailed || o.State() != StateFailed {
		t.Fatalf("report = %+v, state = %s", rep, o.State())
	}

	// A failed build does not block the next one.
	dir := simpleSite(t)
	if _, err := o.RunBuild(t.Context(), filepath.Join(dir, "index.html"), builder.Options{}); err != nil {
		t.Fatalf("build after failure: %v", err)
	}
}

func TestRunBuild_UnresolvedTypeFailsWithoutArtifact(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"index.html": `<script compress="true">var a=1;</script><script type="text/x-mystery" compress="true">??</script>`,
	})
	o := New(Config{})

	rep, err := o.RunBuild(t.Context(), filepath.Join(dir, "index.html"), builder.Options{})
	var ute *resolve.UnresolvedTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("err = %v, want UnresolvedTypeError", err)
	}
	if rep.FailedStage != "scripts" {
		t.Fatalf("failed stage = %q", rep.FailedStage)
	}
	if _, err := os.Stat(filepath.Join(dir, builder.ScriptArtifact)); !os.IsNotExist(err) {
		t.Fatal("production.js written by a failed stage")
	}
}

func TestRunBuild_KeepsEarlierArtifactsOnLaterFailure(t *testing.T) {
	dir := simpleSite(t)
	p := builder.Defaults()
	p.Register("explode", func(context.Context, *resource.View, builder.Options) error {
		return errors.New("disk full")
	})
	o := New(Config{Pipeline: p})

	rep, err := o.RunBuild(t.Context(), filepath.Join(dir, "index.html"), builder.Options{})
	var se *builder.StageError
	if !errors.As(err, &se) || se.Stage != "explode" {
		t.Fatalf("err = %v", err)
	}
	if len(rep.Artifacts) != 3 {
		t.Fatalf("artifacts = %+v", rep.Artifacts)
	}
	if _, err := os.Stat(filepath.Join(dir, builder.ScriptArtifact)); err != nil {
		t.Fatal("artifacts of completed stages must be kept")
	}
}

func TestRunBuild_InProgress(t *testing.T) {
	env := &gatedEnv{started: make(chan struct{}), release: make(chan struct{})}
	o := New(Config{Session: session.New(session.Config{Environment: env})})
	out := t.TempDir()

	done := make(chan error, 1)
	go func() {
		_, err := o.RunBuild(context.Background(), "a.html", builder.Options{OutputDir: out})
		done <- err
	}()
	<-env.started

	if _, err := o.RunBuild(t.Context(), "b.html", builder.Options{OutputDir: out}); !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("err = %v, want ErrBuildInProgress", err)
	}
	if _, err := o.Inspect(t.Context(), "b.html"); !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("Inspect err = %v, want ErrBuildInProgress", err)
	}
	if o.State() != StateOpening {
		t.Fatalf("state = %s, want opening", o.State())
	}
	close(env.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunBuild_RecordsHistory(t *testing.T) {
	store := history.New(dbopen.OpenMemory(t, dbopen.WithSchema(history.Schema)))
	dir := simpleSite(t)
	o := New(Config{History: store})

	rep, err := o.RunBuild(t.Context(), filepath.Join(dir, "index.html"), builder.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rep.BuildID, "bld_") {
		t.Fatalf("build id = %q", rep.BuildID)
	}
	b, err := store.Get(t.Context(), rep.BuildID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != history.StatusCompleted || b.Resources != 4 {
		t.Fatalf("recorded = %+v", b)
	}
	arts, _ := store.Artifacts(t.Context(), rep.BuildID)
	if len(arts) != 3 || arts[0].Stage != "scripts" {
		t.Fatalf("recorded artifacts = %+v", arts)
	}
}

func TestInspect(t *testing.T) {
	dir := simpleSite(t)
	o := New(Config{})
	ins, err := o.Inspect(t.Context(), filepath.Join(dir, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ins.Resources) != 4 {
		t.Fatalf("resources = %d", len(ins.Resources))
	}
	for i, d := range ins.Resources {
		if d.Ordinal() != i {
			t.Fatalf("resource %d has ordinal %d", i, d.Ordinal())
		}
	}
	if o.State() != StateIdle {
		t.Fatalf("Inspect changed build state to %s", o.State())
	}
}

func TestTransition(t *testing.T) {
	s := StateIdle
	for _, to := range []State{StateOpening, StateExtracting, StateRunningStages, StateCompleted, StateOpening, StateFailed} {
		if err := transition(&s, s, to); err != nil {
			t.Fatalf("-> %s: %v", to, err)
		}
	}
	if err := transition(&s, s, StateCompleted); err == nil {
		t.Fatal("failed -> completed must be rejected")
	}
	if err := transition(&s, StateIdle, StateOpening); err == nil {
		t.Fatal("stale from state must be rejected")
	}
}

// --- HTTP ---

func TestRoutes(t *testing.T) {
	store := history.New(dbopen.OpenMemory(t, dbopen.WithSchema(history.Schema)))
	dir := simpleSite(t)
	o := New(Config{History: store})
	srv := httptest.NewServer(o.Routes())
	defer srv.Close()

	body := `{"url":` + jsonString(filepath.Join(dir, "index.html")) + `}`
	resp, err := http.Post(srv.URL+"/build", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var rep Report
	json.NewDecoder(resp.Body).Decode(&rep)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rep.State != StateCompleted {
		t.Fatalf("POST /build = %d %+v", resp.StatusCode, rep)
	}
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing API headers: %v", resp.Header)
	}

	resp, _ = http.Post(srv.URL+"/build", "application/json", strings.NewReader(`{}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing url = %d, want 400", resp.StatusCode)
	}

	resp, _ = http.Post(srv.URL+"/build", "application/json", strings.NewReader(`{"url":"/nope/missing.html"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing page = %d, want 422", resp.StatusCode)
	}

	var stages struct {
		Stages []string `json:"stages"`
	}
	getJSON(t, srv.URL+"/stages", &stages)
	if strings.Join(stages.Stages, ",") != "scripts,styles,manifest" {
		t.Fatalf("stages = %v", stages.Stages)
	}

	var types struct {
		Types []string `json:"types"`
	}
	getJSON(t, srv.URL+"/types", &types)
	if len(types.Types) == 0 {
		t.Fatal("no types listed")
	}

	var hist struct {
		Builds []history.Build `json:"builds"`
	}
	getJSON(t, srv.URL+"/history", &hist)
	if len(hist.Builds) != 2 {
		t.Fatalf("history = %+v", hist.Builds)
	}

	var detail BuildDetail
	getJSON(t, srv.URL+"/history/"+rep.BuildID, &detail)
	if len(detail.Artifacts) != 3 {
		t.Fatalf("detail = %+v", detail)
	}

	resp, _ = http.Get(srv.URL + "/history/" + idgen.BuildID())
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown build = %d, want 404", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/history/bld_unknown")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed build id = %d, want 400", resp.StatusCode)
	}
}

func TestRoutes_Conflict(t *testing.T) {
	env := &gatedEnv{started: make(chan struct{}), release: make(chan struct{})}
	o := New(Config{Session: session.New(session.Config{Environment: env})})
	srv := httptest.NewServer(o.Routes())
	defer srv.Close()
	out := t.TempDir()

	done := make(chan struct{})
	go func() {
		o.RunBuild(context.Background(), "a.html", builder.Options{OutputDir: out})
		close(done)
	}()
	<-env.started

	resp, err := http.Post(srv.URL+"/build", "application/json", strings.NewReader(`{"url":"b.html"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	close(env.release)
	<-done
}

func postBuild(t *testing.T, url, body string) (int, Report) {
	t.Helper()
	resp, err := http.Post(url+"/build", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rep Report
	json.NewDecoder(resp.Body).Decode(&rep)
	return resp.StatusCode, rep
}

func TestRoutes_ArtifactRootConfinesOutputDir(t *testing.T) {
	root := t.TempDir()
	dir := simpleSite(t)
	page := filepath.Join(dir, "index.html")
	o := New(Config{ArtifactRoot: root})
	srv := httptest.NewServer(o.Routes())
	defer srv.Close()

	code, rep := postBuild(t, srv.URL, `{"url":`+jsonString(page)+`,"output_dir":"/any/dir"}`)
	if code != http.StatusOK {
		t.Fatalf("POST /build = %d %+v", code, rep)
	}
	want := filepath.Join(root, "any", "dir") + "/"
	if rep.OutputDir != want {
		t.Fatalf("OutputDir = %q, want %q", rep.OutputDir, want)
	}
	if _, err := os.Stat(filepath.Join(want, "production.js")); err != nil {
		t.Fatalf("artifact not under the root: %v", err)
	}

	code, rep = postBuild(t, srv.URL, `{"url":`+jsonString(page)+`}`)
	if code != http.StatusOK {
		t.Fatalf("default dir = %d %+v", code, rep)
	}
	if !strings.HasPrefix(rep.OutputDir, root+string(filepath.Separator)) {
		t.Fatalf("default OutputDir %q escapes %q", rep.OutputDir, root)
	}
	if _, err := os.Stat(filepath.Join(dir, "production.js")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact written next to the page: %v", err)
	}

	code, _ = postBuild(t, srv.URL, `{"url":`+jsonString(page)+`,"output_dir":"../escape"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("traversal = %d, want 400", code)
	}
}

// syncBuffer collects log output written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRoutes_CheckURLRejectsPrivateHosts(t *testing.T) {
	var logs syncBuffer
	o := New(Config{
		CheckURL: horosafe.ValidateURL,
		Logger:   slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	srv := httptest.NewServer(o.Routes())
	defer srv.Close()

	code, _ := postBuild(t, srv.URL, `{"url":"http://127.0.0.1:1/index.html","output_dir":`+jsonString(t.TempDir())+`}`)
	if code != http.StatusBadRequest {
		t.Fatalf("loopback build = %d, want 400", code)
	}
	resp, err := http.Get(srv.URL + "/inspect?url=http://10.0.0.1/index.html")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("private inspect = %d, want 400", resp.StatusCode)
	}
	if o.State() != StateIdle {
		t.Fatalf("rejected request reached the build, state = %s", o.State())
	}
	if out := logs.String(); !strings.Contains(out, "orchestrator: request rejected") || !strings.Contains(out, "request_id=req_") {
		t.Fatalf("rejection not logged on the request logger:\n%s", out)
	}

	code, _ = postBuild(t, srv.URL, `{"url":`+jsonString(filepath.Join(simpleSite(t), "index.html"))+`}`)
	if code != http.StatusOK {
		t.Fatalf("local page = %d, want 200", code)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// --- MCP ---

var testMCPImpl = &mcp.Implementation{Name: "pagepack-test", Version: "0.1.0"}

func mcpSession(t *testing.T, o *Orchestrator) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	o.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		return "", err
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, nil
}

func TestMCP_Build(t *testing.T) {
	dir := simpleSite(t)
	session := mcpSession(t, New(Config{}))

	text, err := mcpCallTool(t, session, "pagepack_build", map[string]any{
		"url":    filepath.Join(dir, "index.html"),
		"minify": true,
	})
	if err != nil {
		t.Fatalf("tool error: %v", err)
	}
	var rep Report
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.State != StateCompleted || rep.Eligible != 3 {
		t.Fatalf("report = %+v", rep)
	}

	if _, err := mcpCallTool(t, session, "pagepack_build", map[string]any{}); err == nil {
		t.Fatal("missing url must be a tool error")
	}
}

func TestMCP_InspectTypesStages(t *testing.T) {
	dir := simpleSite(t)
	session := mcpSession(t, New(Config{}))

	text, err := mcpCallTool(t, session, "pagepack_inspect", map[string]any{"url": filepath.Join(dir, "index.html")})
	if err != nil {
		t.Fatal(err)
	}
	var ins struct {
		Resources []struct {
			Ordinal int    `json:"ordinal"`
			Kind    string `json:"kind"`
		} `json:"resources"`
	}
	if err := json.Unmarshal([]byte(text), &ins); err != nil {
		t.Fatal(err)
	}
	if len(ins.Resources) != 4 || ins.Resources[3].Kind != string(resource.KindStyle) {
		t.Fatalf("inspect = %s", text)
	}

	text, err = mcpCallTool(t, session, "pagepack_types", map[string]any{})
	if err != nil || !strings.Contains(text, "text/javascript") {
		t.Fatalf("types = %s, %v", text, err)
	}
	text, err = mcpCallTool(t, session, "pagepack_stages", map[string]any{})
	if err != nil || !strings.Contains(text, `"scripts","styles","manifest"`) {
		t.Fatalf("stages = %s, %v", text, err)
	}
}

func TestMCP_HistoryOnlyWithStore(t *testing.T) {
	session := mcpSession(t, New(Config{}))
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, tool := range res.Tools {
		if tool.Name == "pagepack_history" {
			t.Fatal("history tool registered without a store")
		}
	}
}
