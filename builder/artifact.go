package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact describes one file written by a stage.
type Artifact struct {
	Stage  string `json:"stage"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
}

type ctxKey int

const (
	sinkKey ctxKey = iota
	stageKey
)

// WithArtifactSink returns a context whose WriteArtifact calls report to sink.
func WithArtifactSink(ctx context.Context, sink func(Artifact)) context.Context {
	return context.WithValue(ctx, sinkKey, sink)
}

func withStage(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stageKey, name)
}

// StageName returns the name of the stage running under ctx.
func StageName(ctx context.Context) string {
	s, _ := ctx.Value(stageKey).(string)
	return s
}

// WriteArtifact writes data to dir/name through a temporary file in the same
// directory, so readers never observe a partial artifact. An empty dir is the
// working directory.
func WriteArtifact(ctx context.Context, dir, name string, data []byte) (Artifact, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("builder: mkdir %s: %w", dir, err)
	}
	target := filepath.Join(dir, name)

	f, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return Artifact{}, fmt.Errorf("builder: create tmp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("builder: write tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("builder: close tmp: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("builder: chmod tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("builder: rename: %w", err)
	}

	sum := sha256.Sum256(data)
	a := Artifact{
		Stage:  StageName(ctx),
		Path:   target,
		Bytes:  len(data),
		SHA256: hex.EncodeToString(sum[:]),
	}
	if sink, ok := ctx.Value(sinkKey).(func(Artifact)); ok && sink != nil {
		sink(a)
	}
	return a, nil
}
