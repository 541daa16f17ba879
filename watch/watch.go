// Package watch runs a "poll, detect change, debounce, act" loop. pagepack
// uses it to rebuild a page whenever the page or one of its local resources
// changes on disk.
//
// Typical usage:
//
//	w := watch.New(watch.Options{Detector: watch.Files(sources), Debounce: 300 * time.Millisecond})
//	w.OnChange(ctx, rebuild)
package watch

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"time"
)

// Detector returns a version token. Two calls returning different values
// mean something changed.
type Detector func(ctx context.Context) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 500ms.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes during the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector produces the version token. Required.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a Detector and runs an action on change.
type Watcher struct {
	opts    Options
	version atomic.Int64
	rebase  atomic.Bool

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	runs    atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Runs            int64 `json:"runs"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(opts Options) *Watcher {
	opts.defaults()
	return &Watcher{opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Runs:            w.runs.Load(),
	}
}

// Rebase makes the running action's success re-read the Detector and keep
// that reading as the new baseline. Call it from an action that changed
// what the Detector looks at, such as the list of watched files.
func (w *Watcher) Rebase() { w.rebase.Store(true) }

// Version returns the last version the action succeeded for.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled. The version seen on entry is the
// baseline; each later change that survives the debounce window runs
// action. A failed action does not advance the version, so it runs again on
// the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)
	hasPending := false

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Info("watch: stopped")
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				hasPending = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("watch: change detected, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if hasPending {
				w.fire(ctx, action, pending)
				hasPending = false
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, ver int64) {
	log := w.opts.Logger
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "error", err, "version", ver)
		return
	}
	w.runs.Add(1)
	if w.rebase.Swap(false) {
		if cur, err := w.opts.Detector(ctx); err != nil {
			w.errors.Add(1)
			log.Warn("watch: rebase check failed", "error", err)
		} else {
			ver = cur
		}
	}
	w.version.Store(ver)
	log.Info("watch: action done", "version", ver, "duration", time.Since(start))
}

// Files returns a Detector over the files paths lists, called on every
// poll. The token covers each file's path, size and modification time; a
// missing file counts as a distinct state, so deleting or creating a
// watched file is a change too.
func Files(paths func() []string) Detector {
	return func(context.Context) (int64, error) {
		list := slices.Clone(paths())
		slices.Sort(list)
		h := fnv.New64a()
		var buf [8]byte
		for _, p := range slices.Compact(list) {
			h.Write([]byte(p))
			h.Write([]byte{0})
			fi, err := os.Stat(p)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return 0, err
			}
			binary.LittleEndian.PutUint64(buf[:], uint64(fi.Size()))
			h.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], uint64(fi.ModTime().UnixNano()))
			h.Write(buf[:])
		}
		return int64(h.Sum64() &^ (1 << 63)), nil
	}
}
