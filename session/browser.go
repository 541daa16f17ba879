package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/hazyhaar/pagepack/fetch"
	"github.com/hazyhaar/pagepack/resolve"
	"github.com/hazyhaar/pagepack/session/internal/browser"
)

//go:embed capture.js
var captureJS string

const drainJS = `() => {
	const c = window.__pagepackCapture;
	return c ? c.drain() : null;
}`

// BrowserConfig configures a BrowserEnvironment.
type BrowserConfig struct {
	// RemoteURL connects to an already running Chrome instead of launching one.
	RemoteURL string
	// Bin is the Chrome binary to launch.
	Bin string
	// Stealth applies go-rod/stealth evasions to capture tabs.
	Stealth bool
	// Block lists resource types the tab never downloads (images, fonts, media).
	Block []string
	// NavigationTimeout bounds navigation up to the load event.
	NavigationTimeout time.Duration
	Logger            *slog.Logger
}

// BrowserEnvironment loads pages in headless Chrome. A capture script is
// installed before any page script runs; it observes the document and
// records every resource element in the order it was inserted, so elements
// a loader injects while the document is parsing are captured in place.
type BrowserEnvironment struct {
	mgr    *browser.Manager
	logger *slog.Logger
}

// NewBrowserEnvironment creates a BrowserEnvironment. Chrome starts on the
// first Load.
func NewBrowserEnvironment(cfg BrowserConfig) *BrowserEnvironment {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mode := browser.ModePlain
	if cfg.Stealth {
		mode = browser.ModeStealth
	}
	return &BrowserEnvironment{
		mgr: browser.NewManager(browser.Config{
			RemoteURL:         cfg.RemoteURL,
			Bin:               cfg.Bin,
			ResourceBlocking:  cfg.Block,
			Mode:              mode,
			NavigationTimeout: cfg.NavigationTimeout,
			Logger:            cfg.Logger,
		}),
		logger: cfg.Logger,
	}
}

// Load implements Environment.
func (e *BrowserEnvironment) Load(ctx context.Context, pageURL string, hooks Hooks) error {
	target, err := navigableURL(pageURL)
	if err != nil {
		return err
	}

	tab, err := e.mgr.OpenTab(ctx, target, captureJS)
	if err != nil {
		return err
	}
	defer tab.Close()

	raw, ok, err := tab.EvalString(ctx, drainJS)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("capture script did not run")
	}
	got, err := decodeCapture(raw)
	if err != nil {
		return err
	}
	e.logger.Debug("session: browser capture drained", "url", pageURL,
		"elements", len(got.Elements), "declarations", len(got.Declarations))

	return got.replay(hooks)
}

// Close shuts down Chrome.
func (e *BrowserEnvironment) Close() error {
	return e.mgr.Close()
}

// capture is what the in-page script hands back.
type capture struct {
	Elements     []Element         `json:"elements"`
	Declarations []capturedDeclare `json:"declarations"`
}

type capturedDeclare struct {
	resolve.Declaration
	Error string `json:"error,omitempty"`
}

func decodeCapture(raw string) (*capture, error) {
	var c capture
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}
	return &c, nil
}

// replay fires declarations first so that every type a page registers is
// known before the view is built, then elements in capture order.
func (c *capture) replay(hooks Hooks) error {
	for _, d := range c.Declarations {
		if d.Error != "" {
			return fmt.Errorf("declarations: %s", d.Error)
		}
		if err := hooks.Declare(d.Declaration); err != nil {
			return err
		}
	}
	for _, el := range c.Elements {
		if err := hooks.Element(el); err != nil {
			return err
		}
	}
	return nil
}

// navigableURL turns a bare filesystem path into a file URL Chrome can open.
func navigableURL(pageURL string) (string, error) {
	if fetch.IsRemote(pageURL) {
		return pageURL, nil
	}
	if u, err := url.Parse(pageURL); err == nil && u.Scheme == "file" {
		return pageURL, nil
	}
	abs, err := filepath.Abs(fetch.LocalPath(pageURL))
	if err != nil {
		return "", fmt.Errorf("resolve page path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
