package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab is a page opened for capture.
type Tab struct {
	Page    *rod.Page
	PageURL string
	router  *rod.HijackRouter
}

// OpenTab creates a tab, installs preload so it runs before any page
// script, navigates to pageURL and returns once the load event fired, so
// scripts that loaders insert while the page is loading are in the DOM.
func (m *Manager) OpenTab(ctx context.Context, pageURL, preload string) (*Tab, error) {
	b, err := m.Browser(ctx)
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if m.cfg.Mode == ModeStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	tab := &Tab{Page: page, PageURL: pageURL}

	if len(m.cfg.ResourceBlocking) > 0 {
		tab.router = applyResourceBlocking(page, m.cfg.ResourceBlocking)
	}

	if preload != "" {
		if _, err := page.EvalOnNewDocument(preload); err != nil {
			tab.Close()
			return nil, fmt.Errorf("browser: install preload: %w", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()
	p := page.Context(navCtx)

	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := p.Navigate(pageURL); err != nil {
		tab.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	wait()
	if err := navCtx.Err(); err != nil {
		tab.Close()
		return nil, fmt.Errorf("browser: wait load %s: %w", pageURL, err)
	}

	return tab, nil
}

// EvalString runs js (a function expression) and returns its string result.
func (t *Tab) EvalString(ctx context.Context, js string) (string, bool, error) {
	res, err := t.Page.Context(ctx).Eval(js)
	if err != nil {
		return "", false, fmt.Errorf("browser: eval: %w", err)
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

// Close closes the tab and stops request interception.
func (t *Tab) Close() error {
	if t.router != nil {
		_ = t.router.Stop()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
