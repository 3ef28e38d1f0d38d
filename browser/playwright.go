package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/spindleworks/spindle/fault"
)

// Default deadlines for individual page actions. Flow-level waits pass their
// own timeouts; these bound the short interactions in between.
const (
	navigateTimeout = 45 * time.Second
	actionTimeout   = 15 * time.Second
	downloadTimeout = 2 * time.Minute
)

// InstallBrowsers downloads the Chromium build Playwright drives. The sync
// command calls it when --install-browsers is set, so a fresh host needs no
// manual step beyond the flag.
func InstallBrowsers() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

// PlaywrightLauncher opens Sessions backed by one shared Chromium process.
type PlaywrightLauncher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywrightLauncher starts the Playwright driver and launches Chromium.
func NewPlaywrightLauncher(headless bool) (*PlaywrightLauncher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright driver: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching chromium: %w", err)
	}
	return &PlaywrightLauncher{pw: pw, browser: browser}, nil
}

// Launch opens an isolated browser context and page.
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ctxOpts = playwright.BrowserNewContextOptions{
		AcceptDownloads: playwright.Bool(true),
	}
	if opts.StorageStatePath != "" {
		if _, err := os.Stat(opts.StorageStatePath); err == nil {
			ctxOpts.StorageStatePath = playwright.String(opts.StorageStatePath)
		}
	}
	bctx, err := l.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, classify(fmt.Errorf("opening browser context: %w", err))
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, classify(fmt.Errorf("opening page: %w", err))
	}
	return &pwSession{bctx: bctx, page: page}, nil
}

// Close shuts down Chromium and the driver.
func (l *PlaywrightLauncher) Close() error {
	var err = l.browser.Close()
	if stopErr := l.pw.Stop(); err == nil {
		err = stopErr
	}
	return err
}

// pwSession adapts one Playwright page to the Session interface. The frame
// field scopes locators inside an iframe after EnterFrame.
type pwSession struct {
	bctx  playwright.BrowserContext
	page  playwright.Page
	frame playwright.FrameLocator
}

func (s *pwSession) locator(selector string) playwright.Locator {
	if s.frame != nil {
		return s.frame.Locator(selector)
	}
	return s.page.Locator(selector)
}

func (s *pwSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var _, err = s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeoutMS(ctx, navigateTimeout),
	})
	return classify(err)
}

func (s *pwSession) CurrentURL() string { return s.page.URL() }

func (s *pwSession) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: timeoutMS(ctx, actionTimeout),
	}))
}

func (s *pwSession) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: timeoutMS(ctx, actionTimeout),
	}))
}

func (s *pwSession) ClickRole(ctx context.Context, role, name string) error {
	return s.Click(ctx, fmt.Sprintf("role=%s[name=%q]", role, name))
}

func (s *pwSession) EnterFrame(selector string) error {
	s.frame = s.page.FrameLocator(selector)
	return nil
}

func (s *pwSession) ExitFrame() { s.frame = nil }

func (s *pwSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeoutMS(ctx, timeout),
	}))
}

func (s *pwSession) WaitGone(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateHidden,
		Timeout: timeoutMS(ctx, timeout),
	}))
}

func (s *pwSession) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	visible, err := s.locator(selector).First().IsVisible()
	return visible, classify(err)
}

func (s *pwSession) VisibleText(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := s.locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{
		Timeout: timeoutMS(ctx, actionTimeout),
	})
	return text, classify(err)
}

func (s *pwSession) RowTexts(ctx context.Context, selector string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	texts, err := s.locator(selector).Locator("tr").AllInnerTexts()
	return texts, classify(err)
}

func (s *pwSession) ExpectDownload(ctx context.Context, trigger func() error) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	download, err := s.page.ExpectDownload(trigger, playwright.PageExpectDownloadOptions{
		Timeout: timeoutMS(ctx, downloadTimeout),
	})
	if err != nil {
		return nil, "", classify(err)
	}
	path, err := download.Path()
	if err != nil {
		return nil, "", classify(fmt.Errorf("resolving download: %w", err))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading downloaded file: %w", err)
	}
	return data, download.SuggestedFilename(), nil
}

func (s *pwSession) SaveState(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := s.bctx.StorageState()
	if err != nil {
		return nil, classify(fmt.Errorf("reading storage state: %w", err))
	}
	return json.Marshal(state)
}

func (s *pwSession) Close() error {
	var err = s.page.Close()
	if ctxErr := s.bctx.Close(); err == nil {
		err = ctxErr
	}
	return err
}

// timeoutMS converts |fallback| to Playwright's millisecond convention,
// bounded by the context deadline when one is set.
func timeoutMS(ctx context.Context, fallback time.Duration) *float64 {
	var d = fallback
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d < 0 {
		d = 0
	}
	return playwright.Float(float64(d.Milliseconds()))
}

var transportMarkers = []string{
	"net::", "NS_ERROR", "connection refused", "connection reset",
	"ECONNREFUSED", "ECONNRESET", "SSL", "certificate", "DNS",
}

// classify tags driver errors whose kind is recognizable from the message:
// network and TLS failures as transport, exceeded action deadlines as
// timeout. Everything else passes through for the flow to interpret.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var msg = err.Error()
	for _, marker := range transportMarkers {
		if strings.Contains(msg, marker) {
			return fault.Wrap(fault.Transport, err)
		}
	}
	if strings.Contains(msg, "Timeout") && strings.Contains(msg, "exceeded") {
		return fault.Wrap(fault.Timeout, err)
	}
	return err
}
