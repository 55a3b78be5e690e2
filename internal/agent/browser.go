package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
)

// ErrContentUnavailable reports a fetch that timed out waiting for the
// content marker without hitting the deny page. The id is retried later.
var ErrContentUnavailable = errors.New("commentary not yet available")

// DeniedError surfaces the site's access-deny interstitial, which suspends
// the whole account rather than one request.
type DeniedError struct {
	CooldownMinutes int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied, restored in approximately %d minutes", e.CooldownMinutes)
}

// Browser is the headless session the agent drives. Implementations are not
// safe for concurrent use; the agent serializes calls through its loop.
type Browser interface {
	// Login authenticates the session as the given account, replacing any
	// session already present. A *DeniedError means the account is cooling
	// down; any other error is a plain authentication failure.
	Login(ctx context.Context, email, password string) error
	// Fetch renders the commentary page for one resource id and returns the
	// document once the content marker appears. ErrContentUnavailable means
	// the marker never showed and no deny page was present.
	Fetch(ctx context.Context, resourceID int64) (string, error)
	// Restart tears the browser down and starts a fresh one with no session.
	Restart(ctx context.Context) error
	// Close releases the browser.
	Close()
}

// BrowserConfig tunes the chromedp session. Zero values fall back to the
// defaults below.
type BrowserConfig struct {
	// BaseURL is the commentary site root.
	BaseURL string
	// CommentaryURL is the fetch URL template with two %d slots: the
	// resource id and a unix-millis cache buster. Empty derives it from
	// BaseURL.
	CommentaryURL string
	// FetchTimeout bounds the wait for the content marker after navigation;
	// PollInterval is the re-check cadence within that budget.
	FetchTimeout time.Duration
	PollInterval time.Duration
	// NavigationTimeout bounds whole-page operations such as the login flow.
	NavigationTimeout time.Duration
	// Marker is the element whose presence means the commentary has loaded.
	Marker string
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// Headless hides the browser window.
	Headless bool
}

const (
	defaultBaseURL           = "https://www.zacks.com"
	defaultFetchTimeout      = 6 * time.Second
	defaultPollInterval      = 100 * time.Millisecond
	defaultNavigationTimeout = 45 * time.Second
)

func (c BrowserConfig) withDefaults() BrowserConfig {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.CommentaryURL == "" {
		c.CommentaryURL = c.BaseURL + commentaryPath + "?cid=%d&t=%d"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.Marker == "" {
		c.Marker = commentary.DefaultSelectors().Marker
	}
	return c
}

// Site paths and selectors. The login form exposes no stable id on its
// submit button, so it is located positionally inside the form table.
const (
	loginPath      = "/my-account/"
	landingPath    = "/confidential"
	commentaryPath = "/confidential/commentary.php"

	usernameSelector = "#username_default"
	passwordSelector = "#password_default"
	submitSelector   = "#ecommerce-login tbody tr:nth-child(4) input"
	logoutSelector   = "#logout"
)

// ChromeBrowser drives one headless Chrome profile via chromedp. The profile
// carries the login cookies, so each operation opens a fresh tab against a
// long-lived browser context and inherits the session.
type ChromeBrowser struct {
	cfg    BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ Browser = (*ChromeBrowser)(nil)

// NewChromeBrowser launches Chrome and verifies it came up.
func NewChromeBrowser(cfg BrowserConfig, logger *zap.Logger) (*ChromeBrowser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &ChromeBrowser{cfg: cfg.withDefaults(), logger: logger}
	if err := b.start(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ChromeBrowser) start() error {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("chromedp warmup: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	return nil
}

func (b *ChromeBrowser) stop() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// Close tears down the browser and allocator contexts.
func (b *ChromeBrowser) Close() { b.stop() }

// Restart replaces the running browser with a fresh profile; the session and
// all cookies are lost.
func (b *ChromeBrowser) Restart(_ context.Context) error {
	b.logger.Info("restarting chrome")
	b.stop()
	return b.start()
}

// Login signs the profile in as the given account. The deny interstitial can
// appear before the form or after the submit; both return *DeniedError. An
// active session for another account is logged out first.
func (b *ChromeBrowser) Login(ctx context.Context, email, password string) error {
	taskCtx, cancel := b.tab(ctx, b.cfg.NavigationTimeout)
	defer cancel()

	var html string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(b.cfg.BaseURL+loginPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	if denied, minutes := commentary.DetectDeny(html); denied {
		return &DeniedError{CooldownMinutes: minutes}
	}

	if b.loggedIn(taskCtx) {
		b.logout(taskCtx)
	}

	err = chromedp.Run(taskCtx,
		chromedp.WaitVisible(usernameSelector, chromedp.ByQuery),
		chromedp.SetValue(usernameSelector, email, chromedp.ByQuery),
		chromedp.SetValue(passwordSelector, password, chromedp.ByQuery),
		chromedp.Click(submitSelector, chromedp.ByQuery),
		chromedp.Sleep(3*time.Second),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}
	if denied, minutes := commentary.DetectDeny(html); denied {
		return &DeniedError{CooldownMinutes: minutes}
	}
	if !b.loggedIn(taskCtx) {
		return errors.New("login not confirmed, logout link absent")
	}

	// Land on the content section; fetches navigate from here.
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(b.cfg.BaseURL+landingPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("warm landing page: %w", err)
	}
	return nil
}

// Fetch renders the commentary page for one resource id. The t token busts
// any cached copy of the page.
func (b *ChromeBrowser) Fetch(ctx context.Context, resourceID int64) (string, error) {
	taskCtx, cancel := b.tab(ctx, b.cfg.NavigationTimeout+b.cfg.FetchTimeout)
	defer cancel()

	url := fmt.Sprintf(b.cfg.CommentaryURL, resourceID, time.Now().UnixMilli())
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("navigate commentary page: %w", err)
	}

	found, err := b.waitForMarker(taskCtx)
	if err != nil {
		return "", err
	}

	var html string
	if err := chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capture commentary page: %w", err)
	}
	if found {
		return html, nil
	}
	if denied, minutes := commentary.DetectDeny(html); denied {
		return "", &DeniedError{CooldownMinutes: minutes}
	}
	return "", ErrContentUnavailable
}

// waitForMarker polls for the content marker until it appears or the fetch
// budget runs out. A missing marker is not an error; the caller distinguishes
// the deny page from plain absence.
func (b *ChromeBrowser) waitForMarker(ctx context.Context) (bool, error) {
	deadline := time.NewTimer(b.cfg.FetchTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(b.cfg.PollInterval)
	defer tick.Stop()

	for {
		var nodes []*cdp.Node
		if err := chromedp.Run(ctx, chromedp.Nodes(b.cfg.Marker, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
			return false, fmt.Errorf("poll content marker: %w", err)
		}
		if len(nodes) > 0 {
			return true, nil
		}
		select {
		case <-deadline.C:
			return false, nil
		case <-tick.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (b *ChromeBrowser) loggedIn(ctx context.Context) bool {
	var nodes []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(logoutSelector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)))
	return err == nil && len(nodes) > 0
}

// logout clicks the logout link, falling back to clearing cookies when the
// click path fails.
func (b *ChromeBrowser) logout(ctx context.Context) {
	err := chromedp.Run(ctx,
		chromedp.Click(logoutSelector, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
	)
	if err == nil {
		return
	}
	b.logger.Warn("logout click failed, clearing cookies", zap.Error(err))
	if err := chromedp.Run(ctx,
		network.ClearBrowserCookies(),
		chromedp.Navigate(b.cfg.BaseURL+loginPath),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		b.logger.Warn("cookie clear failed", zap.Error(err))
	}
}

// tab opens a fresh tab sharing the profile, bounded by d and by the
// caller's context.
func (b *ChromeBrowser) tab(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	taskCtx, cancelTask := context.WithTimeout(tabCtx, d)
	stop := forwardCancel(parent, cancelTask)
	return taskCtx, func() {
		stop()
		cancelTask()
		cancelTab()
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
