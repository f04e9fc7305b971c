package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// LaunchOptions describes one browser instance
type LaunchOptions struct {
	Platform     string
	Headless     bool
	DisableGPU   bool
	NoSandbox    bool
	UserAgent    string
	WindowWidth  int
	WindowHeight int
	Stealth      bool
	Patches      []StealthPatch
}

// Browser is a launched browser that can open patched tabs
type Browser interface {
	// NewTab opens a tab with the launch patches applied; cancel closes it
	NewTab(ctx context.Context) (context.Context, context.CancelFunc, error)
	Close()
}

// Launcher starts browsers. ctx bounds only the launch and startup check,
// never the lifetime of the returned browser.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// ChromeLauncher launches local Chrome through chromedp
type ChromeLauncher struct {
	logger arbor.ILogger
}

// NewChromeLauncher creates a chromedp launcher
func NewChromeLauncher(logger arbor.ILogger) *ChromeLauncher {
	return &ChromeLauncher{logger: logger}
}

func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", opts.DisableGPU),
		chromedp.Flag("no-sandbox", opts.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Stealth {
		allocatorOpts = append(allocatorOpts, chromedp.Flag(AutomationFlag, "AutomationControlled"))
	}

	// The browser outlives ctx; its lifetime is owned by Close
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	b := &chromeBrowser{
		ctx:             browserCtx,
		cancel:          browserCancel,
		allocatorCancel: allocatorCancel,
		opts:            opts,
		script:          Script(opts.Patches),
	}

	// The first Run allocates the browser. It must run on browserCtx itself, so the
	// startup check is bounded by racing it against ctx instead of deriving a timeout context.
	ready := make(chan error, 1)
	go func() {
		var title string
		ready <- chromedp.Run(browserCtx, chromedp.Navigate("about:blank"), chromedp.Title(&title))
	}()

	select {
	case err := <-ready:
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("browser failed startup test: %w", err)
		}
	case <-ctx.Done():
		b.Close()
		return nil, fmt.Errorf("browser startup: %w", ctx.Err())
	}

	l.logger.Debug().
		Str("platform", opts.Platform).
		Bool("headless", opts.Headless).
		Bool("stealth", opts.Stealth).
		Msg("Browser launched")

	return b, nil
}

type chromeBrowser struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
	opts            LaunchOptions
	script          string
}

func (b *chromeBrowser) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	stop := context.AfterFunc(ctx, tabCancel)
	cancel := func() {
		stop()
		tabCancel()
	}

	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(b.opts.WindowWidth), int64(b.opts.WindowHeight)),
	}
	if b.script != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(b.script).Do(ctx)
			return err
		}))
	}

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open tab: %w", err)
	}
	return tabCtx, cancel, nil
}

func (b *chromeBrowser) Close() {
	b.cancel()
	b.allocatorCancel()
}
