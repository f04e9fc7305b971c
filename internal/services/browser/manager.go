package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/telemetry"
)

// Manager hands out browser leases under a cap on live browsers
type Manager struct {
	launcher      Launcher
	sem           *semaphore.Weighted
	maxContexts   int
	launchTimeout time.Duration
	browser       common.BrowserConfig
	stealth       common.StealthConfig
	inUse         atomic.Int64
	logger        arbor.ILogger
}

// NewManager creates a browser manager
func NewManager(browser common.BrowserConfig, stealth common.StealthConfig, launcher Launcher, logger arbor.ILogger) *Manager {
	maxContexts := browser.MaxContexts
	if maxContexts < 1 {
		maxContexts = 1
	}

	return &Manager{
		launcher:      launcher,
		sem:           semaphore.NewWeighted(int64(maxContexts)),
		maxContexts:   maxContexts,
		launchTimeout: common.Duration(browser.LaunchTimeout, 30*time.Second),
		browser:       browser,
		stealth:       stealth,
		logger:        logger,
	}
}

// Patches returns the resolved stealth patch list for a platform
func (m *Manager) Patches(platform string) []StealthPatch {
	return ResolvePatches(m.stealth, platform, m.browser.WindowWidth, m.browser.WindowHeight)
}

// InUse returns the number of live leases
func (m *Manager) InUse() int {
	return int(m.inUse.Load())
}

// Capacity returns the live lease cap
func (m *Manager) Capacity() int {
	return m.maxContexts
}

// Acquire waits for a free slot and launches a browser for platform.
// The lease is released when Release is called or ctx is done, whichever comes first.
func (m *Manager) Acquire(ctx context.Context, platform string) (interfaces.BrowserLease, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	opts := LaunchOptions{
		Platform:     platform,
		Headless:     m.browser.Headless,
		DisableGPU:   m.browser.DisableGPU,
		NoSandbox:    m.browser.NoSandbox,
		UserAgent:    m.browser.UserAgent,
		WindowWidth:  m.browser.WindowWidth,
		WindowHeight: m.browser.WindowHeight,
		Stealth:      StealthEnabled(m.stealth, platform),
		Patches:      m.Patches(platform),
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.launchTimeout)
	started := time.Now()
	b, err := m.launch(launchCtx, opts)
	cancel()

	if err != nil {
		m.sem.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		telemetry.BrowserLaunchFailed.Inc()
		m.logger.Warn().Err(err).Str("platform", platform).Dur("elapsed", time.Since(started)).Msg("Browser launch failed")
		return nil, &common.BrowserLaunchFailure{Platform: platform, Err: err}
	}

	lease := &Lease{platform: platform, browser: b, manager: m}
	lease.stop = context.AfterFunc(ctx, lease.close)

	m.inUse.Add(1)
	telemetry.BrowsersInUse.Inc()
	m.logger.Debug().
		Str("platform", platform).
		Int("in_use", m.InUse()).
		Int("capacity", m.maxContexts).
		Dur("startup_time", time.Since(started)).
		Msg("Browser lease acquired")

	return lease, nil
}

// launch recovers launcher panics so a slot is never leaked
func (m *Manager) launch(ctx context.Context, opts LaunchOptions) (b Browser, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, common.RecoverAsError(r)
		}
	}()

	b, err = m.launcher.Launch(ctx, opts)
	if err == nil && b == nil {
		err = fmt.Errorf("launcher returned no browser")
	}
	return b, err
}

// WithBrowser runs fn with a leased browser and releases it however fn exits
func (m *Manager) WithBrowser(ctx context.Context, platform string, fn func(ctx context.Context, lease interfaces.BrowserLease) error) error {
	lease, err := m.Acquire(ctx, platform)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(ctx, lease)
}

func (m *Manager) release() {
	m.inUse.Add(-1)
	telemetry.BrowsersInUse.Dec()
	m.sem.Release(1)
}

// Lease is one acquired browser
type Lease struct {
	platform string
	browser  Browser
	manager  *Manager
	stop     func() bool
	once     sync.Once
}

func (l *Lease) Platform() string {
	return l.platform
}

func (l *Lease) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	return l.browser.NewTab(ctx)
}

// Release closes the browser and frees its slot; repeated calls are no-ops
func (l *Lease) Release() {
	if l.stop != nil {
		l.stop()
	}
	l.close()
}

func (l *Lease) close() {
	l.once.Do(func() {
		l.browser.Close()
		l.manager.release()
		l.manager.logger.Debug().Str("platform", l.platform).Int("in_use", l.manager.InUse()).Msg("Browser lease released")
	})
}

type leaseKey struct{}

// ContextWithLease attaches a held lease so nested work on the same platform can reuse it
func ContextWithLease(ctx context.Context, lease interfaces.BrowserLease) context.Context {
	return context.WithValue(ctx, leaseKey{}, lease)
}

// LeaseFromContext returns the attached lease when it belongs to platform
func LeaseFromContext(ctx context.Context, platform string) (interfaces.BrowserLease, bool) {
	lease, ok := ctx.Value(leaseKey{}).(interfaces.BrowserLease)
	if !ok || lease == nil || lease.Platform() != platform {
		return nil, false
	}
	return lease, true
}
