package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
)

type fakeBrowser struct {
	closed atomic.Int32
}

func (b *fakeBrowser) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := context.WithCancel(ctx)
	return tabCtx, cancel, nil
}

func (b *fakeBrowser) Close() {
	b.closed.Add(1)
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	block    bool
	panics   bool
	launched []*fakeBrowser
	opts     []LaunchOptions
}

func (l *fakeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	if l.panics {
		panic("chrome exploded")
	}
	if l.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{}
	l.mu.Lock()
	l.launched = append(l.launched, b)
	l.opts = append(l.opts, opts)
	l.mu.Unlock()
	return b, nil
}

func testManager(launcher Launcher, maxContexts int) *Manager {
	config := common.NewDefaultConfig()
	config.Browser.MaxContexts = maxContexts
	config.Browser.LaunchTimeout = "50ms"
	return NewManager(config.Browser, config.Stealth, launcher, arbor.NewLogger())
}

func TestManager_AcquireRelease(t *testing.T) {
	launcher := &fakeLauncher{}
	manager := testManager(launcher, 1)

	lease, err := manager.Acquire(context.Background(), "linkedin")
	require.NoError(t, err)
	assert.Equal(t, "linkedin", lease.Platform())
	assert.Equal(t, 1, manager.InUse())

	lease.Release()
	lease.Release()
	assert.Equal(t, 0, manager.InUse())
	assert.Equal(t, int32(1), launcher.launched[0].closed.Load(), "browser closed exactly once")

	require.Len(t, launcher.opts, 1)
	assert.True(t, launcher.opts[0].Stealth)
	assert.NotEmpty(t, launcher.opts[0].Patches)
}

func TestManager_CapsLiveBrowsers(t *testing.T) {
	manager := testManager(&fakeLauncher{}, 1)

	first, err := manager.Acquire(context.Background(), "seek")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = manager.Acquire(ctx, "seek")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	first.Release()
	second, err := manager.Acquire(context.Background(), "seek")
	require.NoError(t, err)
	second.Release()
}

func TestManager_LaunchFailureReleasesSlot(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("chrome not found")}
	manager := testManager(launcher, 1)

	_, err := manager.Acquire(context.Background(), "seek")
	var launchErr *common.BrowserLaunchFailure
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "seek", launchErr.Platform)
	assert.Equal(t, 0, manager.InUse())

	// The slot is free again
	launcher.err = nil
	lease, err := manager.Acquire(context.Background(), "seek")
	require.NoError(t, err)
	lease.Release()
}

func TestManager_LaunchTimeoutAndPanic(t *testing.T) {
	manager := testManager(&fakeLauncher{block: true}, 1)
	_, err := manager.Acquire(context.Background(), "seek")
	var launchErr *common.BrowserLaunchFailure
	require.True(t, errors.As(err, &launchErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	manager = testManager(&fakeLauncher{panics: true}, 1)
	_, err = manager.Acquire(context.Background(), "seek")
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, 0, manager.InUse())
}

func TestManager_ReleasedOnContextCancel(t *testing.T) {
	launcher := &fakeLauncher{}
	manager := testManager(launcher, 1)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := manager.Acquire(ctx, "seek")
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool { return manager.InUse() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), launcher.launched[0].closed.Load())
}

func TestWithBrowser_ReleasesOnErrorAndPanic(t *testing.T) {
	manager := testManager(&fakeLauncher{}, 1)

	err := manager.WithBrowser(context.Background(), "seek", func(ctx context.Context, lease interfaces.BrowserLease) error {
		return errors.New("form broke")
	})
	assert.EqualError(t, err, "form broke")
	assert.Equal(t, 0, manager.InUse())

	assert.PanicsWithValue(t, "boom", func() {
		_ = manager.WithBrowser(context.Background(), "seek", func(ctx context.Context, lease interfaces.BrowserLease) error {
			panic("boom")
		})
	})
	assert.Equal(t, 0, manager.InUse())
}

func TestResolvePatches_Toggles(t *testing.T) {
	config := common.StealthConfig{
		Enabled:           true,
		DisabledPatches:   []string{"webgl.vendor"},
		PlatformOverrides: map[string]bool{"Indeed": false},
	}

	patches := ResolvePatches(config, "linkedin", 1280, 800)
	require.Len(t, patches, 7)
	for _, p := range patches {
		assert.Equal(t, StealthVersion, p.Version)
		assert.Equal(t, p.Name != PatchWebGL, p.Enabled, p.Name)
	}

	script := Script(patches)
	assert.Contains(t, script, "navigator, 'webdriver'")
	assert.Contains(t, script, "get: () => 1280")
	assert.NotContains(t, script, "37445")

	for _, p := range ResolvePatches(config, "indeed", 0, 0) {
		assert.False(t, p.Enabled)
	}
	assert.False(t, StealthEnabled(config, "indeed"))
	assert.Empty(t, strings.TrimSpace(Script(ResolvePatches(config, "indeed", 0, 0))))
}

func TestLeaseFromContext(t *testing.T) {
	manager := testManager(&fakeLauncher{}, 1)
	lease, err := manager.Acquire(context.Background(), "seek")
	require.NoError(t, err)
	defer lease.Release()

	ctx := ContextWithLease(context.Background(), lease)

	found, ok := LeaseFromContext(ctx, "seek")
	require.True(t, ok)
	assert.Same(t, lease, found)

	_, ok = LeaseFromContext(ctx, "linkedin")
	assert.False(t, ok)
	_, ok = LeaseFromContext(context.Background(), "seek")
	assert.False(t, ok)
}
