package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
	"github.com/ternarybob/autoapply/internal/services/browser"
)

// BrowserAuthenticator logs in through a real browser and captures the session cookies
type BrowserAuthenticator struct {
	browsers    interfaces.BrowserProvider
	credentials *CredentialStore
	platforms   map[string]common.PlatformProfile
	defaultTTL  time.Duration
	stepTimeout time.Duration
	now         func() time.Time
	logger      arbor.ILogger
}

// NewBrowserAuthenticator creates a chromedp-backed authenticator
func NewBrowserAuthenticator(browsers interfaces.BrowserProvider, credentials *CredentialStore, config *common.Config, logger arbor.ILogger) *BrowserAuthenticator {
	return &BrowserAuthenticator{
		browsers:    browsers,
		credentials: credentials,
		platforms:   config.Platforms,
		defaultTTL:  common.Duration(config.Session.DefaultTTL, 12*time.Hour),
		stepTimeout: common.Duration(config.FormFill.NavigationTimeout, 45*time.Second),
		now:         time.Now,
		logger:      logger,
	}
}

func (a *BrowserAuthenticator) Login(ctx context.Context, userID, platform string) ([]models.Cookie, time.Time, error) {
	platform = strings.ToLower(platform)

	profile, ok := a.platforms[platform]
	if !ok || profile.LoginURL == "" || profile.UsernameSelector == "" || profile.PasswordSelector == "" {
		return nil, time.Time{}, common.NewConfigurationError("platforms."+platform+".login_url", "login flow not configured")
	}
	credential, ok := a.credentials.Lookup(userID, platform)
	if !ok {
		return nil, time.Time{}, common.NewConfigurationError("session.credentials_dir", fmt.Sprintf("no %s credentials for user %s", platform, userID))
	}

	// Reuse the caller's browser when it already holds one for this platform
	lease, held := browser.LeaseFromContext(ctx, platform)
	if !held {
		acquired, err := a.browsers.Acquire(ctx, platform)
		if err != nil {
			return nil, time.Time{}, err
		}
		defer acquired.Release()
		lease = acquired
	}

	tabCtx, closeTab, err := lease.NewTab(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer closeTab()

	stepCtx, cancel := context.WithTimeout(tabCtx, a.stepTimeout)
	defer cancel()

	actions := []chromedp.Action{
		chromedp.Navigate(profile.LoginURL),
		chromedp.WaitVisible(profile.UsernameSelector, chromedp.ByQuery),
		chromedp.SendKeys(profile.UsernameSelector, credential.Username, chromedp.ByQuery),
		chromedp.SendKeys(profile.PasswordSelector, credential.Password, chromedp.ByQuery),
	}
	if profile.LoginSubmit != "" {
		actions = append(actions, chromedp.Click(profile.LoginSubmit, chromedp.ByQuery))
	}
	if profile.LoggedInSelector != "" {
		actions = append(actions, chromedp.WaitVisible(profile.LoggedInSelector, chromedp.ByQuery))
	}

	var captured []*network.Cookie
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		captured, err = network.GetCookies().Do(ctx)
		return err
	}))

	if err := chromedp.Run(stepCtx, actions...); err != nil {
		return nil, time.Time{}, fmt.Errorf("login flow: %w", err)
	}

	cookies, expiresAt := convertCookies(captured, a.now(), a.defaultTTL)
	a.logger.Debug().
		Str("user_id", userID).
		Str("platform", platform).
		Int("cookies", len(cookies)).
		Msg("Login cookies captured")

	return cookies, expiresAt, nil
}

// convertCookies maps CDP cookies to the session model. The session expires with
// its earliest persistent cookie, or after ttl when every cookie is session-scoped.
func convertCookies(captured []*network.Cookie, now time.Time, ttl time.Duration) ([]models.Cookie, time.Time) {
	cookies := make([]models.Cookie, 0, len(captured))
	var earliest time.Time

	for _, c := range captured {
		if c == nil {
			continue
		}
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite.String(),
		}
		if !c.Session && c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
			if earliest.IsZero() || cookie.Expires.Before(earliest) {
				earliest = cookie.Expires
			}
		}
		cookies = append(cookies, cookie)
	}

	if earliest.IsZero() {
		earliest = now.Add(ttl)
	}
	return cookies, earliest
}
