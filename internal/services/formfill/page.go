package formfill

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/ternarybob/autoapply/internal/models"
)

// Page is the browser surface the apply flow drives. Every call blocks until its
// condition holds or ctx ends; a missing element surfaces as ctx's deadline error.
type Page interface {
	SetCookies(ctx context.Context, cookies []models.Cookie) error
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context) error
	WaitVisible(ctx context.Context, selector string) error
	WaitEnabled(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	UploadFile(ctx context.Context, selector, path string) error
	Location(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
}

// chromePage drives a chromedp tab; ctx passed to each call must derive from the tab context
type chromePage struct{}

// NewChromePage returns the chromedp-backed page
func NewChromePage() Page {
	return chromePage{}
}

func (chromePage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			params := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if !c.Expires.IsZero() {
				expires := cdp.TimeSinceEpoch(c.Expires)
				params = params.WithExpires(&expires)
			}
			if c.SameSite != "" {
				params = params.WithSameSite(network.CookieSameSite(c.SameSite))
			}
			if err := params.Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (chromePage) Navigate(ctx context.Context, url string) error {
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

func (chromePage) WaitReady(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func (chromePage) WaitVisible(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (chromePage) WaitEnabled(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.WaitEnabled(selector, chromedp.ByQuery))
}

func (chromePage) Click(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (chromePage) SetValue(ctx context.Context, selector, value string) error {
	return chromedp.Run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (chromePage) UploadFile(ctx context.Context, selector, path string) error {
	return chromedp.Run(ctx, chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery))
}

func (chromePage) Location(ctx context.Context) (string, error) {
	var location string
	err := chromedp.Run(ctx, chromedp.Location(&location))
	return location, err
}

func (chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}
