package formfill

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/autoapply/internal/common"
)

// PageState is what a loaded job page shows before any interaction
type PageState int

const (
	PageApplicable PageState = iota
	PageCaptcha
	PageLoginWall
	PageAlreadyApplied
	PageExternalApply
)

func (s PageState) String() string {
	switch s {
	case PageCaptcha:
		return "captcha"
	case PageLoginWall:
		return "login_wall"
	case PageAlreadyApplied:
		return "already_applied"
	case PageExternalApply:
		return "external_apply"
	default:
		return "applicable"
	}
}

// defaultCaptchaSelectors cover the common challenge widgets when a platform lists none
var defaultCaptchaSelectors = []string{
	`iframe[src*="recaptcha"]`,
	`iframe[src*="hcaptcha"]`,
	`iframe[src*="challenges.cloudflare.com"]`,
	`.g-recaptcha`,
	`.h-captcha`,
	`#captcha`,
}

// Classification is the result of inspecting a page
type Classification struct {
	State PageState
	// ExternalURL is the off-platform apply target, when the page links to one
	ExternalURL string
}

// Classify inspects page HTML against the platform's markers. Captcha wins over
// everything, then login wall, already applied and external apply.
func Classify(html string, profile common.PlatformProfile, pageURL string) (Classification, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Classification{}, err
	}

	captcha := profile.CaptchaSelectors
	if len(captcha) == 0 {
		captcha = defaultCaptchaSelectors
	}
	for _, selector := range captcha {
		if matches(doc, selector) {
			return Classification{State: PageCaptcha}, nil
		}
	}

	if matches(doc, profile.LoginWall) {
		return Classification{State: PageLoginWall}, nil
	}
	if matches(doc, profile.AlreadyApplied) {
		return Classification{State: PageAlreadyApplied}, nil
	}

	if matches(doc, profile.ExternalApply) {
		target := pageURL
		node := doc.Find(profile.ExternalApply).First()
		href, ok := node.Attr("href")
		if !ok {
			href, ok = node.Find("a[href]").First().Attr("href")
		}
		if ok {
			if resolved := resolve(pageURL, href); resolved != "" {
				target = resolved
			}
		}
		return Classification{State: PageExternalApply, ExternalURL: target}, nil
	}

	return Classification{State: PageApplicable}, nil
}

// IsOffPlatform reports whether location is outside the platform's domains
func IsOffPlatform(location string, profile common.PlatformProfile) bool {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())

	domains := append([]string{}, profile.AllowedDomains...)
	if base, err := url.Parse(profile.BaseURL); err == nil && base.Hostname() != "" {
		domains = append(domains, base.Hostname())
	}
	if len(domains) == 0 {
		return false
	}

	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return false
		}
	}
	return true
}

func matches(doc *goquery.Document, selector string) bool {
	if strings.TrimSpace(selector) == "" {
		return false
	}
	return doc.Find(selector).Length() > 0
}

func resolve(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := b.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return ref.String()
}
