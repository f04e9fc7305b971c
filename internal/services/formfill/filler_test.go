package formfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/models"
)

type fakeHistory struct {
	applied map[string]bool
	err     error
}

func (h *fakeHistory) HasApplied(ctx context.Context, userID, jobKey string) (bool, error) {
	return h.applied[userID+"|"+jobKey], h.err
}

func (h *fakeHistory) RecordApplication(ctx context.Context, record *models.ApplicationHistory) error {
	return nil
}

type fakeLease struct{}

func (fakeLease) Platform() string { return "seek" }
func (fakeLease) Release()         {}
func (fakeLease) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := context.WithCancel(ctx)
	return tabCtx, cancel, nil
}

// fakePage serves a scripted sequence of HTML snapshots; selectors missing from
// present block until the step deadline, like a real wait.
type fakePage struct {
	mu         sync.Mutex
	present    map[string]bool
	disabled   map[string]bool
	pages      []string
	location   string
	afterClick string
	navigateTo string
	cookies    int
	values     map[string]string
	clicks     []string
	uploads    []string
	htmlCalls  int
	navErr     error
}

func newFakePage(pages ...string) *fakePage {
	return &fakePage{
		present:  map[string]bool{},
		disabled: map[string]bool{},
		pages:    pages,
		values:   map[string]string{},
		location: "https://www.seek.example/job/1/apply",
	}
}

func (p *fakePage) has(ctx context.Context, selector string) error {
	p.mu.Lock()
	ok := p.present[selector]
	p.mu.Unlock()
	if ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	p.cookies = len(cookies)
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.navigateTo = url
	if p.navErr != nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) WaitReady(ctx context.Context) error { return nil }

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error { return p.has(ctx, selector) }

func (p *fakePage) WaitEnabled(ctx context.Context, selector string) error {
	if p.disabled[selector] {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.has(ctx, selector)
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.clicks = append(p.clicks, selector)
	if p.afterClick != "" {
		p.location = p.afterClick
	}
	return nil
}

func (p *fakePage) SetValue(ctx context.Context, selector, value string) error {
	p.values[selector] = value
	return nil
}

func (p *fakePage) UploadFile(ctx context.Context, selector, path string) error {
	if err := p.has(ctx, selector); err != nil {
		return err
	}
	p.uploads = append(p.uploads, path)
	return nil
}

func (p *fakePage) Location(ctx context.Context) (string, error) { return p.location, nil }

func (p *fakePage) HTML(ctx context.Context) (string, error) {
	i := p.htmlCalls
	p.htmlCalls++
	if i >= len(p.pages) {
		i = len(p.pages) - 1
	}
	return p.pages[i], nil
}

const plainPage = `<html><body><h1>Go Engineer</h1><button id="apply">Apply</button></body></html>`

func seekProfile() common.PlatformProfile {
	return common.PlatformProfile{
		BaseURL:        "https://www.seek.example",
		AllowedDomains: []string{"seek.example"},
		ApplyButton:    "#apply",
		ExternalApply:  "a.external-apply",
		AlreadyApplied: ".applied-badge",
		LoginWall:      "form#login",
		Fields:         map[string]string{"full_name": "#name", "email": "#email", "cover_letter": "#cover"},
		ResumeUpload:   "input[type=file]",
		SubmitButton:   "#submit",
		Confirmation:   ".application-sent",
	}
}

func testFiller(page *fakePage, history *fakeHistory) *Filler {
	config := common.NewDefaultConfig()
	config.Platforms = map[string]common.PlatformProfile{"seek": seekProfile()}
	config.FormFill.StepTimeout = "20ms"
	config.FormFill.NavigationTimeout = "30ms"
	if history == nil {
		history = &fakeHistory{applied: map[string]bool{}}
	}
	return NewFiller(history, config, arbor.NewLogger()).WithPageFactory(func() Page { return page })
}

func applyRequest() models.ApplyRequest {
	session, _ := models.NewSessionCookie("user-1", "seek", []models.Cookie{{Name: "sid", Value: "x"}}, time.Now().Add(time.Hour), time.Now())
	return models.ApplyRequest{
		UserID:  "user-1",
		Job:     models.JobRef{Platform: "seek", ExternalID: "1", URL: "https://www.seek.example/job/1"},
		Session: session,
		Applicant: models.ApplicantProfile{
			FullName:   "Ada Lovelace",
			Email:      "ada@example.com",
			ResumePath: "/tmp/resume.pdf",
		},
	}
}

func presentAll(page *fakePage, selectors ...string) {
	for _, s := range selectors {
		page.present[s] = true
	}
}

func TestApply_Submitted(t *testing.T) {
	page := newFakePage(plainPage)
	presentAll(page, "#apply", "#name", "#email", "input[type=file]", "#submit", ".application-sent")

	outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSubmitted, outcome.Kind)

	assert.Equal(t, 1, page.cookies)
	assert.Equal(t, "https://www.seek.example/job/1", page.navigateTo)
	assert.Equal(t, "Ada Lovelace", page.values["#name"])
	assert.Equal(t, "ada@example.com", page.values["#email"])
	assert.NotContains(t, page.values, "#cover", "fields without an applicant value are left blank")
	assert.Equal(t, []string{"/tmp/resume.pdf"}, page.uploads)
	assert.Equal(t, []string{"#apply", "#submit"}, page.clicks)
}

func TestApply_DuplicateFromHistory(t *testing.T) {
	page := newFakePage(plainPage)
	history := &fakeHistory{applied: map[string]bool{"user-1|seek:1": true}}

	outcome, err := testFiller(page, history).Apply(context.Background(), fakeLease{}, applyRequest())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, outcome.Kind)
	assert.Empty(t, page.navigateTo, "duplicates never touch the browser")
}

func TestApply_PageStates(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		kind     models.OutcomeKind
		errKind  models.ErrorKind
		redirect string
	}{
		{"captcha", `<html><body><div class="g-recaptcha"></div></body></html>`, models.OutcomeFailed, models.ErrorKindCaptchaDetected, ""},
		{"already applied", `<html><body><span class="applied-badge">Applied</span></body></html>`, models.OutcomeDuplicate, "", ""},
		{"external", `<html><body><a class="external-apply" href="https://careers.acme.example/apply/9">Apply on company site</a></body></html>`, models.OutcomeExternalRedirect, "", "https://careers.acme.example/apply/9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newFakePage(tt.html)
			outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.kind, outcome.Kind)
			assert.Equal(t, tt.errKind, outcome.ErrorKind)
			assert.Equal(t, tt.redirect, outcome.RedirectURL)
			assert.Empty(t, page.clicks)
		})
	}
}

func TestApply_LoginWallIsSessionExpired(t *testing.T) {
	page := newFakePage(`<html><body><form id="login"></form></body></html>`)
	_, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
	assert.ErrorIs(t, err, common.ErrSessionExpired)
}

func TestApply_OffPlatformAfterClickIsNeverFilled(t *testing.T) {
	page := newFakePage(plainPage)
	presentAll(page, "#apply", "#name", "#email", "#submit")
	page.afterClick = "https://jobs.workday.example/acme/apply"

	outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExternalRedirect, outcome.Kind)
	assert.Equal(t, "https://jobs.workday.example/acme/apply", outcome.RedirectURL)
	assert.Equal(t, []string{"#apply"}, page.clicks)
	assert.Empty(t, page.values)
}

func TestApply_ThirdPartyJobURLIsNeverOpened(t *testing.T) {
	page := newFakePage(plainPage)
	presentAll(page, "#apply", "#name", "#email", "#submit")
	req := applyRequest()
	req.Job.URL = "https://careers.acme.example/jobs/1"

	outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, req)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExternalRedirect, outcome.Kind)
	assert.Equal(t, "https://careers.acme.example/jobs/1", outcome.RedirectURL)
	assert.Zero(t, page.cookies, "session cookies stay on the platform")
	assert.Empty(t, page.navigateTo)
	assert.Empty(t, page.clicks)
}

func TestApply_RedirectOnLandingIsNeverClicked(t *testing.T) {
	page := newFakePage(plainPage)
	presentAll(page, "#apply", "#name", "#email", "#submit")
	page.location = "https://careers.acme.example/apply/9"

	outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeExternalRedirect, outcome.Kind)
	assert.Equal(t, "https://careers.acme.example/apply/9", outcome.RedirectURL)
	assert.Equal(t, "https://www.seek.example/job/1", page.navigateTo)
	assert.Empty(t, page.clicks)
	assert.Empty(t, page.values)
}

func TestApply_ErrorKinds(t *testing.T) {
	t.Run("missing field", func(t *testing.T) {
		page := newFakePage(plainPage)
		presentAll(page, "#apply", "#email", "#submit", ".application-sent")

		outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeFailed, outcome.Kind)
		assert.Equal(t, models.ErrorKindFieldNotFound, outcome.ErrorKind)
	})

	t.Run("disabled submit", func(t *testing.T) {
		page := newFakePage(plainPage)
		presentAll(page, "#apply", "#name", "#email", "input[type=file]", "#submit")
		page.disabled["#submit"] = true

		outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
		require.NoError(t, err)
		assert.Equal(t, models.ErrorKindFieldNotFound, outcome.ErrorKind)
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		page := newFakePage(plainPage)
		presentAll(page, "#apply", "#name", "#email", "input[type=file]", "#submit")

		outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeFailed, outcome.Kind)
		assert.Equal(t, models.ErrorKindTimeout, outcome.ErrorKind)
	})

	t.Run("navigation timeout", func(t *testing.T) {
		page := newFakePage(plainPage)
		page.navErr = errors.New("hang")

		outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
		require.NoError(t, err)
		assert.Equal(t, models.ErrorKindTimeout, outcome.ErrorKind)
	})
}

func TestApply_CallerCancellation(t *testing.T) {
	page := newFakePage(plainPage)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testFiller(page, nil).Apply(ctx, fakeLease{}, applyRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApply_CaptchaAppearsBeforeSubmit(t *testing.T) {
	page := newFakePage(plainPage, plainPage, `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`)
	presentAll(page, "#apply", "#name", "#email", "input[type=file]", "#submit", ".application-sent")

	outcome, err := testFiller(page, nil).Apply(context.Background(), fakeLease{}, applyRequest())
	require.NoError(t, err)
	assert.Equal(t, models.ErrorKindCaptchaDetected, outcome.ErrorKind)
	assert.Equal(t, []string{"#apply"}, page.clicks, "submit is never clicked")
}

func TestIsOffPlatform(t *testing.T) {
	profile := seekProfile()
	assert.False(t, IsOffPlatform("https://www.seek.example/apply", profile))
	assert.False(t, IsOffPlatform("https://au.seek.example/apply", profile))
	assert.True(t, IsOffPlatform("https://evilseek.example.com/apply", profile))
	assert.False(t, IsOffPlatform("about:blank", profile))
}
