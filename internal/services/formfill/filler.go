package formfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// Filler submits one application through a leased browser tab
type Filler struct {
	history     interfaces.ApplicationHistoryStorage
	platforms   map[string]common.PlatformProfile
	stepTimeout time.Duration
	navTimeout  time.Duration
	newPage     func() Page
	logger      arbor.ILogger
}

// NewFiller creates a form filler driving chromedp pages
func NewFiller(history interfaces.ApplicationHistoryStorage, config *common.Config, logger arbor.ILogger) *Filler {
	return &Filler{
		history:     history,
		platforms:   config.Platforms,
		stepTimeout: common.Duration(config.FormFill.StepTimeout, 15*time.Second),
		navTimeout:  common.Duration(config.FormFill.NavigationTimeout, 45*time.Second),
		newPage:     NewChromePage,
		logger:      logger,
	}
}

// WithPageFactory replaces the page implementation
func (f *Filler) WithPageFactory(newPage func() Page) *Filler {
	f.newPage = newPage
	return f
}

// Apply runs the apply flow for req.Job. The error is non-nil only for
// common.ErrSessionExpired and caller cancellation; everything else is an Outcome.
func (f *Filler) Apply(ctx context.Context, lease interfaces.BrowserLease, req models.ApplyRequest) (models.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return models.Outcome{}, err
	}

	jobKey := req.Job.Key()
	applied, err := f.history.HasApplied(ctx, req.UserID, jobKey)
	if err != nil {
		f.logger.Warn().Err(err).Str("job", jobKey).Msg("Application history check failed, continuing")
	} else if applied {
		return models.Duplicate("already applied"), nil
	}

	platform := strings.ToLower(req.Job.Platform)
	profile, ok := f.platforms[platform]
	if !ok {
		return models.Failed(models.ErrorKindConfiguration, fmt.Sprintf("no platform profile for %s", platform)), nil
	}
	if req.Job.URL == "" {
		return models.Failed(models.ErrorKindUnknown, "job has no url"), nil
	}
	// Session cookies only ever go to the platform's own domains.
	if IsOffPlatform(req.Job.URL, profile) {
		return models.ExternalRedirect(req.Job.URL), nil
	}

	tabCtx, closeTab, err := lease.NewTab(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return models.Outcome{}, ctx.Err()
		}
		return models.Failed(models.ErrorKindUnknown, err.Error()), nil
	}
	defer closeTab()

	run := &applyRun{
		filler:  f,
		ctx:     ctx,
		tabCtx:  tabCtx,
		page:    f.newPage(),
		profile: profile,
		req:     req,
	}

	outcome, err := run.execute()
	switch {
	case ctx.Err() != nil:
		return models.Outcome{}, ctx.Err()
	case errors.Is(err, common.ErrSessionExpired):
		return models.Outcome{}, common.ErrSessionExpired
	case err != nil:
		var fillErr *common.FormFillFailure
		if errors.As(err, &fillErr) {
			f.logger.Debug().Str("job", jobKey).Str("step", fillErr.Step).Str("kind", string(fillErr.Kind)).Err(fillErr.Err).Msg("Form fill step failed")
			return models.Failed(fillErr.Kind, fillErr.Error()), nil
		}
		return models.Failed(models.ErrorKindUnknown, err.Error()), nil
	}
	return outcome, nil
}

// applyRun carries one Apply invocation through its steps
type applyRun struct {
	filler  *Filler
	ctx     context.Context
	tabCtx  context.Context
	page    Page
	profile common.PlatformProfile
	req     models.ApplyRequest
}

func (r *applyRun) execute() (models.Outcome, error) {
	p := r.profile
	page := r.page

	if r.req.Session != nil {
		cookies, err := r.req.Session.Cookies()
		if err != nil {
			return models.Outcome{}, r.fail("set_cookies", models.ErrorKindUnknown, err)
		}
		if err := r.step("set_cookies", r.filler.stepTimeout, models.ErrorKindTimeout, func(ctx context.Context) error {
			return page.SetCookies(ctx, cookies)
		}); err != nil {
			return models.Outcome{}, err
		}
	}

	if err := r.step("navigate", r.filler.navTimeout, models.ErrorKindTimeout, func(ctx context.Context) error {
		if err := page.Navigate(ctx, r.req.Job.URL); err != nil {
			return err
		}
		return page.WaitReady(ctx)
	}); err != nil {
		return models.Outcome{}, err
	}

	landing, err := r.location("landing")
	if err != nil {
		return models.Outcome{}, err
	}
	if IsOffPlatform(landing, p) {
		return models.ExternalRedirect(landing), nil
	}

	if outcome, done, err := r.inspect("classify"); done || err != nil {
		return outcome, err
	}

	if p.ApplyButton == "" {
		return models.Outcome{}, r.fail("apply_button", models.ErrorKindFieldNotFound, errors.New("no apply button selector configured"))
	}
	if err := r.step("apply_button", r.filler.stepTimeout, models.ErrorKindFieldNotFound, func(ctx context.Context) error {
		if err := page.WaitVisible(ctx, p.ApplyButton); err != nil {
			return err
		}
		if err := page.WaitEnabled(ctx, p.ApplyButton); err != nil {
			return err
		}
		return page.Click(ctx, p.ApplyButton)
	}); err != nil {
		return models.Outcome{}, err
	}

	if err := r.step("after_apply", r.filler.navTimeout, models.ErrorKindTimeout, page.WaitReady); err != nil {
		return models.Outcome{}, err
	}

	location, err := r.location("location")
	if err != nil {
		return models.Outcome{}, err
	}
	if IsOffPlatform(location, p) {
		return models.ExternalRedirect(location), nil
	}

	if outcome, done, err := r.inspect("classify_form"); done || err != nil {
		return outcome, err
	}

	if err := r.fillFields(); err != nil {
		return models.Outcome{}, err
	}

	if p.ResumeUpload != "" && r.req.Applicant.ResumePath != "" {
		if err := r.step("resume_upload", r.filler.stepTimeout, models.ErrorKindFieldNotFound, func(ctx context.Context) error {
			return page.UploadFile(ctx, p.ResumeUpload, r.req.Applicant.ResumePath)
		}); err != nil {
			return models.Outcome{}, err
		}
	}

	if outcome, done, err := r.inspect("captcha_recheck"); done || err != nil {
		return outcome, err
	}

	if p.SubmitButton == "" {
		return models.Outcome{}, r.fail("submit", models.ErrorKindFieldNotFound, errors.New("no submit selector configured"))
	}
	if err := r.step("submit", r.filler.stepTimeout, models.ErrorKindFieldNotFound, func(ctx context.Context) error {
		if err := page.WaitEnabled(ctx, p.SubmitButton); err != nil {
			return err
		}
		return page.Click(ctx, p.SubmitButton)
	}); err != nil {
		return models.Outcome{}, err
	}

	if p.Confirmation != "" {
		if err := r.step("confirmation", r.filler.navTimeout, models.ErrorKindTimeout, func(ctx context.Context) error {
			return page.WaitVisible(ctx, p.Confirmation)
		}); err != nil {
			return models.Outcome{}, err
		}
	}

	return models.Submitted(), nil
}

// location reads the tab's current URL
func (r *applyRun) location(step string) (string, error) {
	var location string
	err := r.step(step, r.filler.stepTimeout, models.ErrorKindTimeout, func(ctx context.Context) error {
		var err error
		location, err = r.page.Location(ctx)
		return err
	})
	return location, err
}

// fillFields types applicant values into the configured fields in a stable order
func (r *applyRun) fillFields() error {
	names := make([]string, 0, len(r.profile.Fields))
	for name := range r.profile.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		selector := r.profile.Fields[name]
		value, ok := r.req.Applicant.Value(name)
		if !ok || value == "" {
			r.filler.logger.Debug().Str("field", name).Msg("No applicant value for field, leaving blank")
			continue
		}

		if err := r.step("field:"+name, r.filler.stepTimeout, models.ErrorKindFieldNotFound, func(ctx context.Context) error {
			if err := r.page.WaitVisible(ctx, selector); err != nil {
				return err
			}
			return r.page.SetValue(ctx, selector, value)
		}); err != nil {
			return err
		}
	}
	return nil
}

// inspect classifies the current page; done is true when the flow must stop with outcome
func (r *applyRun) inspect(step string) (models.Outcome, bool, error) {
	var html string
	if err := r.step(step, r.filler.stepTimeout, models.ErrorKindTimeout, func(ctx context.Context) error {
		var err error
		html, err = r.page.HTML(ctx)
		return err
	}); err != nil {
		return models.Outcome{}, true, err
	}

	result, err := Classify(html, r.profile, r.req.Job.URL)
	if err != nil {
		return models.Outcome{}, true, r.fail(step, models.ErrorKindUnknown, err)
	}

	switch result.State {
	case PageCaptcha:
		return models.Failed(models.ErrorKindCaptchaDetected, "captcha challenge at "+step), true, nil
	case PageLoginWall:
		return models.Outcome{}, true, common.ErrSessionExpired
	case PageAlreadyApplied:
		return models.Duplicate("platform reports already applied"), true, nil
	case PageExternalApply:
		return models.ExternalRedirect(result.ExternalURL), true, nil
	}
	return models.Outcome{}, false, nil
}

// step runs fn under its own timeout derived from the tab. A deadline maps to
// onTimeout, any other error to UNKNOWN.
func (r *applyRun) step(name string, timeout time.Duration, onTimeout models.ErrorKind, fn func(ctx context.Context) error) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(r.tabCtx, timeout)
	defer cancel()

	err := fn(stepCtx)
	if err == nil {
		return nil
	}
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return r.fail(name, onTimeout, err)
	}
	return r.fail(name, models.ErrorKindUnknown, err)
}

func (r *applyRun) fail(step string, kind models.ErrorKind, err error) error {
	return &common.FormFillFailure{Kind: kind, Step: step, Err: err}
}
