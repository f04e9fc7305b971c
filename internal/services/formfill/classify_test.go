package formfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	profile := seekProfile()

	tests := []struct {
		name  string
		html  string
		state PageState
	}{
		{"applicable", plainPage, PageApplicable},
		{"default captcha", `<div class="h-captcha"></div><form id="login"></form>`, PageCaptcha},
		{"login wall", `<form id="login"></form><span class="applied-badge"></span>`, PageLoginWall},
		{"already applied", `<span class="applied-badge"></span><a class="external-apply" href="/x">x</a>`, PageAlreadyApplied},
		{"external", `<a class="external-apply" href="/redirect/9">Apply</a>`, PageExternalApply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Classify(tt.html, profile, "https://www.seek.example/job/9")
			require.NoError(t, err)
			assert.Equal(t, tt.state, result.State, result.State.String())
		})
	}
}

func TestClassify_ExternalURLResolution(t *testing.T) {
	profile := seekProfile()

	result, err := Classify(`<a class="external-apply" href="/redirect/9">Apply</a>`, profile, "https://www.seek.example/job/9")
	require.NoError(t, err)
	assert.Equal(t, "https://www.seek.example/redirect/9", result.ExternalURL)

	profile.ExternalApply = "div.external"
	result, err = Classify(`<div class="external"><a href="https://acme.example/jobs/9">Apply</a></div>`, profile, "https://www.seek.example/job/9")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example/jobs/9", result.ExternalURL)

	result, err = Classify(`<div class="external">Apply on company site</div>`, profile, "https://www.seek.example/job/9")
	require.NoError(t, err)
	assert.Equal(t, "https://www.seek.example/job/9", result.ExternalURL)
}

func TestClassify_PlatformCaptchaSelectorsReplaceDefaults(t *testing.T) {
	profile := seekProfile()
	profile.CaptchaSelectors = []string{"#px-captcha"}

	result, err := Classify(`<div class="g-recaptcha"></div>`, profile, "")
	require.NoError(t, err)
	assert.Equal(t, PageApplicable, result.State)

	result, err = Classify(`<div id="px-captcha"></div>`, profile, "")
	require.NoError(t, err)
	assert.Equal(t, PageCaptcha, result.State)
}
