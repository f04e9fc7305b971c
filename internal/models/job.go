package models

import "strings"

// JobRef identifies one posting returned by the job search collaborator
type JobRef struct {
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
	Title      string `json:"title,omitempty"`
	Company    string `json:"company,omitempty"`
	Location   string `json:"location,omitempty"`
	URL        string `json:"url"`
}

// Key is the platform-qualified external job id used for duplicate detection
func (j JobRef) Key() string {
	return strings.ToLower(j.Platform) + ":" + j.ExternalID
}

// OutcomeKind is the result of one application attempt
type OutcomeKind string

const (
	OutcomeSubmitted        OutcomeKind = "SUBMITTED"
	OutcomeDuplicate        OutcomeKind = "DUPLICATE"
	OutcomeExternalRedirect OutcomeKind = "EXTERNAL_REDIRECT"
	OutcomeFailed           OutcomeKind = "FAILED"
)

// ErrorKind classifies a FAILED outcome or a FailureRecord
type ErrorKind string

const (
	ErrorKindFieldNotFound   ErrorKind = "FIELD_NOT_FOUND"
	ErrorKindTimeout         ErrorKind = "TIMEOUT"
	ErrorKindCaptchaDetected ErrorKind = "CAPTCHA_DETECTED"
	ErrorKindUnknown         ErrorKind = "UNKNOWN"

	// Kinds used for failures outside form filling
	ErrorKindConfiguration ErrorKind = "CONFIGURATION"
	ErrorKindSearch        ErrorKind = "SEARCH"
	ErrorKindSession       ErrorKind = "SESSION"
	ErrorKindBrowserLaunch ErrorKind = "BROWSER_LAUNCH"
	ErrorKindPersistence   ErrorKind = "PERSISTENCE"
	ErrorKindPanic         ErrorKind = "PANIC"
)

// Outcome is what the form filler reports for one job
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	RedirectURL string      `json:"redirect_url,omitempty"`
}

func Submitted() Outcome {
	return Outcome{Kind: OutcomeSubmitted}
}

func Duplicate(reason string) Outcome {
	return Outcome{Kind: OutcomeDuplicate, Message: reason}
}

func ExternalRedirect(url string) Outcome {
	return Outcome{Kind: OutcomeExternalRedirect, RedirectURL: url}
}

func Failed(kind ErrorKind, message string) Outcome {
	return Outcome{Kind: OutcomeFailed, ErrorKind: kind, Message: message}
}

// ApplyRequest is everything the form filler needs for one submission
type ApplyRequest struct {
	UserID    string
	Job       JobRef
	Session   *SessionCookie
	Applicant ApplicantProfile
}
