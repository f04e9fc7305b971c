package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/autoapply/internal/models"
)

var (
	// ErrRateLimitExceeded is a control-flow signal: the quota is used up for this window
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrSessionExpired means the platform no longer accepts the session; re-login is required
	ErrSessionExpired = errors.New("session expired")
)

// ConfigurationError is an invalid config or search criteria. It is permanent:
// retrying without a config change will fail the same way.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BrowserLaunchFailure ends the remaining work of one config, not the process
type BrowserLaunchFailure struct {
	Platform string
	Err      error
}

func (e *BrowserLaunchFailure) Error() string {
	return fmt.Sprintf("browser launch failed for %s: %v", e.Platform, e.Err)
}

func (e *BrowserLaunchFailure) Unwrap() error { return e.Err }

// FormFillFailure is a per-job failure inside the apply flow
type FormFillFailure struct {
	Kind models.ErrorKind
	Step string
	Err  error
}

func (e *FormFillFailure) Error() string {
	return fmt.Sprintf("form fill failed at %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *FormFillFailure) Unwrap() error { return e.Err }

// PersistenceFailure is a storage or log write that failed
type PersistenceFailure struct {
	Op  string
	Err error
}

func NewPersistenceFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceFailure{Op: op, Err: err}
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// IsTransient reports whether retrying the same operation later may succeed
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ErrorKindOf maps an error to the FailureRecord kind it is logged under
func ErrorKindOf(err error) models.ErrorKind {
	var (
		cfgErr     *ConfigurationError
		launchErr  *BrowserLaunchFailure
		fillErr    *FormFillFailure
		persistErr *PersistenceFailure
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fillErr):
		return fillErr.Kind
	case errors.As(err, &cfgErr):
		return models.ErrorKindConfiguration
	case errors.As(err, &launchErr):
		return models.ErrorKindBrowserLaunch
	case errors.As(err, &persistErr):
		return models.ErrorKindPersistence
	case errors.Is(err, ErrSessionExpired):
		return models.ErrorKindSession
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	}
	return models.ErrorKindUnknown
}
