package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/autoapply/internal/models"
)

// JobSearchService finds candidate postings on one platform
type JobSearchService interface {
	SearchJobs(ctx context.Context, platform string, criteria models.SearchCriteria) ([]models.JobRef, error)
}

// NotificationService consumes activity, failure and misfire notifications
type NotificationService interface {
	Notify(ctx context.Context, notification models.Notification) error
}

// RateLimiter gates application attempts per (user, platform)
type RateLimiter interface {
	TryAcquire(ctx context.Context, userID, platform string) (allowed bool, remaining int, err error)
	Remaining(ctx context.Context, userID, platform string) (int, error)
}

// SessionProvider hands out authenticated, non-expired sessions
type SessionProvider interface {
	GetOrRefresh(ctx context.Context, userID, platform string) (*models.SessionCookie, error)
	Invalidate(ctx context.Context, userID, platform string) error
}

// Authenticator performs a platform login and returns the resulting cookies and their expiry
type Authenticator interface {
	Login(ctx context.Context, userID, platform string) ([]models.Cookie, time.Time, error)
}

// BrowserLease is one acquired browser. Release is idempotent.
type BrowserLease interface {
	Platform() string
	// NewTab opens a tab with the stealth patches applied. The tab closes when either
	// the returned cancel func is called or ctx is done.
	NewTab(ctx context.Context) (context.Context, context.CancelFunc, error)
	Release()
}

// BrowserProvider acquires browsers under a concurrency cap
type BrowserProvider interface {
	Acquire(ctx context.Context, platform string) (BrowserLease, error)
}

// FormFiller drives one application submission.
// The error return is reserved for common.ErrSessionExpired and caller cancellation.
type FormFiller interface {
	Apply(ctx context.Context, lease BrowserLease, req models.ApplyRequest) (models.Outcome, error)
}

// FailureRecorder is best-effort: it never returns an error to the caller
type FailureRecorder interface {
	Record(ctx context.Context, failure models.FailureRecord)
}
