package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/models"
)

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	received := make(chan models.Notification, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n models.Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		received <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, arbor.NewLogger())
	err := notifier.Notify(context.Background(), models.Notification{
		Type:    models.NotificationMisfire,
		Subject: "auto-apply-cycle missed",
		Job:     &models.ScheduledJob{Name: "auto-apply-cycle"},
	})
	require.NoError(t, err)

	n := <-received
	assert.Equal(t, models.NotificationMisfire, n.Type)
	require.NotNil(t, n.Job)
	assert.Equal(t, "auto-apply-cycle", n.Job.Name)
}

func TestWebhookNotifier_ReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, arbor.NewLogger())
	assert.Error(t, notifier.Notify(context.Background(), models.Notification{Type: models.NotificationActivity}))
}

func TestNew_SelectsSink(t *testing.T) {
	_, isLog := New(common.NotificationsConfig{}, arbor.NewLogger()).(*LogNotifier)
	assert.True(t, isLog)

	_, isWebhook := New(common.NotificationsConfig{WebhookURL: "http://localhost:1/hook"}, arbor.NewLogger()).(*WebhookNotifier)
	assert.True(t, isWebhook)
}

func TestLogNotifier_NeverFails(t *testing.T) {
	notifier := NewLogNotifier(arbor.NewLogger())
	assert.NoError(t, notifier.Notify(context.Background(), models.Notification{
		Type:     models.NotificationActivity,
		Activity: &models.ActivityLogEntry{ConfigID: "cfg", Status: models.ActivityStatusSuccess},
	}))
}
