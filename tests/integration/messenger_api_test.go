//go:build integration

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/messenger"
	"github.com/leadmap/symphony/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPI_Version(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var version struct {
		Version string `json:"version"`
	}
	testutil.DecodeJSON(t, resp, &version)
	assert.NotEmpty(t, version.Version)
}

func TestAPI_EnqueueValidation(t *testing.T) {
	client := newTestClient(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing transport", map[string]any{"payload": map[string]any{}}},
		{"unknown transport", map[string]any{"transport": "carrier-pigeon", "payload": map[string]any{}}},
		{
			"past schedule with strict_schedule",
			map[string]any{
				"transport":       "email",
				"payload":         map[string]any{"to": []string{"x@example.com"}},
				"scheduled_at":    time.Now().Add(-time.Hour).Format(time.RFC3339),
				"strict_schedule": true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.POST("/api/v1/messages", tt.body)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestAPI_ScheduledDelivery(t *testing.T) {
	client := newTestClient(t)

	scheduledAt := time.Now().Add(500 * time.Millisecond)
	msg := enqueueMessage(t, client, map[string]any{
		"transport": "email",
		"payload": map[string]any{
			"to":      []string{"scheduled@example.com"},
			"subject": "Scheduled delivery",
			"body":    "Sent later.",
		},
		"scheduled_at": scheduledAt.Format(time.RFC3339Nano),
	})
	assert.Equal(t, string(domain.StatusScheduled), msg.Status)
	require.NotNil(t, msg.ScheduledAt)

	// The scheduler promotes it once due and a worker delivers it.
	delivered := waitForMessageStatus(t, client, msg.ID, domain.StatusCompleted, 10*time.Second)
	assert.Equal(t, 1, delivered.Attempts)
}

func TestAPI_CancelScheduledMessage(t *testing.T) {
	client := newTestClient(t)

	msg := enqueueMessage(t, client, map[string]any{
		"transport": "email",
		"payload": map[string]any{
			"to":      []string{"cancelled@example.com"},
			"subject": "Never sent",
		},
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})

	resp, err := client.DELETE("/api/v1/messages/" + msg.ID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancelled := getMessage(t, client, msg.ID)
	assert.Equal(t, string(domain.StatusDeadLettered), cancelled.Status)
	assert.Equal(t, domain.CancelledMarker, cancelled.LastError)

	// Cancelling a terminal message conflicts.
	resp, err = client.DELETE("/api/v1/messages/" + msg.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ReplayDeadLetter(t *testing.T) {
	client := newTestClient(t)

	msg := enqueueMessage(t, client, map[string]any{
		"transport": "email",
		"payload": map[string]any{
			"to":      []string{"replayed@example.com"},
			"subject": "Replay me",
			"body":    "Second chance.",
		},
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})

	// A live message cannot be replayed.
	resp, err := client.POST("/api/v1/messages/"+msg.ID+"/replay", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = client.DELETE("/api/v1/messages/" + msg.ID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = client.POST("/api/v1/messages/"+msg.ID+"/replay", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envelope messageEnvelope
	testutil.DecodeJSON(t, resp, &envelope)
	replayed := envelope.Data
	assert.NotEqual(t, msg.ID, replayed.ID)

	// The copy flows through the pipeline; the original stays dead-lettered.
	waitForMessageStatus(t, client, replayed.ID, domain.StatusCompleted, 10*time.Second)
	original := getMessage(t, client, msg.ID)
	assert.Equal(t, string(domain.StatusDeadLettered), original.Status)
}

func TestAPI_FailedDeliveryDeadLetters(t *testing.T) {
	client := newTestClient(t)

	// The sms gateway in the test config is unreachable, so delivery fails
	// retryable on every attempt until the budget runs out.
	msg := enqueueMessage(t, client, map[string]any{
		"transport": "sms",
		"payload":   map[string]any{"to": "+15551234567", "body": "hello"},
	})

	dead := waitForMessageStatus(t, client, msg.ID, domain.StatusDeadLettered, 15*time.Second)
	assert.Equal(t, msg.MaxAttempts+1, dead.Attempts)
	assert.NotEmpty(t, dead.LastError)

	resp, err := client.GET("/api/v1/transports/sms/dead-letters?limit=100")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope messageListEnvelope
	testutil.DecodeJSON(t, resp, &envelope)

	found := false
	for _, m := range envelope.Data {
		if m.ID == msg.ID {
			found = true
			break
		}
	}
	assert.True(t, found, "dead-lettered message should be listed")
}

func TestAPI_ListTransports(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/api/v1/transports")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data []messenger.TransportResponse `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &envelope)

	require.Len(t, envelope.Data, 2)
	assert.Equal(t, "email", envelope.Data[0].Name)
	assert.Equal(t, "sms", envelope.Data[1].Name)
	assert.Equal(t, 2, envelope.Data[0].Concurrency)
}

func TestAPI_TransportStatus(t *testing.T) {
	client := newTestClient(t)

	// Park a scheduled message so the snapshot has something to count.
	msg := enqueueMessage(t, client, map[string]any{
		"transport": "email",
		"payload": map[string]any{
			"to":      []string{"status@example.com"},
			"subject": "Counted",
		},
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	defer func() {
		resp, err := client.DELETE("/api/v1/messages/" + msg.ID)
		if err == nil {
			resp.Body.Close()
		}
	}()

	snapshot := transportStatus(t, client, "email")
	assert.Equal(t, "email", snapshot.Transport)
	assert.GreaterOrEqual(t, snapshot.ScheduledMessages, 1)
	assert.False(t, snapshot.Timestamp.IsZero())

	resp, err := client.GET("/api/v1/transports/carrier-pigeon/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_AllTransportStatuses(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/api/v1/transports/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data []messenger.StatusSnapshot `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &envelope)

	require.Len(t, envelope.Data, 2)
	assert.Equal(t, "email", envelope.Data[0].Transport)
	assert.Equal(t, "sms", envelope.Data[1].Transport)
}
