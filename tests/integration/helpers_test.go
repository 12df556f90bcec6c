//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/messenger"
	"github.com/leadmap/symphony/internal/testutil"
	"github.com/stretchr/testify/require"
)

// messageEnvelope is the {"data": ...} wrapper around a single message.
type messageEnvelope struct {
	Data messenger.MessageResponse `json:"data"`
}

// messageListEnvelope is the {"data": ...} wrapper around a message list.
type messageListEnvelope struct {
	Data []messenger.MessageResponse `json:"data"`
}

// statusEnvelope is the {"data": ...} wrapper around a status snapshot.
type statusEnvelope struct {
	Data messenger.StatusSnapshot `json:"data"`
}

// enqueueMessage enqueues a message through the API and returns it.
func enqueueMessage(t *testing.T, client *testutil.Client, body map[string]any) messenger.MessageResponse {
	t.Helper()

	resp, err := client.POST("/api/v1/messages", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envelope messageEnvelope
	testutil.DecodeJSON(t, resp, &envelope)
	require.NotEmpty(t, envelope.Data.ID)
	return envelope.Data
}

// getMessage fetches one message through the API.
func getMessage(t *testing.T, client *testutil.Client, id string) messenger.MessageResponse {
	t.Helper()

	resp, err := client.GET("/api/v1/messages/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope messageEnvelope
	testutil.DecodeJSON(t, resp, &envelope)
	return envelope.Data
}

// waitForMessageStatus polls the API until the message reaches the wanted
// status. Fails the test on timeout.
func waitForMessageStatus(t *testing.T, client *testutil.Client, id string, status domain.MessageStatus, timeout time.Duration) messenger.MessageResponse {
	t.Helper()

	var last messenger.MessageResponse
	require.Eventually(t, func() bool {
		last = getMessage(t, client, id)
		return last.Status == string(status)
	}, timeout, 50*time.Millisecond,
		"message %s did not reach status %s", id, status)
	return last
}

// transportStatus fetches the status snapshot for one transport.
func transportStatus(t *testing.T, client *testutil.Client, transport string) messenger.StatusSnapshot {
	t.Helper()

	resp, err := client.GET("/api/v1/transports/" + transport + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope statusEnvelope
	testutil.DecodeJSON(t, resp, &envelope)
	return envelope.Data
}

// newStoreMessage builds a pending message for direct store tests.
func newStoreMessage(transport string) *domain.Message {
	return &domain.Message{
		ID:          uuid.New().String(),
		Transport:   transport,
		Payload:     []byte(`{"probe":true}`),
		Status:      domain.StatusPending,
		MaxAttempts: 2,
	}
}

// uniqueTransport returns a transport name no other test uses. Store-level
// tests run on their own transports so the application workers never claim
// their messages.
func uniqueTransport(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}
