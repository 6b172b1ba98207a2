package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNamespacesUnderPrefix(t *testing.T) {
	b := &Broker{prefix: "agentpool:cc:"}
	assert.Equal(t, "agentpool:cc:s1:input", b.key("s1", "input"))
	assert.Equal(t, "agentpool:cc:s1:output", b.key("s1", "output"))
}

func TestWithRetrySucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsAndSurfacesError(t *testing.T) {
	start := time.Now()
	err := withRetry(context.Background(), func() error {
		return errors.New("persistent")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted retries")
	// Sanity: backoff between attempts actually elapsed.
	assert.Greater(t, time.Since(start), baseReconnectBackoff)
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := withRetry(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
