package dm

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/courier/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueOne sends one message while every relay is offline, leaving it queued.
func queueOne(t *testing.T, env *testEnv) *models.Message {
	t.Helper()
	env.pub.mu.Lock()
	env.pub.respond = offline
	env.pub.mu.Unlock()

	msg, err := env.ctrl.SendDM(context.Background(), env.peer.PublicKey(), "catch you later")
	requireCode(t, err, "NO_OPEN_RELAYS")
	require.NotNil(t, msg)
	require.Equal(t, models.StatusQueued, msg.Status)
	return msg
}

func TestQueueDrainDeliversWhenBackOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := queueOne(t, env)

	env.pub.mu.Lock()
	env.pub.respond = acceptAll
	env.pub.mu.Unlock()

	env.ctrl.queue.drain(ctx)

	status, err := env.ctrl.GetMessageStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, status)

	queued, err := env.ctrl.store.GetQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestQueueDrainSkipsWhileOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := queueOne(t, env)

	sentBefore := len(env.pub.events())
	env.pub.open = 0
	env.ctrl.queue.drain(ctx)

	assert.Len(t, env.pub.events(), sentBefore, "no publish attempts while no relay is open")
	status, err := env.ctrl.GetMessageStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, status)
}

func TestQueueBacksOffBetweenAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := queueOne(t, env)

	// Still offline on the retry: the message goes back to the queue with
	// a scheduled next attempt.
	env.ctrl.queue.drain(ctx)

	status, err := env.ctrl.GetMessageStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, status)
	assert.False(t, env.ctrl.queue.due(msg.ID, time.Now()), "backoff must gate the next attempt")
	assert.True(t, env.ctrl.queue.due(msg.ID, time.Now().Add(time.Hour)))

	// The backoff only blocks that one message's attempts, not the loop.
	sentBefore := len(env.pub.events())
	env.ctrl.queue.drain(ctx)
	assert.Len(t, env.pub.events(), sentBefore)
}

func TestQueueFailsAfterRetryCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := queueOne(t, env)

	// Burn the whole retry budget.
	msg.RetryCount = env.ctrl.cfg.MaxRetries
	require.NoError(t, env.ctrl.store.PersistMessage(ctx, msg))

	env.ctrl.queue.drain(ctx)

	status, err := env.ctrl.GetMessageStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)

	queued, err := env.ctrl.store.GetQueuedMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)

	// A manual retry resurrects it.
	env.pub.mu.Lock()
	env.pub.respond = acceptAll
	env.pub.mu.Unlock()
	retried, err := env.ctrl.RetryFailedMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, retried.Status)
}

func TestQueueLeavesMessagesWhileIdentityLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	msg := queueOne(t, env)

	env.id.Lock()
	defer env.id.Unlock()

	env.pub.mu.Lock()
	env.pub.respond = acceptAll
	env.pub.mu.Unlock()
	env.ctrl.queue.drain(ctx)

	status, err := env.ctrl.GetMessageStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, status, "locked identity must not drop or send queued mail")
}
