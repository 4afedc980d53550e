package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/events"
)

func testBus(t *testing.T) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(logger.Default())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "channel closed before message arrived")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := testBus(t)
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		session := &models.Session{ID: models.NewSessionID()}
		require.NoError(t, b.Publish(context.Background(), SessionMessage(events.SessionUpdated, session)))
	}

	var got []Message
	for i := 0; i < 5; i++ {
		got = append(got, recvOne(t, sub))
	}
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1].ID, got[i].ID)
		assert.Equal(t, events.SessionUpdated, got[i].Kind)
	}
}

func TestMemoryBusSnapshotIsGapFree(t *testing.T) {
	b := testBus(t)

	snapshot := func() ([]Message, error) {
		return []Message{
			SessionMessage(events.SessionCreated, &models.Session{ID: "ses_existing"}),
		}, nil
	}
	sub, initial, err := b.SubscribeWithSnapshot(context.Background(), snapshot)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Len(t, initial, 1)
	assert.Equal(t, "ses_existing", initial[0].Session.ID)

	// Anything published after the subscription must arrive on the channel.
	require.NoError(t, b.Publish(context.Background(),
		SessionMessage(events.SessionCreated, &models.Session{ID: "ses_new"})))
	msg := recvOne(t, sub)
	assert.Equal(t, "ses_new", msg.Session.ID)
}

func TestMemoryBusDropsSlowSubscriber(t *testing.T) {
	b := testBus(t)
	slow, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	// Never read from slow; overflow its buffer.
	for i := 0; i < subscriberBuffer+1; i++ {
		require.NoError(t, b.Publish(context.Background(),
			SessionMessage(events.SessionUpdated, &models.Session{ID: "ses_x"})))
	}

	// Drain until close; the channel holds the buffered messages.
	for range slow.C() {
	}
	assert.True(t, slow.Lagged())
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestMemoryBusSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := testBus(t)
	slow, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	fast, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer fast.Unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(context.Background(),
			SessionMessage(events.SessionUpdated, &models.Session{ID: "ses_x"})))
		recvOne(t, fast)
	}

	for range slow.C() {
	}
	assert.True(t, slow.Lagged())
	assert.False(t, fast.Lagged())
}

func TestMemoryBusUnsubscribeIsIdempotent(t *testing.T) {
	b := testBus(t)
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, sub.Lagged())
}

func TestMemoryBusCloseRejectsPublish(t *testing.T) {
	b := NewMemoryBus(logger.Default())
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)

	err = b.Publish(context.Background(), SessionMessage(events.SessionDeleted, &models.Session{ID: "ses_x"}))
	assert.Error(t, err)
}
