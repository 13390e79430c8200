package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/chatsync/pkg/model"
	"github.com/voxhall/chatsync/pkg/router"
	"github.com/voxhall/chatsync/pkg/transport"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *transport.FakeTransport) {
	t.Helper()

	tr := transport.NewFakeTransport()
	require.NoError(t, tr.Dial(context.Background(), "ws://test", ""))

	rt := router.New(tr, "conv-1", "me", nil, nil)

	c := NewCoordinator(rt, "conv-1", "me", cfg, nil)
	t.Cleanup(c.Stop)

	return c, tr
}

func typing(userID string, on bool) *model.TypingEvent {
	return &model.TypingEvent{UserID: userID, IsTyping: on}
}

func TestTypingFlagExpires(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{TypingExpiry: 20 * time.Millisecond})

	c.HandleTyping(typing("bob", true))
	assert.True(t, c.Typing()["bob"].IsTyping)

	require.Eventually(t, func() bool {
		return !c.Typing()["bob"].IsTyping
	}, time.Second, time.Millisecond)
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{TypingExpiry: 60 * time.Millisecond})

	c.HandleTyping(typing("bob", true))

	// Keep refreshing past the original deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		c.HandleTyping(typing("bob", true))
	}

	assert.True(t, c.Typing()["bob"].IsTyping)

	require.Eventually(t, func() bool {
		return !c.Typing()["bob"].IsTyping
	}, time.Second, time.Millisecond)
}

func TestTypingFalseClearsImmediately(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{TypingExpiry: time.Minute})

	c.HandleTyping(typing("bob", true))
	c.HandleTyping(typing("bob", false))

	assert.False(t, c.Typing()["bob"].IsTyping)
}

func TestLocalTypingEventsIgnored(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})

	c.HandleTyping(typing("me", true))

	_, ok := c.Typing()["me"]
	assert.False(t, ok)
}

func TestTypingTracksMultipleUsers(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{TypingExpiry: time.Minute})

	c.HandleTyping(typing("bob", true))
	c.HandleTyping(&model.TypingEvent{UserID: "eve", Username: "Eve", IsTyping: true})

	state := c.Typing()
	assert.True(t, state["bob"].IsTyping)
	assert.True(t, state["eve"].IsTyping)
	assert.Equal(t, "Eve", state["eve"].Username)

	c.HandleTyping(typing("bob", false))

	state = c.Typing()
	assert.False(t, state["bob"].IsTyping)
	assert.True(t, state["eve"].IsTyping)
}

func TestPublishTypingSuppressesEqualValues(t *testing.T) {
	c, tr := newTestCoordinator(t, Config{})

	for i := 0; i < 5; i++ {
		c.PublishTyping(true)
	}

	assert.Len(t, tr.SentTo(transport.DestTyping), 1)

	c.PublishTyping(false)
	assert.Len(t, tr.SentTo(transport.DestTyping), 2)

	sent := tr.SentTo(transport.DestTyping)
	assert.True(t, sent[0].Payload.(model.TypingPublish).IsTyping)
	assert.False(t, sent[1].Payload.(model.TypingPublish).IsTyping)
}

func TestPublishActiveDebouncesToLastValue(t *testing.T) {
	c, tr := newTestCoordinator(t, Config{ActiveDebounce: 20 * time.Millisecond})

	// A burst collapses into one publish of the final value.
	c.PublishActive(true)
	c.PublishActive(false)
	c.PublishActive(true)

	require.Eventually(t, func() bool {
		return len(tr.SentTo(transport.DestActiveStatus)) == 1
	}, time.Second, time.Millisecond)

	sent := tr.SentTo(transport.DestActiveStatus)
	assert.True(t, sent[0].Payload.(model.ActivePublish).Active)

	// The same value again is suppressed after the debounce.
	c.PublishActive(true)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, tr.SentTo(transport.DestActiveStatus), 1)
}

func TestAnnounceBypassesSuppression(t *testing.T) {
	c, tr := newTestCoordinator(t, Config{ActiveDebounce: 10 * time.Millisecond})

	c.PublishActive(true)
	require.Eventually(t, func() bool {
		return len(tr.SentTo(transport.DestActiveStatus)) == 1
	}, time.Second, time.Millisecond)

	// After a reconnect the server forgot us; Announce must re-send even
	// though the last published value was already true.
	c.Announce()
	assert.Len(t, tr.SentTo(transport.DestActiveStatus), 2)
}

func TestStopClearsFlagsAndSilences(t *testing.T) {
	c, tr := newTestCoordinator(t, Config{TypingExpiry: time.Minute})

	c.HandleTyping(typing("bob", true))
	c.Stop()

	assert.False(t, c.Typing()["bob"].IsTyping)

	c.PublishTyping(true)
	c.PublishActive(true)
	c.HandleTyping(typing("eve", true))

	assert.Empty(t, tr.Sent())
	_, ok := c.Typing()["eve"]
	assert.False(t, ok)

	// Resume re-arms it.
	c.Resume()
	c.HandleTyping(typing("eve", true))
	assert.True(t, c.Typing()["eve"].IsTyping)
}

func TestTypingChangeNotifies(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{TypingExpiry: time.Minute})

	calls := 0
	c.SetOnChange(func() { calls++ })

	c.HandleTyping(typing("bob", true))
	assert.Equal(t, 1, calls)

	c.HandleTyping(typing("bob", false))
	assert.Equal(t, 2, calls)
}
