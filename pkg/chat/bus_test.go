package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversNoticesPerConversation(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch1, err := bus.Subscribe(ctx, "conv-1")
	require.NoError(t, err)
	ch2, err := bus.Subscribe(ctx, "conv-2")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(Notice{Type: NoticeStreamStarted, ConversationID: "conv-1", ParentID: "p1"}))

	select {
	case m := <-ch1:
		var n Notice
		require.NoError(t, json.Unmarshal(m.Payload, &n))
		assert.Equal(t, NoticeStreamStarted, n.Type)
		assert.Equal(t, "p1", n.ParentID)
		m.Ack()
	case <-time.After(time.Second):
		t.Fatal("notice not delivered")
	}

	select {
	case <-ch2:
		t.Fatal("notice leaked across conversations")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusRejectsNoticeWithoutConversation(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()
	require.Error(t, bus.Publish(Notice{Type: NoticeStreamStarted}))
}

func TestBusNilIsSafe(t *testing.T) {
	var bus *Bus
	assert.NoError(t, bus.Publish(Notice{Type: NoticeStreamStarted, ConversationID: "conv"}))
	assert.NoError(t, bus.Close())
}
