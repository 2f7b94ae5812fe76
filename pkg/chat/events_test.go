package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventContentDelta(t *testing.T) {
	ev, err := DecodeEvent(`{"event":"content_delta","variant_index":2,"text":"Hel"}`)
	require.NoError(t, err)
	assert.Equal(t, EventContentDelta, ev.Type)
	assert.Equal(t, 2, ev.VariantIndex)
	assert.Equal(t, "Hel", ev.Text)
	assert.Nil(t, ev.Model)
}

func TestDecodeEventDeltaContentFieldFallback(t *testing.T) {
	ev, err := DecodeEvent(`{"event":"content_delta","content":"lo"}`)
	require.NoError(t, err)
	assert.Equal(t, "lo", ev.Text)
	assert.Equal(t, 0, ev.VariantIndex)
}

func TestDecodeEventCarriesModelSnapshot(t *testing.T) {
	ev, err := DecodeEvent(`{"event":"content_delta","text":"x","model_configuration":"cfg-1","model_name":"m1","model_display_name":"Model One"}`)
	require.NoError(t, err)
	require.NotNil(t, ev.Model)
	assert.Equal(t, "cfg-1", ev.Model.ConfigurationID)
	assert.Equal(t, "m1", ev.Model.Name)
	assert.Equal(t, "Model One", ev.Model.DisplayName)
}

func TestDecodeEventUserMessage(t *testing.T) {
	ev, err := DecodeEvent(`{"event":"user_message","id":"msg-1","temp_id":"temp-9","role":"user","content":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, EventUserMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "msg-1", ev.Message.ID)
	assert.Equal(t, "temp-9", ev.Message.TempID)
	assert.Equal(t, "hi", ev.Message.Content)
}

func TestDecodeEventFinalMessage(t *testing.T) {
	ev, err := DecodeEvent(`{"event":"final_message","id":"msg-2","role":"assistant","content":"done","parent_message_id":"msg-1","variant_index":1}`)
	require.NoError(t, err)
	assert.Equal(t, EventFinalMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "msg-1", ev.Message.ParentMessageID)
	require.NotNil(t, ev.Message.VariantIndex)
	assert.Equal(t, 1, *ev.Message.VariantIndex)
}

func TestDecodeEventServerError(t *testing.T) {
	ev, err := DecodeEvent(`{"event":"error","message":"model overloaded"}`)
	require.NoError(t, err)
	assert.Equal(t, EventServerError, ev.Type)
	assert.Equal(t, "model overloaded", ev.ErrorText)
}

func TestDecodeEventDoneSentinel(t *testing.T) {
	ev, err := DecodeEvent("[DONE]")
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Type)

	ev, err = DecodeEvent("  [DONE]  ")
	require.NoError(t, err)
	assert.Equal(t, EventDone, ev.Type)
}

func TestDecodeEventFailsClosed(t *testing.T) {
	_, err := DecodeEvent("{not json")
	require.Error(t, err)

	_, err = DecodeEvent(`{"event":"tool_call","text":"x"}`)
	require.Error(t, err)

	_, err = DecodeEvent(`{"text":"no discriminator"}`)
	require.Error(t, err)
}

func TestWireMessageToMessageDefaults(t *testing.T) {
	w := &WireMessage{ID: "msg-3", Content: "hello"}
	m := w.toMessage("conv-1")
	assert.Equal(t, RoleAssistant, m.Role)
	assert.Equal(t, "conv-1", m.ConversationID)
	assert.False(t, m.CreatedAt.IsZero())

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w = &WireMessage{ID: "msg-4", Role: "user", CreatedAt: ts}
	m = w.toMessage("conv-1")
	assert.Equal(t, RoleUser, m.Role)
	assert.Equal(t, ts, m.CreatedAt)
}
