package chat

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubOpener feeds canned byte streams to sessions.
type stubOpener struct {
	mu       sync.Mutex
	send     io.ReadCloser
	sendErr  error
	regen    io.ReadCloser
	regenErr error

	sendCalls  []SendRequest
	regenCalls []RegenerateRequest
}

func (o *stubOpener) OpenSend(_ context.Context, req SendRequest) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sendCalls = append(o.sendCalls, req)
	if o.sendErr != nil {
		return nil, o.sendErr
	}
	return o.send, nil
}

func (o *stubOpener) OpenRegenerate(_ context.Context, req RegenerateRequest) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regenCalls = append(o.regenCalls, req)
	if o.regenErr != nil {
		return nil, o.regenErr
	}
	return o.regen, nil
}

func sseStream(payloads ...string) io.ReadCloser {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestStreamSessionHappyPath(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"user_message","id":"msg-u","temp_id":"temp-1","role":"user","content":"hi"}`,
		`{"event":"content_delta","variant_index":0,"text":"Hello"}`,
		`{"event":"content_delta","variant_index":0,"text":" world"}`,
		`{"event":"final_message","id":"msg-a","role":"assistant","content":"Hello world","parent_message_id":"msg-u","variant_index":0}`,
		`[DONE]`,
	)}

	completed := false
	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "hi", TempID: "temp-1"},
		SessionCallbacks{OnCompleted: func() { completed = true }})

	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	assert.Equal(t, StateCompleted, sess.State())
	assert.True(t, completed)
	require.NoError(t, sess.Err())

	require.Equal(t, 2, store.Len("conv"))
	user, ok := store.Get("conv", "msg-u")
	require.True(t, ok, "optimistic user message must be replaced by the confirmed one")
	assert.False(t, user.Placeholder)
	assert.Equal(t, "hi", user.Content)

	reply, ok := store.Get("conv", "msg-a")
	require.True(t, ok)
	assert.Equal(t, "Hello world", reply.Content)
	assert.False(t, reply.Streaming)
	assert.False(t, reply.Placeholder)
	assert.Equal(t, "msg-u", reply.ParentID)
}

func TestStreamSessionSeedsPlaceholdersBeforeStreaming(t *testing.T) {
	store := NewStore()
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	opener := &stubOpener{send: pr}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1",
			ExtraConfigurationIDs: []string{"cfg-b", "cfg-c"}},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Abort()

	// One optimistic user message plus one placeholder per variant.
	snapshot := store.Read("conv")
	require.Len(t, snapshot, 4)
	assert.Equal(t, RoleUser, snapshot[0].Role)
	assert.True(t, snapshot[0].Placeholder)
	for i, m := range snapshot[1:] {
		assert.Equal(t, RoleAssistant, m.Role)
		assert.True(t, m.Streaming)
		assert.Equal(t, "grp-temp-1", m.ParentID)
		require.NotNil(t, m.VariantIndex)
		assert.Equal(t, i, *m.VariantIndex)
	}
	assert.Equal(t, 2, sess.PrimaryVariant())
}

func TestStreamSessionDemultiplexesVariants(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"content_delta","variant_index":0,"text":"alpha"}`,
		`{"event":"content_delta","variant_index":1,"text":"beta"}`,
		`{"event":"content_delta","variant_index":0,"text":"-0"}`,
		`{"event":"content_delta","variant_index":1,"text":"-1"}`,
		`{"event":"final_message","id":"msg-a0","content":"alpha-0","variant_index":0}`,
		`{"event":"final_message","id":"msg-a1","content":"beta-1","variant_index":1}`,
		`[DONE]`,
	)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1",
			ExtraConfigurationIDs: []string{"cfg-b"}},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	a0, ok := store.Get("conv", "msg-a0")
	require.True(t, ok)
	assert.Equal(t, "alpha-0", a0.Content)
	a1, ok := store.Get("conv", "msg-a1")
	require.True(t, ok)
	assert.Equal(t, "beta-1", a1.Content)
	// Both confirmed variants share the session's group key.
	assert.Equal(t, a0.ParentID, a1.ParentID)
}

func TestStreamSessionEnsembleFinalsFormOrderedGroup(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"user_message","id":"msg-u","temp_id":"temp-1","role":"user","content":"q"}`,
		`{"event":"final_message","id":"msg-a2","content":"two","variant_index":2}`,
		`{"event":"final_message","id":"msg-a0","content":"zero","variant_index":0}`,
		`{"event":"final_message","id":"msg-a1","content":"one","variant_index":1}`,
		`[DONE]`,
	)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1",
			ExtraConfigurationIDs: []string{"cfg-b", "cfg-c"}},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	g := GroupVariants(store.Read("conv"), nil)
	group := g.Groups[sess.ParentID()]
	require.Len(t, group, 3)
	for i, m := range group {
		require.NotNil(t, m.VariantIndex)
		assert.Equal(t, i, *m.VariantIndex)
		assert.False(t, m.Placeholder)
	}
	// One user turn plus exactly one confirmed message per variant.
	assert.Equal(t, 4, store.Len("conv"))
}

func TestStreamSessionReasoningCollapsesOnFirstContent(t *testing.T) {
	store := NewStore()
	pr, pw := io.Pipe()
	opener := &stubOpener{send: pr}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))

	write := func(payload string) {
		_, err := io.WriteString(pw, "data: "+payload+"\n\n")
		require.NoError(t, err)
	}

	write(`{"event":"reasoning_delta","variant_index":0,"text":"thinking"}`)
	require.Eventually(t, func() bool {
		for _, m := range store.Read("conv") {
			if m.Role == RoleAssistant && m.Reasoning == "thinking" {
				return !m.ReasoningCollapsed
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "reasoning should stream expanded")

	write(`{"event":"content_delta","variant_index":0,"text":"answer"}`)
	require.Eventually(t, func() bool {
		for _, m := range store.Read("conv") {
			if m.Role == RoleAssistant && m.Content == "answer" {
				return m.ReasoningCollapsed && m.Reasoning == "thinking"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "first content delta must collapse reasoning")

	write(`[DONE]`)
	require.NoError(t, pw.Close())
	waitDone(t, sess.Done())
}

func TestStreamSessionModelAssignedOnce(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"content_delta","variant_index":0,"text":"a","model_name":"first"}`,
		`{"event":"content_delta","variant_index":0,"text":"b","model_name":"second"}`,
		`[DONE]`,
	)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	var reply *Message
	for _, m := range store.Read("conv") {
		if m.Role == RoleAssistant {
			cp := m
			reply = &cp
		}
	}
	require.NotNil(t, reply)
	require.NotNil(t, reply.Model)
	assert.Equal(t, "first", reply.Model.Name)
}

func TestStreamSessionAdoptsConfirmedParent(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"final_message","id":"msg-a0","content":"done","parent_message_id":"msg-u","variant_index":0}`,
		`[DONE]`,
	)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1",
			ExtraConfigurationIDs: []string{"cfg-b"}},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	assert.Equal(t, "msg-u", sess.ParentID())
	// The still-open sibling placeholder was re-keyed to the confirmed parent.
	for _, m := range store.Read("conv") {
		if m.Role == RoleAssistant {
			assert.Equal(t, "msg-u", m.ParentID, "variant %s", m.ID)
		}
	}
}

func TestStreamSessionAbortIsGraceful(t *testing.T) {
	store := NewStore()
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	opener := &stubOpener{send: pr}

	banner := false
	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{OnBanner: func(error) { banner = true }})
	require.NoError(t, sess.Start(context.Background()))

	sess.Abort()
	waitDone(t, sess.Done())

	assert.Equal(t, StateAborted, sess.State())
	require.NoError(t, sess.Err())
	assert.False(t, banner, "cancellation must not raise an error banner")
	for _, m := range store.Read("conv") {
		assert.False(t, m.Streaming)
		assert.False(t, m.Error)
	}
}

func TestStreamSessionServerErrorBecomesInlineMessage(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"error","message":"model overloaded"}`,
	)}

	var bannerErr error
	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{OnBanner: func(err error) { bannerErr = err }})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	assert.Equal(t, StateErrored, sess.State())
	var se *StreamError
	require.ErrorAs(t, sess.Err(), &se)
	assert.Equal(t, ErrorCategoryServer, se.Category)
	require.ErrorAs(t, bannerErr, &se)

	var found bool
	for _, m := range store.Read("conv") {
		if m.Role == RoleAssistant {
			found = true
			assert.True(t, m.Error)
			assert.Equal(t, "model overloaded", m.Content)
			assert.False(t, m.Streaming)
		}
	}
	assert.True(t, found)
}

func TestStreamSessionOpenFailure(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{sendErr: &StreamError{Category: ErrorCategoryNetwork, Message: "connection refused"}}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{})
	err := sess.Start(context.Background())
	require.Error(t, err)
	waitDone(t, sess.Done())

	assert.Equal(t, StateErrored, sess.State())
	// The optimistic user message is kept; the placeholder shows the failure.
	_, ok := store.Get("conv", "temp-1")
	assert.True(t, ok)
	for _, m := range store.Read("conv") {
		if m.Role == RoleAssistant {
			assert.True(t, m.Error)
		}
	}
}

func TestStreamSessionEOFWithoutSentinelFinalizes(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{"event":"content_delta","variant_index":0,"text":"partial"}`,
	)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	assert.Equal(t, StateCompleted, sess.State())
	for _, m := range store.Read("conv") {
		assert.False(t, m.Streaming)
		assert.False(t, m.Placeholder)
	}
}

func TestStreamSessionSkipsMalformedRecords(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(
		`{broken`,
		`{"event":"unknown_kind","text":"x"}`,
		`{"event":"content_delta","variant_index":0,"text":"ok"}`,
		`[DONE]`,
	)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	assert.Equal(t, StateCompleted, sess.State())
	var reply Message
	for _, m := range store.Read("conv") {
		if m.Role == RoleAssistant {
			reply = m
		}
	}
	assert.Equal(t, "ok", reply.Content)
}

func TestStreamSessionClosedDropsLateEvents(t *testing.T) {
	store := NewStore()
	opener := &stubOpener{send: sseStream(`[DONE]`)}

	sess := NewStreamSession(store, nil, opener, zerolog.Nop(),
		SendRequest{ConversationID: "conv", Text: "q", TempID: "temp-1"},
		SessionCallbacks{})
	require.NoError(t, sess.Start(context.Background()))
	waitDone(t, sess.Done())

	before := store.Read("conv")
	terminal := sess.handleEvent(StreamEvent{Type: EventContentDelta, Text: "stale"})
	assert.True(t, terminal)
	assert.Equal(t, before, store.Read("conv"), "a closed session must never write to the store")
}
