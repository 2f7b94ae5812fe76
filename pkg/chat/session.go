package chat

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatstream/pkg/sse"
)

// SessionState tracks a session through its lifecycle.
type SessionState int32

const (
	StateOpening SessionState = iota
	StateStreaming
	StateCompleted
	StateErrored
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SendRequest starts a new turn.
type SendRequest struct {
	ConversationID string
	Text           string
	RewriteMode    bool
	// TempID is the client-generated id for the optimistic user message; the
	// server echoes it so the placeholder can be matched. Minted when empty.
	TempID string
	// PluginDirective optionally asks the backend to run a plugin for this turn.
	PluginDirective string
	// ExtraConfigurationIDs enables ensemble mode: the server additionally
	// consults these model configurations, one variant each.
	ExtraConfigurationIDs []string
}

// RegenerateRequest replaces one existing assistant message.
type RegenerateRequest struct {
	ConversationID  string
	MessageID       string
	ParentMessageID string
	RewriteMode     bool
}

// StreamOpener opens the framed byte stream for a request. A non-success
// response surfaces as a *StreamError.
type StreamOpener interface {
	OpenSend(ctx context.Context, req SendRequest) (io.ReadCloser, error)
	OpenRegenerate(ctx context.Context, req RegenerateRequest) (io.ReadCloser, error)
}

// SessionCallbacks surface terminal outcomes to the embedding application.
type SessionCallbacks struct {
	// OnCompleted fires on graceful completion (used e.g. to clear ensemble
	// selection state).
	OnCompleted func()
	// OnBanner surfaces a conversation-level error banner, separate from the
	// inline error message written into the transcript.
	OnBanner func(error)
}

// placeholderSlot is the owned accumulator for one variant's placeholder,
// scoped to the session's lifetime.
type placeholderSlot struct {
	id            string
	content       strings.Builder
	reasoning     strings.Builder
	modelAssigned bool
	collapsed     bool
}

// StreamSession owns one live SSE consumption for a send. It demultiplexes
// events by variant index into per-placeholder slots, applies deltas to the
// store, and finalizes or error-terminates the placeholders. All store
// writes are keyed through the session's own slot map captured at open time,
// so a superseded session can never clobber a newer one.
type StreamSession struct {
	store  *Store
	bus    *Bus
	opener StreamOpener
	logger zerolog.Logger
	req    SendRequest
	cb     SessionCallbacks

	mu       sync.Mutex
	slots    map[int]*placeholderSlot
	parentID string
	primary  int
	state    SessionState
	closed   bool
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewStreamSession(store *Store, bus *Bus, opener StreamOpener, logger zerolog.Logger, req SendRequest, cb SessionCallbacks) *StreamSession {
	if req.TempID == "" {
		req.TempID = NewUserPlaceholder(req.ConversationID, "", "").ID
	}
	return &StreamSession{
		store:  store,
		bus:    bus,
		opener: opener,
		logger: logger.With().Str("component", "chat").Str("conv_id", req.ConversationID).Logger(),
		req:    req,
		cb:     cb,
		slots:  map[int]*placeholderSlot{},
		done:   make(chan struct{}),
	}
}

// ParentID returns the group key the session's placeholders share. It starts
// synthetic and may be replaced by a server-confirmed id mid-stream.
func (s *StreamSession) ParentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentID
}

// PrimaryVariant is the variant index treated as the conversation's own
// default for focus purposes: the last configured one.
func (s *StreamSession) PrimaryVariant() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

func (s *StreamSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done closes when the session reaches a terminal state.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

// Start seeds the optimistic user message and the assistant placeholders,
// opens the stream, and begins consuming it in the background. Placeholders
// are pre-created before the stream starts: one per variant, N = 1 + extra
// configuration count, all sharing one synthetic parent id.
func (s *StreamSession) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("stream session is nil")
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.state != StateOpening || s.closed {
		s.mu.Unlock()
		cancel()
		return errors.New("stream session already started")
	}
	s.cancel = cancel

	user := NewUserPlaceholder(s.req.ConversationID, s.req.TempID, s.req.Text)
	s.store.Append(s.req.ConversationID, user)

	s.parentID = "grp-" + user.ID
	n := 1 + len(s.req.ExtraConfigurationIDs)
	for i := 0; i < n; i++ {
		ph := NewAssistantPlaceholder(s.req.ConversationID, s.parentID, i)
		s.store.Append(s.req.ConversationID, ph)
		s.slots[i] = &placeholderSlot{id: ph.ID}
	}
	s.primary = n - 1
	s.mu.Unlock()

	s.bus.publish(Notice{Type: NoticeStreamStarted, ConversationID: s.req.ConversationID, ParentID: s.parentID})

	body, err := s.opener.OpenSend(runCtx, s.req)
	if err != nil {
		if runCtx.Err() != nil {
			s.finishAborted()
			return nil
		}
		se := asStreamError(err)
		s.fail(se)
		return se
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()

	go s.consume(runCtx, body)
	return nil
}

// Abort cancels the session. Cancellation is graceful completion, never a
// user-facing error.
func (s *StreamSession) Abort() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.finishAborted()
}

func (s *StreamSession) consume(ctx context.Context, body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	scanner := sse.NewScanner(body)
	for {
		payload, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Stream ended without the terminal sentinel; finalize
				// defensively so no placeholder is left streaming.
				s.finishCompleted()
				return
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.finishAborted()
				return
			}
			s.fail(&StreamError{Category: ErrorCategoryNetwork, Message: err.Error()})
			return
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			// A single bad record must not terminate an otherwise healthy
			// stream.
			s.logger.Warn().Err(err).Msg("skipping malformed stream record")
			continue
		}
		if s.handleEvent(ev) {
			return
		}
	}
}

// handleEvent applies one decoded event and reports whether it was terminal.
func (s *StreamSession) handleEvent(ev StreamEvent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}

	switch ev.Type {
	case EventUserMessage:
		s.applyUserMessageLocked(ev)
		s.mu.Unlock()
		return false
	case EventContentDelta:
		s.applyDeltaLocked(ev, false)
		s.mu.Unlock()
		return false
	case EventReasoningDelta:
		s.applyDeltaLocked(ev, true)
		s.mu.Unlock()
		return false
	case EventFinalMessage:
		s.applyFinalLocked(ev)
		s.mu.Unlock()
		return false
	case EventServerError:
		s.mu.Unlock()
		s.fail(&StreamError{Category: ErrorCategoryServer, Message: ev.ErrorText})
		return true
	case EventDone:
		s.mu.Unlock()
		s.finishCompleted()
		return true
	default:
		s.mu.Unlock()
		s.logger.Warn().Str("event", string(ev.Type)).Msg("dropping unhandled stream event")
		return false
	}
}

// applyUserMessageLocked replaces the optimistic user placeholder with the
// server-confirmed message: matched by temp id, falling back to the most
// recent placeholder user message, appending when neither exists. The user's
// turn is never dropped.
func (s *StreamSession) applyUserMessageLocked(ev StreamEvent) {
	confirmed := ev.Message.toMessage(s.req.ConversationID)
	confirmed.Placeholder = false

	if _, ok := s.store.Get(s.req.ConversationID, s.req.TempID); ok {
		s.store.Replace(s.req.ConversationID, s.req.TempID, confirmed)
		return
	}
	snapshot := s.store.Read(s.req.ConversationID)
	for i := len(snapshot) - 1; i >= 0; i-- {
		m := snapshot[i]
		if m.Role == RoleUser && m.Placeholder {
			s.store.Replace(s.req.ConversationID, m.ID, confirmed)
			return
		}
	}
	s.store.Append(s.req.ConversationID, confirmed)
}

// applyDeltaLocked appends a content or reasoning chunk to the variant's
// accumulator and pushes the updated buffer into the store. The placeholder
// is created lazily if the variant index was never pre-seeded. The first
// content delta collapses any reasoning trace already shown. Model metadata
// is assigned at most once per placeholder.
func (s *StreamSession) applyDeltaLocked(ev StreamEvent, reasoning bool) {
	slot, ok := s.slots[ev.VariantIndex]
	if !ok {
		ph := NewAssistantPlaceholder(s.req.ConversationID, s.parentID, ev.VariantIndex)
		s.store.Append(s.req.ConversationID, ph)
		slot = &placeholderSlot{id: ph.ID}
		s.slots[ev.VariantIndex] = slot
	}

	if reasoning {
		slot.reasoning.WriteString(ev.Text)
	} else {
		slot.collapsed = true
		slot.content.WriteString(ev.Text)
	}

	m, ok := s.store.Get(s.req.ConversationID, slot.id)
	if !ok {
		s.logger.Warn().Str("placeholder_id", slot.id).Int("variant", ev.VariantIndex).
			Msg("placeholder vanished from store; dropping delta")
		return
	}
	m.Content = slot.content.String()
	m.Reasoning = slot.reasoning.String()
	m.ReasoningCollapsed = slot.collapsed
	if ev.Model != nil && !slot.modelAssigned {
		snap := *ev.Model
		m.Model = &snap
		slot.modelAssigned = true
	}
	s.store.Replace(s.req.ConversationID, slot.id, m)
}

// applyFinalLocked replaces the variant's placeholder with the
// server-confirmed message, carrying over the reasoning buffer and collapse
// state, and releases the slot. A finalized message with no matching
// placeholder is appended, never lost.
func (s *StreamSession) applyFinalLocked(ev StreamEvent) {
	confirmed := ev.Message.toMessage(s.req.ConversationID)
	if confirmed.VariantIndex == nil {
		confirmed.VariantIndex = variantIndex(ev.VariantIndex)
	}
	if confirmed.ParentID == "" {
		confirmed.ParentID = s.parentID
	} else {
		s.adoptParentLocked(confirmed.ParentID)
	}

	slot, ok := s.slots[ev.VariantIndex]
	if !ok {
		s.store.Append(s.req.ConversationID, confirmed)
		return
	}
	confirmed.Reasoning = slot.reasoning.String()
	confirmed.ReasoningCollapsed = slot.collapsed
	if !s.store.Replace(s.req.ConversationID, slot.id, confirmed) {
		s.store.Append(s.req.ConversationID, confirmed)
	}
	delete(s.slots, ev.VariantIndex)
}

// adoptParentLocked migrates the session's synthetic parent id to the
// server-confirmed one: remaining placeholders are re-keyed so the group
// stays together, and the controller is told so display modes survive the
// rename without re-triggering auto logic.
func (s *StreamSession) adoptParentLocked(newParent string) {
	if newParent == "" || newParent == s.parentID {
		return
	}
	old := s.parentID
	for _, slot := range s.slots {
		if m, ok := s.store.Get(s.req.ConversationID, slot.id); ok {
			m.ParentID = newParent
			s.store.Replace(s.req.ConversationID, slot.id, m)
		}
	}
	s.parentID = newParent
	s.bus.publish(Notice{
		Type:           NoticeParentReplaced,
		ConversationID: s.req.ConversationID,
		ParentID:       old,
		NewParentID:    newParent,
	})
}

// finishCompleted marks all remaining open placeholders non-streaming and
// non-placeholder (defensive finalize in case a final_message never arrived)
// and completes the session.
func (s *StreamSession) finishCompleted() {
	s.finish(StateCompleted, nil, func(m Message) Message {
		m.Streaming = false
		m.Placeholder = false
		return m
	})
}

// finishAborted treats cancellation as graceful completion: streaming flags
// are cleared and no error is shown.
func (s *StreamSession) finishAborted() {
	s.finish(StateAborted, nil, func(m Message) Message {
		m.Streaming = false
		m.Placeholder = false
		return m
	})
}

// fail replaces every open assistant placeholder's content with a
// human-readable error message and flags it, so the failure stays visible in
// the transcript, then surfaces the banner-level error.
func (s *StreamSession) fail(err *StreamError) {
	s.finish(StateErrored, err, func(m Message) Message {
		m.Content = err.UserMessage()
		m.Error = true
		m.Streaming = false
		m.Placeholder = false
		return m
	})
}

func (s *StreamSession) finish(state SessionState, err *StreamError, fix func(Message) Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = state
	if err != nil {
		s.err = err
	}
	for _, slot := range s.slots {
		if m, ok := s.store.Get(s.req.ConversationID, slot.id); ok {
			s.store.Replace(s.req.ConversationID, slot.id, fix(m))
		}
	}
	s.slots = map[int]*placeholderSlot{}
	s.mu.Unlock()

	s.bus.publish(Notice{Type: NoticeStreamFinished, ConversationID: s.req.ConversationID, ParentID: s.ParentID()})
	switch state {
	case StateCompleted:
		if s.cb.OnCompleted != nil {
			s.cb.OnCompleted()
		}
	case StateErrored:
		s.logger.Error().Err(err).Msg("stream session failed")
		if s.cb.OnBanner != nil {
			s.cb.OnBanner(err)
		}
	}
	close(s.done)
}

func asStreamError(err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	return &StreamError{Category: ErrorCategoryNetwork, Message: err.Error()}
}
