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

// RegenSession owns one live regeneration stream, scoped to replacing a
// single assistant message. It shares the event vocabulary of StreamSession
// but drives exactly one variant: the temporary placeholder is spliced in
// right after the most recent sibling of the target group, so ordering reads
// as "a new version of that turn". On success the placeholder is fully
// removed and the confirmed message merged in; on failure it becomes an
// inline failure message so the user sees which attempt failed.
type RegenSession struct {
	store  *Store
	bus    *Bus
	opener StreamOpener
	logger zerolog.Logger
	req    RegenerateRequest
	cb     SessionCallbacks

	mu            sync.Mutex
	placeholderID string
	content       strings.Builder
	reasoning     strings.Builder
	modelAssigned bool
	collapsed     bool
	finalArrived  bool
	state         SessionState
	closed        bool
	err           error
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewRegenSession(store *Store, bus *Bus, opener StreamOpener, logger zerolog.Logger, req RegenerateRequest, cb SessionCallbacks) *RegenSession {
	return &RegenSession{
		store:  store,
		bus:    bus,
		opener: opener,
		logger: logger.With().Str("component", "chat").Str("conv_id", req.ConversationID).
			Str("message_id", req.MessageID).Logger(),
		req:  req,
		cb:   cb,
		done: make(chan struct{}),
	}
}

func (s *RegenSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RegenSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// PlaceholderID returns the spliced placeholder's id; empty before Start.
func (s *RegenSession) PlaceholderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeholderID
}

// Done closes when the session reaches a terminal state.
func (s *RegenSession) Done() <-chan struct{} { return s.done }

// Pending reports whether the regeneration request is still in flight.
func (s *RegenSession) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Start splices the placeholder into the target variant group, registers the
// regeneration block with the controller, and begins consuming the stream.
func (s *RegenSession) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("regen session is nil")
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.state != StateOpening || s.closed {
		s.mu.Unlock()
		cancel()
		return errors.New("regen session already started")
	}
	s.cancel = cancel

	lastSibling, nextVariant := s.siblingTail()
	ph := NewAssistantPlaceholder(s.req.ConversationID, s.req.ParentMessageID, nextVariant)
	s.store.InsertAfter(s.req.ConversationID, lastSibling, ph)
	s.placeholderID = ph.ID
	s.mu.Unlock()

	s.bus.publish(Notice{
		Type:           NoticeRegenerationStarted,
		ConversationID: s.req.ConversationID,
		ParentID:       s.req.ParentMessageID,
	})

	body, err := s.opener.OpenRegenerate(runCtx, s.req)
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

// Abort cancels the in-flight request gracefully: streaming flags are
// cleared, no error is shown, and the regeneration block is lifted.
func (s *RegenSession) Abort() {
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

// siblingTail finds the most recent sibling in the target group and the next
// free variant index. Falls back to the target message itself when the group
// is empty (e.g. history not yet fetched).
func (s *RegenSession) siblingTail() (string, int) {
	lastID := s.req.MessageID
	maxVariant := -1
	count := 0
	for _, m := range s.store.Read(s.req.ConversationID) {
		if m.Role != RoleAssistant || m.GroupKey() != s.req.ParentMessageID {
			continue
		}
		lastID = m.ID
		count++
		if m.VariantIndex != nil && *m.VariantIndex > maxVariant {
			maxVariant = *m.VariantIndex
		}
	}
	next := count
	if maxVariant >= 0 && maxVariant+1 > next {
		next = maxVariant + 1
	}
	return lastID, next
}

func (s *RegenSession) consume(ctx context.Context, body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	scanner := sse.NewScanner(body)
	for {
		payload, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
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
			s.logger.Warn().Err(err).Msg("skipping malformed stream record")
			continue
		}
		if s.handleEvent(ev) {
			return
		}
	}
}

func (s *RegenSession) handleEvent(ev StreamEvent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}

	switch ev.Type {
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
		// user_message never occurs during regeneration; anything else is
		// vocabulary drift worth logging.
		s.mu.Unlock()
		s.logger.Warn().Str("event", string(ev.Type)).Msg("dropping unexpected regeneration event")
		return false
	}
}

func (s *RegenSession) applyDeltaLocked(ev StreamEvent, reasoning bool) {
	if reasoning {
		s.reasoning.WriteString(ev.Text)
	} else {
		s.collapsed = true
		s.content.WriteString(ev.Text)
	}
	m, ok := s.store.Get(s.req.ConversationID, s.placeholderID)
	if !ok {
		s.logger.Warn().Str("placeholder_id", s.placeholderID).Msg("regeneration placeholder vanished; dropping delta")
		return
	}
	m.Content = s.content.String()
	m.Reasoning = s.reasoning.String()
	m.ReasoningCollapsed = s.collapsed
	if ev.Model != nil && !s.modelAssigned {
		snap := *ev.Model
		m.Model = &snap
		s.modelAssigned = true
	}
	s.store.Replace(s.req.ConversationID, s.placeholderID, m)
}

// applyFinalLocked removes the placeholder entirely and merges the confirmed
// message into the store, rather than demoting the placeholder in place.
func (s *RegenSession) applyFinalLocked(ev StreamEvent) {
	confirmed := ev.Message.toMessage(s.req.ConversationID)
	if confirmed.ParentID == "" {
		confirmed.ParentID = s.req.ParentMessageID
	}
	confirmed.Reasoning = s.reasoning.String()
	confirmed.ReasoningCollapsed = s.collapsed

	phID := s.placeholderID
	s.store.RemoveWhere(s.req.ConversationID, func(m Message) bool { return m.ID == phID })
	s.store.MergeByID(s.req.ConversationID, []Message{confirmed})
	s.finalArrived = true
}

func (s *RegenSession) finishCompleted() {
	s.finish(StateCompleted, nil, func(m Message) Message {
		m.Streaming = false
		m.Placeholder = false
		return m
	})
}

func (s *RegenSession) finishAborted() {
	s.finish(StateAborted, nil, func(m Message) Message {
		m.Streaming = false
		m.Placeholder = false
		return m
	})
}

func (s *RegenSession) fail(err *StreamError) {
	s.finish(StateErrored, err, func(m Message) Message {
		m.Content = err.UserMessage()
		m.Error = true
		m.Streaming = false
		m.Placeholder = false
		return m
	})
}

func (s *RegenSession) finish(state SessionState, err *StreamError, fix func(Message) Message) {
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
	if !s.finalArrived && s.placeholderID != "" {
		if m, ok := s.store.Get(s.req.ConversationID, s.placeholderID); ok {
			s.store.Replace(s.req.ConversationID, s.placeholderID, fix(m))
		}
	}
	s.mu.Unlock()

	s.bus.publish(Notice{
		Type:           NoticeRegenerationComplete,
		ConversationID: s.req.ConversationID,
		ParentID:       s.req.ParentMessageID,
	})
	switch state {
	case StateCompleted:
		if s.cb.OnCompleted != nil {
			s.cb.OnCompleted()
		}
	case StateErrored:
		s.logger.Error().Err(err).Msg("regeneration failed")
		if s.cb.OnBanner != nil {
			s.cb.OnBanner(err)
		}
	}
	close(s.done)
}
